package auth_test

import (
	"encoding/base64"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/auth"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TokenService", func() {
	var (
		now     time.Time
		service *auth.TokenService
		u       *user.User
	)

	BeforeEach(func() {
		now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
		service = auth.NewTokenService(testSecurity, auth.NewAuthorizationService(), auth.WithClock(func() time.Time { return now }))

		var err error
		u, err = user.NewUser("alice", "alice@library.test", "Alice Reader", "hash")
		Expect(err).NotTo(HaveOccurred())
		u.ID = 17

		member, err := role.NewRole("Member", "", readBook, createCheckout)
		Expect(err).NotTo(HaveOccurred())
		member.ID = 1
		Expect(u.AssignRole(*member)).To(Succeed())
		Expect(u.DenyPermission(createCheckout)).To(Succeed())
	})

	Describe("GenerateAccessToken", func() {
		It("embeds identity and effective role permissions", func() {
			token, err := service.GenerateAccessToken(u)
			Expect(err).NotTo(HaveOccurred())

			claims, err := service.ValidateToken(token)
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.Subject).To(Equal("17"))
			Expect(claims.Email).To(Equal("alice@library.test"))
			Expect(claims.Name).To(Equal("Alice Reader"))
			Expect(claims.Username).To(Equal("alice"))
			Expect(claims.ID).NotTo(BeEmpty())
			Expect(claims.Roles).To(Equal([]auth.RoleClaim{{Name: "Member", Permissions: []string{"Book:Read"}}}))
			Expect(claims.HasPermission("Book:Read")).To(BeTrue())
			Expect(claims.HasPermission("Checkout:Create")).To(BeFalse())
			Expect(claims.ExpiresAt.Time).To(BeTemporally("==", now.Add(testSecurity.AccessTokenDuration)))

			id, err := claims.UserID()
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(17)))
		})

		It("issues a unique token id each time", func() {
			first, err := service.GenerateAccessToken(u)
			Expect(err).NotTo(HaveOccurred())
			second, err := service.GenerateAccessToken(u)
			Expect(err).NotTo(HaveOccurred())

			a, _ := service.ValidateToken(first)
			b, _ := service.ValidateToken(second)
			Expect(a.ID).NotTo(Equal(b.ID))
		})
	})

	Describe("GenerateRefreshToken", func() {
		It("returns 32 random bytes, base64url without padding", func() {
			token, err := service.GenerateRefreshToken()
			Expect(err).NotTo(HaveOccurred())
			Expect(token).NotTo(ContainSubstring("="))

			raw, err := base64.RawURLEncoding.DecodeString(token)
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(HaveLen(32))

			other, err := service.GenerateRefreshToken()
			Expect(err).NotTo(HaveOccurred())
			Expect(other).NotTo(Equal(token))
		})
	})

	Describe("ValidateToken", func() {
		It("rejects expired tokens", func() {
			token, err := service.GenerateAccessToken(u)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(testSecurity.AccessTokenDuration + time.Second)
			_, err = service.ValidateToken(token)
			Expect(err).To(MatchError(internal.ErrTokenExpired))
		})

		It("rejects a token signed with another secret", func() {
			other := testSecurity
			other.JWTSecret = "another-secret-that-is-32-bytes-long!!"
			forged, err := auth.NewTokenService(other, auth.NewAuthorizationService(), auth.WithClock(func() time.Time { return now })).GenerateAccessToken(u)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.ValidateToken(forged)
			Expect(err).To(MatchError(internal.ErrInvalidToken))
		})

		It("rejects the wrong issuer or audience", func() {
			for _, mutate := range []func(*internal.SecurityConfig){
				func(c *internal.SecurityConfig) { c.Issuer = "someone-else" },
				func(c *internal.SecurityConfig) { c.Audience = "another-api" },
			} {
				cfg := testSecurity
				mutate(&cfg)
				token, err := auth.NewTokenService(cfg, auth.NewAuthorizationService(), auth.WithClock(func() time.Time { return now })).GenerateAccessToken(u)
				Expect(err).NotTo(HaveOccurred())

				_, err = service.ValidateToken(token)
				Expect(err).To(MatchError(internal.ErrInvalidToken))
			}
		})

		It("rejects other signing algorithms", func() {
			claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "17",
				Issuer:    testSecurity.Issuer,
				Audience:  jwt.ClaimStrings{testSecurity.Audience},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}}
			unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.ValidateToken(unsigned)
			Expect(err).To(MatchError(internal.ErrInvalidToken))
		})

		It("never panics on garbage", func() {
			for _, garbage := range []string{"", "abc", "a.b.c", "...."} {
				Expect(func() {
					_, err := service.ValidateToken(garbage)
					Expect(err).To(MatchError(internal.ErrInvalidToken))
				}).NotTo(Panic())
			}
		})
	})
})
