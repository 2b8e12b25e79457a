package auth_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/auth"
	userDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/user"
	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/user"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// conflictingStore fails every Update as if another writer revoked first.
type conflictingStore struct {
	user.RepositoryAPI
}

func (conflictingStore) Update(context.Context, *user.User) error {
	return internal.ErrTokenAlreadyRevoked
}

// interleavingStore runs a competing write right before its first Update.
type interleavingStore struct {
	user.RepositoryAPI
	before func()
}

func (s *interleavingStore) Update(ctx context.Context, u *user.User) error {
	if s.before != nil {
		competing := s.before
		s.before = nil
		competing()
	}
	return s.RepositoryAPI.Update(ctx, u)
}

// countingHasher records the digests it is asked to verify against.
type countingHasher struct {
	auth.PasswordHasher
	mu      sync.Mutex
	digests []string
}

func (h *countingHasher) Verify(plain, digest string) bool {
	h.mu.Lock()
	h.digests = append(h.digests, digest)
	h.mu.Unlock()
	return h.PasswordHasher.Verify(plain, digest)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

var _ = Describe("Session Service", func() {
	var (
		f     *fixture
		alice *user.User
	)

	BeforeEach(func() {
		f = newFixture()
		member := f.createRole("Member", readBook, createCheckout)
		alice = f.register("alice", member.ID)
	})

	Describe("Login", func() {
		It("returns tokens and the session summary", func() {
			result := f.login("alice", false)

			Expect(result.AccessToken).NotTo(BeEmpty())
			Expect(result.RefreshToken).NotTo(BeEmpty())
			Expect(result.User.ID).To(Equal(alice.ID))
			Expect(result.User.Username).To(Equal("alice"))
			Expect(result.User.FullName).To(Equal("Test alice"))
			Expect(result.User.Roles).To(Equal([]auth.RoleClaim{
				{Name: "Member", Permissions: []string{"Book:Read", "Checkout:Create"}},
			}))

			row := f.storedToken(result.RefreshToken)
			Expect(row.UserID).To(Equal(alice.ID))
			Expect(row.IsRememberMe).To(BeFalse())
			Expect(row.ExpiresAt).To(BeTemporally("==", f.now.Add(testSecurity.RefreshTokenDuration)))
		})

		It("uses the remember-me lifetime when asked", func() {
			result := f.login("alice", true)
			row := f.storedToken(result.RefreshToken)
			Expect(row.IsRememberMe).To(BeTrue())
			Expect(row.ExpiresAt).To(BeTemporally("==", f.now.Add(testSecurity.RememberMeDuration)))
		})

		It("gives the same generic error for every credential failure", func() {
			_, err := f.service.Login(f.ctx, auth.LoginDTO{Username: "nobody", Password: testPassword})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))

			_, err = f.service.Login(f.ctx, auth.LoginDTO{Username: "alice", Password: "wrong-password"})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))

			_, _, err = f.userSvc.Deactivate(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.service.Login(f.ctx, auth.LoginDTO{Username: "alice", Password: testPassword})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))
		})

		It("runs a hash comparison for unknown usernames too", func() {
			hasher := &countingHasher{PasswordHasher: auth.NewBcryptHasher(testSecurity.BCryptCost)}
			svc := auth.NewService(f.users, hasher, f.tokens, f.authz, f.bus, testSecurity, f.logger)

			_, err := svc.Login(f.ctx, auth.LoginDTO{Username: "nobody", Password: testPassword})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))
			Expect(hasher.digests).To(HaveLen(1))
			Expect(hasher.digests[0]).To(HavePrefix("$2a$"))

			_, err = svc.Login(f.ctx, auth.LoginDTO{Username: "alice", Password: "wrong-password"})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))
			Expect(hasher.digests).To(HaveLen(2))
		})

		It("retries on a concurrent write and keeps both sessions", func() {
			var phone *auth.LoginResult
			store := &interleavingStore{RepositoryAPI: f.users, before: func() {
				phone = f.login("alice", true)
			}}
			svc := auth.NewService(store, auth.NewBcryptHasher(testSecurity.BCryptCost),
				f.tokens, f.authz, f.bus, testSecurity, f.logger, auth.WithServiceClock(func() time.Time { return f.now }))

			laptop, err := svc.Login(f.ctx, auth.LoginDTO{Username: "alice", Password: testPassword})
			Expect(err).NotTo(HaveOccurred())
			Expect(f.storedToken(laptop.RefreshToken).RevokedAt).To(BeNil())
			Expect(f.storedToken(phone.RefreshToken).RevokedAt).To(BeNil())
		})

		It("does not open a session for a user deactivated mid-login", func() {
			store := &interleavingStore{RepositoryAPI: f.users, before: func() {
				_, _, err := f.userSvc.Deactivate(f.ctx, alice.ID)
				Expect(err).NotTo(HaveOccurred())
			}}
			svc := auth.NewService(store, auth.NewBcryptHasher(testSecurity.BCryptCost),
				f.tokens, f.authz, f.bus, testSecurity, f.logger, auth.WithServiceClock(func() time.Time { return f.now }))

			_, err := svc.Login(f.ctx, auth.LoginDTO{Username: "alice", Password: testPassword})
			Expect(err).To(MatchError(internal.ErrInvalidCredentials))

			var count int64
			Expect(f.db.Model(&userDatamodel.RefreshToken{}).Count(&count).Error).To(Succeed())
			Expect(count).To(BeZero())

			stored, err := f.users.GetByID(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.IsActive).To(BeFalse())
		})

		It("requires both fields", func() {
			_, err := f.service.Login(f.ctx, auth.LoginDTO{Username: "alice"})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
		})
	})

	Describe("RefreshToken", func() {
		It("rotates the token and rejects a replay", func() {
			first := f.login("alice", false)

			f.now = f.now.Add(time.Minute)
			second, err := f.service.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.RefreshToken).NotTo(Equal(first.RefreshToken))
			Expect(f.storedToken(first.RefreshToken).RevokedAt).NotTo(BeNil())

			_, err = f.service.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenRevoked))
			Expect(internal.IsTokenError(err)).To(BeTrue())
		})

		It("carries the remember-me flag forward from the rotation time", func() {
			first := f.login("alice", true)

			f.now = f.now.Add(24 * time.Hour)
			second, err := f.service.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).NotTo(HaveOccurred())

			row := f.storedToken(second.RefreshToken)
			Expect(row.IsRememberMe).To(BeTrue())
			Expect(row.ExpiresAt).To(BeTemporally("==", f.now.Add(testSecurity.RememberMeDuration)))
		})

		It("fails hard on an expired token", func() {
			first := f.login("alice", false)

			f.now = f.now.Add(testSecurity.RefreshTokenDuration)
			_, err := f.service.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenExpired))
		})

		It("rejects unknown tokens", func() {
			_, err := f.service.RefreshToken(f.ctx, "not-a-real-token")
			Expect(err).To(MatchError(internal.ErrInvalidToken))

			_, err = f.service.RefreshToken(f.ctx, "")
			Expect(err).To(MatchError(internal.ErrInvalidToken))
		})

		It("rejects tokens of a deactivated user", func() {
			first := f.login("alice", false)
			_, revoked, err := f.userSvc.Deactivate(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(revoked).To(Equal(1))

			_, err = f.service.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).To(MatchError(internal.ErrInvalidToken))
		})

		It("reports a lost concurrent rotation as a revoked token", func() {
			first := f.login("alice", false)

			racing := auth.NewService(conflictingStore{f.users}, auth.NewBcryptHasher(testSecurity.BCryptCost),
				f.tokens, f.authz, f.bus, testSecurity, f.logger, auth.WithServiceClock(func() time.Time { return f.now }))
			_, err := racing.RefreshToken(f.ctx, first.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenRevoked))
			Expect(errors.Is(err, internal.ErrTokenAlreadyRevoked)).To(BeTrue())

			Expect(f.storedToken(first.RefreshToken).RevokedAt).To(BeNil())
		})

		It("lets exactly one of two concurrent refreshes win", func() {
			first := f.login("alice", false)

			var (
				wg      sync.WaitGroup
				results = make([]error, 2)
			)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, results[i] = f.service.RefreshToken(f.ctx, first.RefreshToken)
				}(i)
			}
			wg.Wait()

			var wins, losses int
			for _, err := range results {
				if err == nil {
					wins++
					continue
				}
				Expect(err).To(MatchError(internal.ErrTokenRevoked))
				losses++
			}
			Expect(wins).To(Equal(1))
			Expect(losses).To(Equal(1))

			var active int64
			Expect(f.db.Model(&userDatamodel.RefreshToken{}).Where("revoked_at IS NULL").Count(&active).Error).To(Succeed())
			Expect(active).To(Equal(int64(1)))
		})
	})

	Describe("Logout", func() {
		It("revokes the presented token and then every other device", func() {
			laptop := f.login("alice", false)
			phone := f.login("alice", true)

			Expect(f.service.Logout(f.ctx, alice.ID, laptop.RefreshToken)).To(Succeed())
			Expect(f.storedToken(laptop.RefreshToken).RevokedAt).NotTo(BeNil())

			Eventually(func() *time.Time {
				return f.storedToken(phone.RefreshToken).RevokedAt
			}).ShouldNot(BeNil())

			_, err := f.service.RefreshToken(f.ctx, phone.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenRevoked))
		})

		It("publishes the logout event after committing", func() {
			publisher := &recordingPublisher{}
			svc := auth.NewService(f.users, auth.NewBcryptHasher(testSecurity.BCryptCost),
				f.tokens, f.authz, publisher, testSecurity, f.logger, auth.WithServiceClock(func() time.Time { return f.now }))
			session := f.login("alice", false)

			Expect(svc.Logout(f.ctx, alice.ID, session.RefreshToken)).To(Succeed())
			Expect(publisher.events).To(HaveLen(1))
			logout, ok := publisher.events[0].(*events.UserLoggedOutEvent)
			Expect(ok).To(BeTrue())
			Expect(logout.UserID).To(Equal(alice.ID))
		})

		It("fails with named errors", func() {
			session := f.login("alice", false)

			Expect(f.service.Logout(f.ctx, 999, session.RefreshToken)).To(MatchError(internal.ErrUserNotFound))
			Expect(f.service.Logout(f.ctx, alice.ID, "someone-elses-token")).To(MatchError(internal.ErrRefreshTokenNotFound))

			Expect(f.service.Logout(f.ctx, alice.ID, session.RefreshToken)).To(Succeed())
			Expect(f.service.Logout(f.ctx, alice.ID, session.RefreshToken)).To(MatchError(internal.ErrTokenAlreadyRevoked))
		})

		It("aborts before persisting when cancelled", func() {
			session := f.login("alice", false)
			cancelled, cancel := context.WithCancel(f.ctx)
			cancel()

			err := f.service.Logout(cancelled, alice.ID, session.RefreshToken)
			Expect(err).To(HaveOccurred())
			Expect(f.storedToken(session.RefreshToken).RevokedAt).To(BeNil())
		})
	})

	Describe("session lifecycle", func() {
		It("rotates, rejects the replay and signs out every device", func() {
			laptop := f.login("alice", false)
			phone := f.login("alice", true)

			f.now = f.now.Add(time.Minute)
			rotated, err := f.service.RefreshToken(f.ctx, laptop.RefreshToken)
			Expect(err).NotTo(HaveOccurred())
			claims, err := f.service.ValidateAccessToken(rotated.AccessToken)
			Expect(err).NotTo(HaveOccurred())
			subject, err := claims.UserID()
			Expect(err).NotTo(HaveOccurred())
			Expect(subject).To(Equal(alice.ID))

			_, err = f.service.RefreshToken(f.ctx, laptop.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenRevoked))

			Expect(f.service.Logout(f.ctx, alice.ID, rotated.RefreshToken)).To(Succeed())
			Expect(f.storedToken(rotated.RefreshToken).RevokedAt).NotTo(BeNil())

			Eventually(func() *time.Time {
				return f.storedToken(phone.RefreshToken).RevokedAt
			}).ShouldNot(BeNil())

			var active int64
			Expect(f.db.Model(&userDatamodel.RefreshToken{}).Where("revoked_at IS NULL").Count(&active).Error).To(Succeed())
			Expect(active).To(BeZero())

			_, err = f.service.RefreshToken(f.ctx, phone.RefreshToken)
			Expect(err).To(MatchError(internal.ErrTokenRevoked))
		})
	})

	Describe("LogoutFanOutHandler", func() {
		It("is idempotent", func() {
			f.login("alice", false)
			f.login("alice", false)
			handler := auth.NewLogoutFanOutHandler(f.users, f.logger)
			event := events.NewUserLoggedOutEvent(alice.ID, time.Now())

			Expect(handler.HandleUserLoggedOut(f.ctx, event)).To(Succeed())
			reloaded, err := f.users.GetByID(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reloaded.ActiveRefreshTokens(time.Now())).To(BeEmpty())

			var before []userDatamodel.RefreshToken
			Expect(f.db.Order("id").Find(&before).Error).To(Succeed())

			Expect(handler.HandleUserLoggedOut(f.ctx, event)).To(Succeed())
			var after []userDatamodel.RefreshToken
			Expect(f.db.Order("id").Find(&after).Error).To(Succeed())
			Expect(after).To(Equal(before))
		})

		It("gives up after repeated conflicts", func() {
			f.login("alice", false)
			handler := auth.NewLogoutFanOutHandler(conflictingStore{f.users}, f.logger)
			err := handler.HandleUserLoggedOut(f.ctx, events.NewUserLoggedOutEvent(alice.ID, time.Now()))
			Expect(err).To(MatchError(internal.ErrTokenAlreadyRevoked))
		})

		It("reloads and revokes sessions opened by a concurrent write", func() {
			f.login("alice", false)
			var late *auth.LoginResult
			store := &interleavingStore{RepositoryAPI: f.users, before: func() {
				late = f.login("alice", false)
			}}
			handler := auth.NewLogoutFanOutHandler(store, f.logger)

			Expect(handler.HandleUserLoggedOut(f.ctx, events.NewUserLoggedOutEvent(alice.ID, time.Now()))).To(Succeed())
			Expect(f.storedToken(late.RefreshToken).RevokedAt).NotTo(BeNil())

			var active int64
			Expect(f.db.Model(&userDatamodel.RefreshToken{}).Where("revoked_at IS NULL").Count(&active).Error).To(Succeed())
			Expect(active).To(BeZero())
		})

		It("ignores users that no longer exist", func() {
			handler := auth.NewLogoutFanOutHandler(f.users, f.logger)
			Expect(handler.HandleUserLoggedOut(f.ctx, events.NewUserLoggedOutEvent(404, time.Now()))).To(Succeed())
		})
	})
})
