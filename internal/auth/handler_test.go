package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/auth"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Auth Handler Integration", func() {
	var (
		f      *fixture
		alice  *user.User
		router chi.Router
	)

	BeforeEach(func() {
		f = newFixture()
		member := f.createRole("Member", readBook, createCheckout)
		alice = f.register("alice", member.ID)

		handler := auth.NewHandler(f.service)
		rbac := auth.NewRBACAuthorization(f.authz, f.logger)
		ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

		router = chi.NewRouter()
		router.Post("/auth/login", handler.Login)
		router.Post("/auth/refresh", handler.RefreshToken)
		router.Group(func(r chi.Router) {
			r.Use(handler.AuthMiddleware)
			r.Post("/auth/logout", handler.Logout)
			r.Get("/users/me", handler.Me)
			r.With(rbac.RequirePermission(permission.FeatureBook, permission.ActionRead)).Get("/books", ok)
			r.With(rbac.RequirePermission(permission.FeatureBook, permission.ActionUpdate)).Put("/books/1", ok)
		})
	})

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	errorCode := func(w *httptest.ResponseRecorder) internal.ErrorCode {
		var body struct {
			Error struct {
				Code internal.ErrorCode `json:"code"`
			} `json:"error"`
		}
		Expect(json.NewDecoder(w.Body).Decode(&body)).To(Succeed())
		return body.Error.Code
	}

	loginOverHTTP := func() auth.LoginResult {
		w := do(http.MethodPost, "/auth/login", "", `{"username":"alice","password":"`+testPassword+`"}`)
		Expect(w.Code).To(Equal(http.StatusOK))
		var result auth.LoginResult
		Expect(json.NewDecoder(w.Body).Decode(&result)).To(Succeed())
		return result
	}

	Describe("POST /auth/login", func() {
		It("returns the token pair and user summary", func() {
			result := loginOverHTTP()
			Expect(result.AccessToken).NotTo(BeEmpty())
			Expect(result.RefreshToken).NotTo(BeEmpty())
			Expect(result.User.Username).To(Equal("alice"))
		})

		It("answers 401 for bad credentials", func() {
			w := do(http.MethodPost, "/auth/login", "", `{"username":"alice","password":"nope"}`)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
			Expect(errorCode(w)).To(Equal(internal.ErrCodeInvalidCredentials))
		})

		It("answers 400 for a malformed body", func() {
			w := do(http.MethodPost, "/auth/login", "", `{`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /auth/refresh", func() {
		It("rotates and then refuses the old token", func() {
			session := loginOverHTTP()
			body := `{"refresh_token":"` + session.RefreshToken + `"}`

			w := do(http.MethodPost, "/auth/refresh", "", body)
			Expect(w.Code).To(Equal(http.StatusOK))
			var rotated auth.RefreshResponse
			Expect(json.NewDecoder(w.Body).Decode(&rotated)).To(Succeed())
			Expect(rotated.RefreshToken).NotTo(Equal(session.RefreshToken))

			w = do(http.MethodPost, "/auth/refresh", "", body)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
			Expect(errorCode(w)).To(Equal(internal.ErrCodeTokenRevoked))
		})
	})

	Describe("AuthMiddleware and RBAC", func() {
		It("answers 401 without a bearer token", func() {
			Expect(do(http.MethodGet, "/books", "", "").Code).To(Equal(http.StatusUnauthorized))
			Expect(do(http.MethodGet, "/books", "garbage", "").Code).To(Equal(http.StatusUnauthorized))
		})

		It("allows granted and forbids missing permissions", func() {
			session := loginOverHTTP()
			Expect(do(http.MethodGet, "/books", session.AccessToken, "").Code).To(Equal(http.StatusOK))

			w := do(http.MethodPut, "/books/1", session.AccessToken, "")
			Expect(w.Code).To(Equal(http.StatusForbidden))
			Expect(errorCode(w)).To(Equal(internal.ErrCodeInsufficientAccess))
		})

		It("applies a denial before the access token expires", func() {
			session := loginOverHTTP()
			_, err := f.userSvc.DenyPermission(f.ctx, alice.ID, readBook.Code())
			Expect(err).NotTo(HaveOccurred())

			Expect(do(http.MethodGet, "/books", session.AccessToken, "").Code).To(Equal(http.StatusForbidden))
		})

		It("locks out a deactivated user holding a valid access token", func() {
			session := loginOverHTTP()
			_, _, err := f.userSvc.Deactivate(f.ctx, alice.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(do(http.MethodGet, "/books", session.AccessToken, "").Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("GET /users/me", func() {
		It("returns the session and effective permissions", func() {
			session := loginOverHTTP()
			_, err := f.userSvc.DenyPermission(f.ctx, alice.ID, createCheckout.Code())
			Expect(err).NotTo(HaveOccurred())

			w := do(http.MethodGet, "/users/me", session.AccessToken, "")
			Expect(w.Code).To(Equal(http.StatusOK))
			var me auth.MeResponse
			Expect(json.NewDecoder(w.Body).Decode(&me)).To(Succeed())
			Expect(me.User.ID).To(Equal(alice.ID))
			Expect(me.Permissions).To(Equal([]string{"Book:Read"}))
			Expect(me.User.Roles).To(Equal([]auth.RoleClaim{{Name: "Member", Permissions: []string{"Book:Read"}}}))
		})
	})

	Describe("POST /auth/logout", func() {
		It("reports success and closes the session", func() {
			session := loginOverHTTP()
			w := do(http.MethodPost, "/auth/logout", session.AccessToken, `{"refresh_token":"`+session.RefreshToken+`"}`)
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp auth.LogoutResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp).To(Equal(auth.LogoutResponse{Success: true, Message: "Logged out successfully"}))
			Expect(f.storedToken(session.RefreshToken).RevokedAt).NotTo(BeNil())
		})

		It("reports failure for a token the caller does not own", func() {
			session := loginOverHTTP()
			w := do(http.MethodPost, "/auth/logout", session.AccessToken, `{"refresh_token":"not-mine"}`)
			Expect(w.Code).To(Equal(http.StatusNotFound))

			var resp auth.LogoutResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Message).To(Equal(internal.ErrRefreshTokenNotFound.Message))
		})

		It("requires authentication", func() {
			Expect(do(http.MethodPost, "/auth/logout", "", `{"refresh_token":"x"}`).Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
