package user_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/user"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// MockRepository keeps users in memory keyed by id.
type MockRepository struct {
	users     map[int64]*user.User
	nextID    int64
	updates   int
	conflicts int
	failError error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{users: make(map[int64]*user.User)}
}

func (m *MockRepository) FindByUsername(_ context.Context, username string) (*user.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, internal.ErrUserNotFound
}

func (m *MockRepository) FindByRefreshToken(_ context.Context, token string) (*user.User, error) {
	for _, u := range m.users {
		if _, ok := u.FindRefreshToken(token); ok {
			return u, nil
		}
	}
	return nil, internal.ErrRefreshTokenNotFound
}

func (m *MockRepository) GetByID(_ context.Context, id int64) (*user.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, internal.ErrUserNotFound
	}
	return u, nil
}

func (m *MockRepository) Add(_ context.Context, u *user.User) error {
	if m.failError != nil {
		return m.failError
	}
	m.nextID++
	u.ID = m.nextID
	m.users[u.ID] = u
	return nil
}

func (m *MockRepository) Update(_ context.Context, u *user.User) error {
	if m.failError != nil {
		return m.failError
	}
	if m.conflicts > 0 {
		m.conflicts--
		return internal.ErrUserVersionConflict
	}
	m.updates++
	m.users[u.ID] = u
	return nil
}

type MockRoles map[int64]*role.Role

func (m MockRoles) GetByID(_ context.Context, id int64) (*role.Role, error) {
	r, ok := m[id]
	if !ok {
		return nil, internal.ErrRoleNotFound
	}
	return r, nil
}

type plainHasher struct{}

func (plainHasher) Hash(plain string) (string, error) { return "hashed:" + plain, nil }

var _ = Describe("User Service", func() {
	var (
		ctx     context.Context
		repo    *MockRepository
		service *user.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = NewMockRepository()

		member, err := role.NewRole("Member", "", permission.New(permission.FeatureBook, permission.ActionRead))
		Expect(err).NotTo(HaveOccurred())
		member.ID = 3

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		service = user.NewService(repo, MockRoles{3: member}, plainHasher{}, logger)
	})

	register := func(username string, roleIDs ...int64) *user.User {
		u, err := service.Register(ctx, user.RegisterUserDTO{
			Username: username,
			Email:    username + "@library.test",
			FullName: "Test User",
			Password: "correct-horse",
			RoleIDs:  roleIDs,
		})
		Expect(err).NotTo(HaveOccurred())
		return u
	}

	Describe("Register", func() {
		It("hashes the password and assigns roles", func() {
			u := register("alice", 3)
			Expect(u.ID).To(Equal(int64(1)))
			Expect(u.PasswordHash).To(Equal("hashed:correct-horse"))
			Expect(u.HasRole(3)).To(BeTrue())
		})

		It("rejects a taken username", func() {
			register("alice")
			_, err := service.Register(ctx, user.RegisterUserDTO{
				Username: "alice", Email: "a@library.test", FullName: "A", Password: "correct-horse",
			})
			Expect(err).To(MatchError(internal.ErrUsernameTaken))
		})

		It("rejects an unknown role", func() {
			_, err := service.Register(ctx, user.RegisterUserDTO{
				Username: "bob", Email: "b@library.test", FullName: "B", Password: "correct-horse", RoleIDs: []int64{99},
			})
			Expect(err).To(MatchError(internal.ErrRoleNotFound))
		})

		It("rejects a short password", func() {
			_, err := service.Register(ctx, user.RegisterUserDTO{
				Username: "bob", Email: "b@library.test", FullName: "B", Password: "short",
			})
			Expect(err).To(HaveOccurred())
			Expect(repo.users).To(BeEmpty())
		})
	})

	Describe("role and denial administration", func() {
		It("assigns and removes roles", func() {
			u := register("alice")

			_, err := service.AssignRole(ctx, u.ID, 3)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.AssignRole(ctx, u.ID, 3)
			Expect(err).To(MatchError(internal.ErrRoleAlreadyAssigned))

			updated, err := service.RemoveRole(ctx, u.ID, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Roles()).To(BeEmpty())
		})

		It("denies and allows permissions by code", func() {
			u := register("alice", 3)

			updated, err := service.DenyPermission(ctx, u.ID, "Book:Read")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.IsDenied(permission.New(permission.FeatureBook, permission.ActionRead))).To(BeTrue())

			_, err = service.DenyPermission(ctx, u.ID, "Book:Fly")
			Expect(err).To(HaveOccurred())

			_, err = service.AllowPermission(ctx, u.ID, "Book:Read")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.AllowPermission(ctx, u.ID, "Book:Read")
			Expect(err).To(MatchError(internal.ErrPermissionNotDenied))
		})

		It("surfaces store failures", func() {
			u := register("alice")
			repo.failError = errors.New("connection reset")
			_, err := service.AssignRole(ctx, u.ID, 3)
			Expect(err).To(MatchError("connection reset"))
		})
	})

	Describe("Deactivate", func() {
		It("revokes every valid token", func() {
			u := register("alice")
			now := time.Now()
			for _, v := range []string{"a", "b"} {
				t, err := user.NewRefreshToken(v, now.Add(time.Hour), false, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(u.AddRefreshToken(t)).To(Succeed())
			}

			deactivated, revoked, err := service.Deactivate(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(revoked).To(Equal(2))
			Expect(deactivated.IsActive).To(BeFalse())
		})

		It("returns not found for unknown users", func() {
			_, _, err := service.Deactivate(ctx, 42)
			Expect(err).To(MatchError(internal.ErrUserNotFound))
		})
	})

	Describe("Activate", func() {
		It("reactivates a deactivated user", func() {
			u := register("alice")
			_, _, err := service.Deactivate(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())

			activated, err := service.Activate(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(activated.IsActive).To(BeTrue())
		})

		It("reloads and retries a write that lost to a concurrent change", func() {
			u := register("alice")
			_, _, err := service.Deactivate(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			before := repo.updates

			repo.conflicts = 2
			activated, err := service.Activate(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(activated.IsActive).To(BeTrue())
			Expect(repo.updates).To(Equal(before + 1))
		})

		It("gives up after repeated conflicts", func() {
			u := register("alice")
			repo.conflicts = 3
			_, err := service.Activate(ctx, u.ID)
			Expect(err).To(MatchError(internal.ErrUserVersionConflict))
		})
	})
})
