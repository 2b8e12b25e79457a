package user

import (
	"errors"
	"time"

	"github.com/frahmantamala/library-management/internal"
)

// RefreshToken is an opaque bearer lookup key. Expiry is passive; revocation
// is an explicit one-way transition.
type RefreshToken struct {
	id           int64
	version      int64
	token        string
	expiresAt    time.Time
	revokedAt    *time.Time
	isRememberMe bool
	createdAt    time.Time

	// revokedPersisted is false while a revocation is held only in memory.
	revokedPersisted bool
}

func NewRefreshToken(token string, expiresAt time.Time, isRememberMe bool, now time.Time) (*RefreshToken, error) {
	if token == "" {
		return nil, internal.ErrInvalidRefreshToken.WithCause(errors.New("token is empty"))
	}
	if !expiresAt.After(now) {
		return nil, internal.ErrInvalidRefreshToken.WithCause(errors.New("expiry must be in the future"))
	}
	return &RefreshToken{
		token:        token,
		expiresAt:    expiresAt,
		isRememberMe: isRememberMe,
		createdAt:    now,
	}, nil
}

// RestoreRefreshToken rebuilds a token loaded from storage.
func RestoreRefreshToken(id, version int64, token string, expiresAt time.Time, revokedAt *time.Time, isRememberMe bool, createdAt time.Time) *RefreshToken {
	t := &RefreshToken{
		id:               id,
		version:          version,
		token:            token,
		expiresAt:        expiresAt,
		isRememberMe:     isRememberMe,
		createdAt:        createdAt,
		revokedPersisted: revokedAt != nil,
	}
	if revokedAt != nil {
		at := *revokedAt
		t.revokedAt = &at
	}
	return t
}

func (t *RefreshToken) ID() int64            { return t.id }
func (t *RefreshToken) Version() int64       { return t.version }
func (t *RefreshToken) Token() string        { return t.token }
func (t *RefreshToken) ExpiresAt() time.Time { return t.expiresAt }
func (t *RefreshToken) IsRememberMe() bool   { return t.isRememberMe }
func (t *RefreshToken) CreatedAt() time.Time { return t.createdAt }

func (t *RefreshToken) RevokedAt() *time.Time {
	if t.revokedAt == nil {
		return nil
	}
	at := *t.revokedAt
	return &at
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.expiresAt)
}

func (t *RefreshToken) IsRevoked() bool {
	return t.revokedAt != nil
}

func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.IsExpired(now) && !t.IsRevoked()
}

// Revoke fails on a second call and keeps the first revocation time.
func (t *RefreshToken) Revoke(now time.Time) error {
	if t.revokedAt != nil {
		return internal.ErrTokenAlreadyRevoked
	}
	at := now
	t.revokedAt = &at
	return nil
}

// IsNew reports whether the token has never been stored.
func (t *RefreshToken) IsNew() bool {
	return t.id == 0
}

// RevocationPending reports a revocation not yet written to storage.
func (t *RefreshToken) RevocationPending() bool {
	return t.revokedAt != nil && !t.revokedPersisted
}

// MarkPersisted is called by the store once the token's state is committed.
func (t *RefreshToken) MarkPersisted(id, version int64) {
	t.id = id
	t.version = version
	t.revokedPersisted = t.revokedAt != nil
}
