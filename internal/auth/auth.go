package auth

import (
	"context"
	"strconv"

	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/golang-jwt/jwt/v5"
)

// PasswordHasher is an opaque capability; the digest format is its own business.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, digest string) bool
}

// EventPublisher is satisfied by events.EventBus and events.AMQPForwarder.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// TokenIssuer mints and checks tokens.
type TokenIssuer interface {
	GenerateAccessToken(u *user.User) (string, error)
	GenerateRefreshToken() (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// RoleClaim is one entry of the roles claim: a role name and the codes it
// grants after the user's denials are removed.
type RoleClaim struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Claims represents JWT access token claims
type Claims struct {
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Username string      `json:"username"`
	Roles    []RoleClaim `json:"roles"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// HasPermission checks the embedded claim. Handlers that need a fresh answer
// evaluate the stored user instead.
func (c *Claims) HasPermission(code string) bool {
	for _, r := range c.Roles {
		for _, p := range r.Permissions {
			if p == code {
				return true
			}
		}
	}
	return false
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type SessionUser struct {
	ID       int64       `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	FullName string      `json:"full_name"`
	Roles    []RoleClaim `json:"roles"`
}

// LoginResult is returned by Login and RefreshToken.
type LoginResult struct {
	TokenPair
	User SessionUser `json:"user"`
}
