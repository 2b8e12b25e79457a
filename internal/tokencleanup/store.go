package tokencleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Token is the housekeeping view of a refresh_tokens row.
type Token struct {
	ID        int64      `db:"id"`
	UserID    int64      `db:"user_id"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	Version   int64      `db:"version"`
}

// Store is the persistence the cleanup job needs. MarkRevoked and Delete
// report false when the row changed since it was listed.
type Store interface {
	ListTokens(ctx context.Context, now, cutoff time.Time, afterID int64, limit int) ([]Token, error)
	MarkRevoked(ctx context.Context, id, version int64, at time.Time) (bool, error)
	Delete(ctx context.Context, id, version int64) (bool, error)
}

const (
	listTokensQuery = `
SELECT id, user_id, expires_at, revoked_at, version
FROM refresh_tokens
WHERE id > $1
  AND ((revoked_at IS NULL AND expires_at <= $2) OR expires_at < $3 OR revoked_at < $3)
ORDER BY id
LIMIT $4`

	markRevokedQuery = `
UPDATE refresh_tokens
SET revoked_at = $1, version = version + 1
WHERE id = $2 AND version = $3 AND revoked_at IS NULL`

	deleteQuery = `DELETE FROM refresh_tokens WHERE id = $1 AND version = $2`
)

type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ListTokens pages through rows that are lapsed but unrevoked, or whose
// expiry or revocation is older than cutoff.
func (s *SQLStore) ListTokens(ctx context.Context, now, cutoff time.Time, afterID int64, limit int) ([]Token, error) {
	var tokens []Token
	if err := s.db.SelectContext(ctx, &tokens, listTokensQuery, afterID, now, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}

func (s *SQLStore) MarkRevoked(ctx context.Context, id, version int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, markRevokedQuery, at, id, version)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, id, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, deleteQuery, id, version)
	if err != nil {
		return false, fmt.Errorf("delete refresh token %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete refresh token %d: %w", id, err)
	}
	return n == 1, nil
}
