package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vilanovax/bizbuzz-auth/storage"
)

const saveUserQuery = `
-- name: SaveUser :exec
INSERT INTO users
    (id, name, given_name, family_name, picture, email, email_verified, phone, phone_verified, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    given_name = EXCLUDED.given_name,
    family_name = EXCLUDED.family_name,
    picture = EXCLUDED.picture,
    email = EXCLUDED.email,
    email_verified = EXCLUDED.email_verified,
    phone = EXCLUDED.phone,
    phone_verified = EXCLUDED.phone_verified,
    updated_at = EXCLUDED.updated_at
`

const getUserQuery = `
-- name: GetUser :one
SELECT id, name, given_name, family_name, picture, email, email_verified, phone, phone_verified, updated_at
FROM users
WHERE id = $1
`

// SaveUser upserts a user row. Production rows are synced from the platform's
// user service; this exists for development seeding and tests.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	start := time.Now()
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.Exec(ctx, saveUserQuery,
		user.ID,
		user.Name,
		user.GivenName,
		user.FamilyName,
		user.Picture,
		user.Email,
		user.EmailVerified,
		user.Phone,
		user.PhoneVerified,
		updatedAt,
	)
	if err != nil {
		s.recordOp(ctx, "save_user", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "save_user", "success", start)
	return nil
}

// GetUser retrieves a user by subject ID.
func (s *Store) GetUser(ctx context.Context, subjectID string) (*storage.User, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, getUserQuery, subjectID)
	if err != nil {
		s.recordOp(ctx, "get_user", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	user, err := pgx.CollectOneRow(rows, scanUser)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "get_user", "not_found", start)
		return nil, storage.ErrUserNotFound
	case err != nil:
		s.recordOp(ctx, "get_user", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "get_user", "success", start)
	return user, nil
}

func scanUser(row pgx.CollectableRow) (*storage.User, error) {
	var u storage.User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.GivenName,
		&u.FamilyName,
		&u.Picture,
		&u.Email,
		&u.EmailVerified,
		&u.Phone,
		&u.PhoneVerified,
		&u.UpdatedAt,
	)
	return &u, err
}
