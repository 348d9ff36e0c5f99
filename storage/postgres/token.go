package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

const saveAccessTokenQuery = `
-- name: SaveAccessToken :exec
INSERT INTO access_tokens (token_digest, subject_id, client_id, scope, issued_at, expires_at, revoked, code_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const getAccessTokenQuery = `
-- name: GetAccessToken :one
SELECT token_digest, subject_id, client_id, scope, issued_at, expires_at, revoked, code_id
FROM access_tokens
WHERE token_digest = $1
`

const revokeAccessTokenQuery = `
-- name: RevokeAccessToken :exec
UPDATE access_tokens
SET revoked = TRUE
WHERE token_digest = $1
`

const saveRefreshTokenQuery = `
-- name: SaveRefreshToken :exec
INSERT INTO refresh_tokens
    (id, token_digest, family_id, subject_id, client_id, scope, status,
     predecessor_id, generation, issued_at, expires_at, code_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::uuid, $9, $10, $11, $12)
`

const getRefreshTokenQuery = `
-- name: GetRefreshToken :one
SELECT id::text, token_digest, family_id::text, subject_id, client_id, scope, status,
    COALESCE(predecessor_id::text, ''), generation, issued_at, expires_at, code_id
FROM refresh_tokens
WHERE token_digest = $1
`

// rotateRefreshTokenQuery is the single-winner transition for refresh
// rotation. Only an active, unexpired row matches.
const rotateRefreshTokenQuery = `
-- name: RotateRefreshToken :one
UPDATE refresh_tokens
SET status = 'rotated'
WHERE token_digest = $1 AND status = 'active' AND expires_at > now()
RETURNING id::text, token_digest, family_id::text, subject_id, client_id, scope, status,
    COALESCE(predecessor_id::text, ''), generation, issued_at, expires_at, code_id
`

const revokeFamilyQuery = `
-- name: RevokeRefreshTokenFamily :execrows
UPDATE refresh_tokens
SET status = 'revoked'
WHERE family_id = $1 AND status <> 'revoked'
`

const revokeAccessForSubjectClientQuery = `
-- name: RevokeAccessTokensForSubjectClient :execrows
UPDATE access_tokens
SET revoked = TRUE
WHERE subject_id = $1 AND client_id = $2 AND NOT revoked
`

const revokeRefreshForSubjectClientQuery = `
-- name: RevokeRefreshTokensForSubjectClient :execrows
UPDATE refresh_tokens
SET status = 'revoked'
WHERE subject_id = $1 AND client_id = $2 AND status <> 'revoked'
`

const revokeAccessForCodeQuery = `
-- name: RevokeAccessTokensForCode :execrows
UPDATE access_tokens
SET revoked = TRUE
WHERE code_id = $1 AND NOT revoked
`

const revokeRefreshForCodeQuery = `
-- name: RevokeRefreshTokensForCode :execrows
UPDATE refresh_tokens
SET status = 'revoked'
WHERE code_id = $1 AND status <> 'revoked'
`

const deleteExpiredAccessTokensQuery = `
-- name: DeleteExpiredAccessTokens :execrows
DELETE FROM access_tokens
WHERE expires_at < $1
`

const deleteExpiredRefreshTokensQuery = `
-- name: DeleteExpiredRefreshTokens :execrows
DELETE FROM refresh_tokens
WHERE expires_at < $1
`

// SaveAccessToken stores a newly minted access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	start := time.Now()
	_, err := s.db.Exec(ctx, saveAccessTokenQuery,
		security.TokenDigest(token.Token),
		token.SubjectID,
		token.ClientID,
		token.Scope,
		token.IssuedAt,
		token.ExpiresAt,
		token.Revoked,
		token.CodeID,
	)
	if err != nil {
		s.recordOp(ctx, "save_access_token", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "save_access_token", "success", start)
	return nil
}

// GetAccessToken retrieves an access token by value.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, getAccessTokenQuery, security.TokenDigest(token))
	if err != nil {
		s.recordOp(ctx, "get_access_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record, err := pgx.CollectOneRow(rows, scanAccessToken)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "get_access_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	case err != nil:
		s.recordOp(ctx, "get_access_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record.Token = token
	s.recordOp(ctx, "get_access_token", "success", start)
	return record, nil
}

// RevokeAccessToken marks an access token revoked. Unknown tokens are not an
// error.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	start := time.Now()
	_, err := s.db.Exec(ctx, revokeAccessTokenQuery, security.TokenDigest(token))
	if err != nil {
		s.recordOp(ctx, "revoke_access_token", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "revoke_access_token", "success", start)
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()
	_, err := s.db.Exec(ctx, saveRefreshTokenQuery, refreshTokenArgs(token)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			s.recordOp(ctx, "save_refresh_token", "duplicate", start)
			return fmt.Errorf("storage error: duplicate refresh token: %w", err)
		}
		s.recordOp(ctx, "save_refresh_token", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "save_refresh_token", "success", start)
	return nil
}

// GetRefreshToken retrieves a refresh token by value regardless of status.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, getRefreshTokenQuery, security.TokenDigest(token))
	if err != nil {
		s.recordOp(ctx, "get_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record, err := pgx.CollectOneRow(rows, scanRefreshToken)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "get_refresh_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	case err != nil:
		s.recordOp(ctx, "get_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record.Token = token
	s.recordOp(ctx, "get_refresh_token", "success", start)
	return record, nil
}

// RotateRefreshToken marks the presented token rotated and inserts its
// successor in one transaction. The conditional UPDATE makes rotation a
// single-winner operation; a losing racer sees the token already rotated.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, successor *storage.RefreshToken) (*storage.RefreshToken, error) {
	start := time.Now()
	digest := security.TokenDigest(token)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.recordOp(ctx, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, rotateRefreshTokenQuery, digest)
	if err != nil {
		s.recordOp(ctx, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	old, err := pgx.CollectOneRow(rows, scanRefreshToken)
	if err == nil {
		if _, err := tx.Exec(ctx, saveRefreshTokenQuery, refreshTokenArgs(successor)...); err != nil {
			s.recordOp(ctx, "rotate_refresh_token", "error", start)
			return nil, fmt.Errorf("storage error: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			s.recordOp(ctx, "rotate_refresh_token", "error", start)
			return nil, fmt.Errorf("storage error: %w", err)
		}
		old.Token = token
		s.recordOp(ctx, "rotate_refresh_token", "success", start)
		return old, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.recordOp(ctx, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	// The transition did not apply. Classify against the current row state.
	rows, err = s.db.Query(ctx, getRefreshTokenQuery, digest)
	if err != nil {
		s.recordOp(ctx, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record, err := pgx.CollectOneRow(rows, scanRefreshToken)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "rotate_refresh_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	case err != nil:
		s.recordOp(ctx, "rotate_refresh_token", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record.Token = token
	switch record.Status {
	case storage.RefreshStatusRotated:
		s.recordOp(ctx, "rotate_refresh_token", "already_rotated", start)
		return record, storage.ErrTokenRotated
	case storage.RefreshStatusRevoked:
		s.recordOp(ctx, "rotate_refresh_token", "revoked", start)
		return record, storage.ErrTokenRevoked
	default:
		s.recordOp(ctx, "rotate_refresh_token", "expired", start)
		return nil, storage.ErrTokenExpired
	}
}

// RevokeRefreshTokenFamily marks every token in the family revoked.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	start := time.Now()
	tag, err := s.db.Exec(ctx, revokeFamilyQuery, familyID)
	if err != nil {
		s.recordOp(ctx, "revoke_refresh_token_family", "error", start)
		return 0, fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "revoke_refresh_token_family", "success", start)
	return int(tag.RowsAffected()), nil
}

// RevokeTokensForSubjectClient revokes all access and refresh tokens for a
// subject+client pair.
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error) {
	start := time.Now()
	accessTag, err := s.db.Exec(ctx, revokeAccessForSubjectClientQuery, subjectID, clientID)
	if err != nil {
		s.recordOp(ctx, "revoke_tokens_for_subject_client", "error", start)
		return 0, fmt.Errorf("storage error: %w", err)
	}
	refreshTag, err := s.db.Exec(ctx, revokeRefreshForSubjectClientQuery, subjectID, clientID)
	if err != nil {
		s.recordOp(ctx, "revoke_tokens_for_subject_client", "error", start)
		return int(accessTag.RowsAffected()), fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "revoke_tokens_for_subject_client", "success", start)
	return int(accessTag.RowsAffected() + refreshTag.RowsAffected()), nil
}

// RevokeTokensForCode revokes tokens minted from a specific authorization
// code exchange.
func (s *Store) RevokeTokensForCode(ctx context.Context, codeID string) (int, error) {
	start := time.Now()
	accessTag, err := s.db.Exec(ctx, revokeAccessForCodeQuery, codeID)
	if err != nil {
		s.recordOp(ctx, "revoke_tokens_for_code", "error", start)
		return 0, fmt.Errorf("storage error: %w", err)
	}
	refreshTag, err := s.db.Exec(ctx, revokeRefreshForCodeQuery, codeID)
	if err != nil {
		s.recordOp(ctx, "revoke_tokens_for_code", "error", start)
		return int(accessTag.RowsAffected()), fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "revoke_tokens_for_code", "success", start)
	return int(accessTag.RowsAffected() + refreshTag.RowsAffected()), nil
}

// DeleteExpiredTokens prunes expired token rows.
func (s *Store) DeleteExpiredTokens(ctx context.Context, olderThan time.Time) (int, error) {
	start := time.Now()
	accessTag, err := s.db.Exec(ctx, deleteExpiredAccessTokensQuery, olderThan)
	if err != nil {
		s.recordOp(ctx, "delete_expired_tokens", "error", start)
		return 0, fmt.Errorf("storage error: %w", err)
	}
	refreshTag, err := s.db.Exec(ctx, deleteExpiredRefreshTokensQuery, olderThan)
	if err != nil {
		s.recordOp(ctx, "delete_expired_tokens", "error", start)
		return int(accessTag.RowsAffected()), fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "delete_expired_tokens", "success", start)
	return int(accessTag.RowsAffected() + refreshTag.RowsAffected()), nil
}

func refreshTokenArgs(token *storage.RefreshToken) []any {
	return []any{
		token.ID,
		security.TokenDigest(token.Token),
		token.FamilyID,
		token.SubjectID,
		token.ClientID,
		token.Scope,
		string(token.Status),
		token.PredecessorID,
		token.Generation,
		token.IssuedAt,
		token.ExpiresAt,
		token.CodeID,
	}
}

func scanAccessToken(row pgx.CollectableRow) (*storage.AccessToken, error) {
	var t storage.AccessToken
	err := row.Scan(
		&t.Token, // digest; callers overwrite with the presented value
		&t.SubjectID,
		&t.ClientID,
		&t.Scope,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.Revoked,
		&t.CodeID,
	)
	return &t, err
}

func scanRefreshToken(row pgx.CollectableRow) (*storage.RefreshToken, error) {
	var (
		t      storage.RefreshToken
		status string
	)
	err := row.Scan(
		&t.ID,
		&t.Token, // digest; callers overwrite with the presented value
		&t.FamilyID,
		&t.SubjectID,
		&t.ClientID,
		&t.Scope,
		&status,
		&t.PredecessorID,
		&t.Generation,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.CodeID,
	)
	if err != nil {
		return nil, err
	}
	t.Status = storage.RefreshTokenStatus(status)
	return &t, nil
}
