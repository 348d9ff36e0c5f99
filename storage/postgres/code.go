package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

const saveCodeQuery = `
-- name: SaveAuthorizationCode :exec
INSERT INTO authorization_codes
    (code_digest, client_id, subject_id, redirect_uri, scope,
     code_challenge, code_challenge_method, status, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// consumeCodeQuery is the single-winner transition. Only a pending,
// unexpired row matches, so exactly one concurrent exchange succeeds.
const consumeCodeQuery = `
-- name: ConsumeAuthorizationCode :one
UPDATE authorization_codes
SET status = 'consumed', consumed_at = now()
WHERE code_digest = $1 AND status = 'pending' AND expires_at > now()
RETURNING code_digest, client_id, subject_id, redirect_uri, scope,
    code_challenge, code_challenge_method, status, issued_at, expires_at, consumed_at
`

const getCodeQuery = `
-- name: GetAuthorizationCode :one
SELECT code_digest, client_id, subject_id, redirect_uri, scope,
    code_challenge, code_challenge_method, status, issued_at, expires_at, consumed_at
FROM authorization_codes
WHERE code_digest = $1
`

const expireCodeQuery = `
-- name: ExpireAuthorizationCode :exec
UPDATE authorization_codes
SET status = 'expired'
WHERE code_digest = $1 AND status = 'pending'
`

const deleteExpiredCodesQuery = `
-- name: DeleteExpiredCodes :execrows
DELETE FROM authorization_codes
WHERE expires_at < $1
`

// SaveAuthorizationCode stores a newly issued code in pending state.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()
	_, err := s.db.Exec(ctx, saveCodeQuery,
		security.TokenDigest(code.Code),
		code.ClientID,
		code.SubjectID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		string(storage.CodeStatusPending),
		code.IssuedAt,
		code.ExpiresAt,
	)
	if err != nil {
		s.recordOp(ctx, "save_code", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "save_code", "success", start)
	return nil
}

// ConsumeAuthorizationCode transitions the code from pending to consumed via
// a conditional UPDATE. When the transition does not apply, a follow-up read
// classifies the failure so the caller can distinguish replay from expiry.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	digest := security.TokenDigest(code)

	rows, err := s.db.Query(ctx, consumeCodeQuery, digest)
	if err != nil {
		s.recordOp(ctx, "consume_code", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record, err := pgx.CollectOneRow(rows, scanAuthorizationCode)
	if err == nil {
		record.Code = code
		s.recordOp(ctx, "consume_code", "success", start)
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.recordOp(ctx, "consume_code", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	// The transition did not apply: the code is unknown, already consumed,
	// or expired.
	rows, err = s.db.Query(ctx, getCodeQuery, digest)
	if err != nil {
		s.recordOp(ctx, "consume_code", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	record, err = pgx.CollectOneRow(rows, scanAuthorizationCode)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "consume_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	case err != nil:
		s.recordOp(ctx, "consume_code", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	if record.Status == storage.CodeStatusConsumed {
		record.Code = code
		s.recordOp(ctx, "consume_code", "already_consumed", start)
		return record, storage.ErrCodeConsumed
	}

	if _, err := s.db.Exec(ctx, expireCodeQuery, digest); err != nil {
		s.logger.Error("failed to mark authorization code expired", "error", err)
	}
	s.recordOp(ctx, "consume_code", "expired", start)
	return nil, storage.ErrCodeExpired
}

// DeleteExpiredCodes prunes codes past their expiry.
func (s *Store) DeleteExpiredCodes(ctx context.Context, olderThan time.Time) (int, error) {
	start := time.Now()
	tag, err := s.db.Exec(ctx, deleteExpiredCodesQuery, olderThan)
	if err != nil {
		s.recordOp(ctx, "delete_expired_codes", "error", start)
		return 0, fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "delete_expired_codes", "success", start)
	return int(tag.RowsAffected()), nil
}

func scanAuthorizationCode(row pgx.CollectableRow) (*storage.AuthorizationCode, error) {
	var (
		c          storage.AuthorizationCode
		status     string
		consumedAt *time.Time
	)
	err := row.Scan(
		&c.Code, // digest; callers overwrite with the presented value
		&c.ClientID,
		&c.SubjectID,
		&c.RedirectURI,
		&c.Scope,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&status,
		&c.IssuedAt,
		&c.ExpiresAt,
		&consumedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = storage.CodeStatus(status)
	if consumedAt != nil {
		c.ConsumedAt = *consumedAt
	}
	return &c, nil
}
