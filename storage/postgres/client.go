package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vilanovax/bizbuzz-auth/storage"
)

const saveClientQuery = `
-- name: SaveClient :exec
INSERT INTO clients (client_id, client_secret_hash, redirect_uris, allowed_scopes, name, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (client_id) DO UPDATE
SET client_secret_hash = EXCLUDED.client_secret_hash,
    redirect_uris = EXCLUDED.redirect_uris,
    allowed_scopes = EXCLUDED.allowed_scopes,
    name = EXCLUDED.name
`

const getClientQuery = `
-- name: GetClient :one
SELECT client_id, client_secret_hash, redirect_uris, allowed_scopes, name, created_at
FROM clients
WHERE client_id = $1
`

// SaveClient stores a registered client, replacing any previous registration
// under the same ID.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	start := time.Now()
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, saveClientQuery,
		client.ClientID,
		client.ClientSecretHash,
		client.RedirectURIs,
		client.AllowedScopes,
		client.Name,
		createdAt,
	)
	if err != nil {
		s.recordOp(ctx, "save_client", "error", start)
		return fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "save_client", "success", start)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, getClientQuery, clientID)
	if err != nil {
		s.recordOp(ctx, "get_client", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	client, err := pgx.CollectOneRow(rows, scanClient)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.recordOp(ctx, "get_client", "not_found", start)
		return nil, storage.ErrClientNotFound
	case err != nil:
		s.recordOp(ctx, "get_client", "error", start)
		return nil, fmt.Errorf("storage error: %w", err)
	}

	s.recordOp(ctx, "get_client", "success", start)
	return client, nil
}

func scanClient(row pgx.CollectableRow) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.RedirectURIs,
		&c.AllowedScopes,
		&c.Name,
		&c.CreatedAt,
	)
	return &c, err
}
