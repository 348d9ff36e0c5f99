// Package postgres implements storage.Store on PostgreSQL via pgx. It is the
// production backend: code consumption and refresh rotation are conditional
// UPDATEs, so correctness holds across concurrent server instances.
//
// Codes and tokens are keyed by SHA-256 digest of their value; raw bearer
// credentials are never written to the database.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vilanovax/bizbuzz-auth/instrumentation"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// DBTX is the subset of pgxpool.Pool and pgx.Tx the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the PostgreSQL implementation of storage.Store.
type Store struct {
	db     DBTX
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// New creates a store over an open connection pool.
func New(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

func (s *Store) recordOp(ctx context.Context, op, result string, start time.Time) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}

var _ storage.Store = (*Store)(nil)
