// Package store provides the data access layer over pgx. Every row mutated by
// the job engine carries a bigint version column; engine writes are
// conditioned on the version read and bump it on success. A conditional write
// that matches zero rows surfaces as ErrVersionConflict — the expected outcome
// of two instances racing for the same row, not a failure.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVersionConflict is returned when a version-conditioned write matched no
// row: another instance advanced the row first. Callers skip and move on.
var ErrVersionConflict = errors.New("optimistic version conflict")

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (health checks, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// withTx runs fn inside a pgx transaction, committing when fn returns nil and
// rolling back otherwise. Used where a job-row write and a cross-entity
// mutation (subscription failure counters) must land atomically.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
