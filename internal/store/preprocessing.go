// ABOUTME: Store methods for preprocessing_jobs rows.
// ABOUTME: The API layer creates and advances these; the release engine only reads status.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Preprocessing job statuses.
const (
	PreprocessingPending   = "pending"
	PreprocessingRunning   = "running"
	PreprocessingCompleted = "completed"
	PreprocessingFailed    = "failed"
)

// CreatePreprocessingJob inserts a new preprocessing record in 'pending' status
// and returns its id. Called by the API layer when a conversion is requested.
func (s *Store) CreatePreprocessingJob(ctx context.Context, sourceObjectKey string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO preprocessing_jobs (source_object_key) VALUES ($1) RETURNING id`,
		sourceObjectKey,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create preprocessing job: %w", err)
	}
	return id, nil
}

// SetPreprocessingStatus advances a preprocessing record. preparedKey and
// errMsg may be empty; they are recorded only when non-empty.
func (s *Store) SetPreprocessingStatus(ctx context.Context, id uuid.UUID, status, preparedKey, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE preprocessing_jobs
		 SET status = $2,
		     prepared_object_key = COALESCE(NULLIF($3, ''), prepared_object_key),
		     error = NULLIF($4, ''),
		     updated_at = now()
		 WHERE id = $1`,
		id, status, preparedKey, errMsg,
	)
	if err != nil {
		return fmt.Errorf("set preprocessing status: %w", err)
	}
	return nil
}

// PreprocessingStatus returns the current status of a preprocessing record,
// or "" if no such record exists.
func (s *Store) PreprocessingStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM preprocessing_jobs WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("preprocessing status: %w", err)
	}
	return status, nil
}
