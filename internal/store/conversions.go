// ABOUTME: Store methods for conversion_jobs: creation, status reads, and the
// ABOUTME: version-conditioned claim/finalize writes used by the release engine.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Conversion job statuses. waiting and a stuck releasing row are eligible for
// a claim; released and failed are terminal.
const (
	ConversionWaiting   = "waiting"
	ConversionReleasing = "releasing"
	ConversionReleased  = "released"
	ConversionFailed    = "failed"
)

// ConversionJob is a conversion release job row.
type ConversionJob struct {
	ID              uuid.UUID
	PreprocessingID uuid.UUID
	ModelID         uuid.UUID
	Transpose       int
	SourceObjectKey string
	OutputObjectKey string
	Status          string
	AttemptCount    int
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	ReleasedAt      *time.Time
	LastError       *string
	Version         int64
	CreatedAt       time.Time
}

const conversionColumns = `id, preprocessing_id, model_id, transpose,
	source_object_key, output_object_key, status, attempt_count,
	last_attempt_at, next_attempt_at, released_at, last_error, version, created_at`

func scanConversionJob(row pgx.Row) (*ConversionJob, error) {
	var j ConversionJob
	err := row.Scan(
		&j.ID, &j.PreprocessingID, &j.ModelID, &j.Transpose,
		&j.SourceObjectKey, &j.OutputObjectKey, &j.Status, &j.AttemptCount,
		&j.LastAttemptAt, &j.NextAttemptAt, &j.ReleasedAt, &j.LastError,
		&j.Version, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateConversionJobParams collects the inputs for a new conversion job.
type CreateConversionJobParams struct {
	PreprocessingID uuid.UUID
	ModelID         uuid.UUID
	Transpose       int
	SourceObjectKey string
	OutputObjectKey string
}

// CreateConversionJob inserts a new conversion job in 'waiting' status with
// attempt_count 0 and no eligibility delay. Called by the API layer.
func (s *Store) CreateConversionJob(ctx context.Context, p CreateConversionJobParams) (*ConversionJob, error) {
	job, err := scanConversionJob(s.pool.QueryRow(ctx,
		`INSERT INTO conversion_jobs
		     (preprocessing_id, model_id, transpose, source_object_key, output_object_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+conversionColumns,
		p.PreprocessingID, p.ModelID, p.Transpose, p.SourceObjectKey, p.OutputObjectKey,
	))
	if err != nil {
		return nil, fmt.Errorf("create conversion job: %w", err)
	}
	return job, nil
}

// GetConversionJob returns the job with the given id, or nil if not found.
func (s *Store) GetConversionJob(ctx context.Context, id uuid.UUID) (*ConversionJob, error) {
	job, err := scanConversionJob(s.pool.QueryRow(ctx,
		`SELECT `+conversionColumns+` FROM conversion_jobs WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion job: %w", err)
	}
	return job, nil
}

// EligibleConversionJobs returns up to limit job IDs ready for an attempt:
// waiting rows whose backoff delay has elapsed and whose attempt budget
// remains, plus releasing rows stuck past stuckAfter (crashed owner). IDs
// only, oldest first, no row locks — claiming happens per-row afterwards.
func (s *Store) EligibleConversionJobs(ctx context.Context, limit, maxAttempts int, stuckAfter time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM conversion_jobs
		 WHERE (status = 'waiting'
		        AND attempt_count < $2
		        AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
		    OR (status = 'releasing'
		        AND last_attempt_at <= now() - make_interval(secs => $3))
		 ORDER BY created_at
		 LIMIT $1`,
		limit, maxAttempts, stuckAfter.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("eligible conversion jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversion job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkConversionReleasing performs the claim write: transitions the row to
// 'releasing', increments attempt_count, stamps last_attempt_at, and clears
// next_attempt_at — conditioned on job.Version. On success job is updated in
// place with the new attempt count and version. Returns ErrVersionConflict
// when another instance won the race.
func (s *Store) MarkConversionReleasing(ctx context.Context, job *ConversionJob) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE conversion_jobs
		 SET status = 'releasing',
		     attempt_count = attempt_count + 1,
		     last_attempt_at = now(),
		     next_attempt_at = NULL,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING attempt_count, last_attempt_at, version`,
		job.ID, job.Version,
	).Scan(&job.AttemptCount, &job.LastAttemptAt, &job.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("mark conversion releasing: %w", err)
	}
	job.Status = ConversionReleasing
	job.NextAttemptAt = nil
	return nil
}

// CompleteConversionRelease finalizes a released job: terminal 'released' with
// the release timestamp recorded. Version-conditioned like every engine write.
func (s *Store) CompleteConversionRelease(ctx context.Context, job *ConversionJob, releasedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversion_jobs
		 SET status = 'released',
		     released_at = $3,
		     next_attempt_at = NULL,
		     last_error = NULL,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2`,
		job.ID, job.Version, releasedAt,
	)
	if err != nil {
		return fmt.Errorf("complete conversion release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// RetryConversion returns a claimed job to 'waiting' with a backoff delay and
// the failure message recorded. The attempt just made stays counted.
func (s *Store) RetryConversion(ctx context.Context, job *ConversionJob, nextAttemptAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversion_jobs
		 SET status = 'waiting',
		     next_attempt_at = $3,
		     last_error = $4,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2`,
		job.ID, job.Version, nextAttemptAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("retry conversion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FailConversion moves a job to terminal 'failed'. next_attempt_at is cleared:
// terminal rows never re-enter the eligibility scan.
func (s *Store) FailConversion(ctx context.Context, job *ConversionJob, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversion_jobs
		 SET status = 'failed',
		     next_attempt_at = NULL,
		     last_error = $3,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2`,
		job.ID, job.Version, errMsg,
	)
	if err != nil {
		return fmt.Errorf("fail conversion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
