// ABOUTME: Conversion release job realization: once preprocessing completes,
// ABOUTME: publishes the inference message and marks the conversion released.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/jobs"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/telemetry"
)

const sourceName = "conversion_release"

// Store is the persistence surface the release worker needs.
type Store interface {
	EligibleConversionJobs(ctx context.Context, limit, maxAttempts int, stuckAfter time.Duration) ([]uuid.UUID, error)
	GetConversionJob(ctx context.Context, id uuid.UUID) (*store.ConversionJob, error)
	MarkConversionReleasing(ctx context.Context, job *store.ConversionJob) error
	CompleteConversionRelease(ctx context.Context, job *store.ConversionJob, releasedAt time.Time) error
	RetryConversion(ctx context.Context, job *store.ConversionJob, nextAttemptAt time.Time, errMsg string) error
	FailConversion(ctx context.Context, job *store.ConversionJob, errMsg string) error
	PreprocessingStatus(ctx context.Context, id uuid.UUID) (string, error)
}

// Enqueuer publishes a message to a named queue. Implemented by the Redis and
// SQS publishers in internal/queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// Message is the inference request published when a conversion is released.
type Message struct {
	JobID           uuid.UUID `json:"job_id"`
	ModelID         uuid.UUID `json:"model_id"`
	Transpose       int       `json:"transpose"`
	SourceObjectKey string    `json:"source_object_key"`
	OutputObjectKey string    `json:"output_object_key"`
}

// WorkerConfig holds release worker tuning parameters.
type WorkerConfig struct {
	Policy     jobs.Policy
	StuckAfter time.Duration
	// QueueName is the inference queue the release message is published to,
	// resolved when the worker is constructed.
	QueueName string
}

// Worker implements jobs.Source for conversion release jobs.
type Worker struct {
	st  Store
	q   Enqueuer
	cfg WorkerConfig
	log *slog.Logger
	now func() time.Time
}

// NewWorker creates a release Worker.
func NewWorker(st Store, q Enqueuer, cfg WorkerConfig) *Worker {
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	return &Worker{
		st:  st,
		q:   q,
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
	}
}

// Name implements jobs.Source.
func (w *Worker) Name() string { return sourceName }

// Eligible implements jobs.Source.
func (w *Worker) Eligible(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return w.st.EligibleConversionJobs(ctx, limit, w.cfg.Policy.MaxAttempts, w.cfg.StuckAfter)
}

// Process claims one conversion job and evaluates the release transition:
// preprocessing completed means enqueue-and-release, preprocessing failed is
// terminal immediately, anything else consumes an attempt and backs off.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	job, err := w.st.GetConversionJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	stuck, eligible := w.revalidate(job)
	if !eligible {
		return nil
	}

	if err := w.st.MarkConversionReleasing(ctx, job); err != nil {
		return err
	}
	telemetry.JobsClaimed.WithLabelValues(sourceName).Inc()
	if stuck {
		telemetry.JobsStuckReclaimed.WithLabelValues(sourceName).Inc()
		w.log.Warn("reclaimed stuck conversion job, inference message may already be queued",
			"job_id", job.ID, "attempt", job.AttemptCount)
	}

	finCtx := context.WithoutCancel(ctx)

	ppStatus, err := w.st.PreprocessingStatus(ctx, job.PreprocessingID)
	if err != nil {
		return w.retryOrFail(finCtx, job, fmt.Sprintf("preprocessing lookup failed: %v", err))
	}

	switch ppStatus {
	case store.PreprocessingCompleted:
		return w.release(ctx, finCtx, job)
	case store.PreprocessingFailed:
		// Terminal regardless of remaining attempt budget.
		if err := w.st.FailConversion(finCtx, job, "preprocessing failed"); err != nil {
			return w.finalizeErr("fail", job, err)
		}
		telemetry.JobsAbandoned.WithLabelValues(sourceName).Inc()
		w.log.Error("conversion failed, preprocessing reported failure", "job_id", job.ID)
		return nil
	default:
		// Preprocessing still pending or running: a "not yet" outcome that
		// still consumes a retry slot.
		return w.retryOrFail(finCtx, job, "preprocessing not finished")
	}
}

// release publishes the inference message and finalizes the job as released.
func (w *Worker) release(ctx, finCtx context.Context, job *store.ConversionJob) error {
	body, err := json.Marshal(Message{
		JobID:           job.ID,
		ModelID:         job.ModelID,
		Transpose:       job.Transpose,
		SourceObjectKey: job.SourceObjectKey,
		OutputObjectKey: job.OutputObjectKey,
	})
	if err != nil {
		return fmt.Errorf("marshal inference message: %w", err)
	}
	if err := w.q.Enqueue(ctx, w.cfg.QueueName, body); err != nil {
		return w.retryOrFail(finCtx, job, fmt.Sprintf("enqueue inference message: %v", err))
	}
	if err := w.st.CompleteConversionRelease(finCtx, job, w.now()); err != nil {
		return w.finalizeErr("release", job, err)
	}
	telemetry.JobsSucceeded.WithLabelValues(sourceName).Inc()
	w.log.Info("conversion released",
		"job_id", job.ID, "queue", w.cfg.QueueName, "attempt", job.AttemptCount)
	return nil
}

// revalidate re-checks eligibility against the freshly loaded row.
func (w *Worker) revalidate(job *store.ConversionJob) (stuck, eligible bool) {
	switch job.Status {
	case store.ConversionWaiting:
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(w.now()) {
			return false, false
		}
		return false, true
	case store.ConversionReleasing:
		if job.LastAttemptAt == nil || w.now().Sub(*job.LastAttemptAt) < w.cfg.StuckAfter {
			return false, false
		}
		return true, true
	default:
		return false, false
	}
}

// retryOrFail records a retryable outcome: back to waiting with a backoff
// delay, or terminal failed once the attempt budget is spent.
func (w *Worker) retryOrFail(ctx context.Context, job *store.ConversionJob, msg string) error {
	nextAt, ok := w.cfg.Policy.NextAttemptAt(w.now(), job.AttemptCount)
	if !ok {
		if err := w.st.FailConversion(ctx, job, "max retries exceeded: "+msg); err != nil {
			return w.finalizeErr("fail", job, err)
		}
		telemetry.JobsAbandoned.WithLabelValues(sourceName).Inc()
		w.log.Error("conversion failed, retry budget exhausted",
			"job_id", job.ID, "attempt", job.AttemptCount, "error", msg)
		return nil
	}
	if err := w.st.RetryConversion(ctx, job, nextAt, msg); err != nil {
		return w.finalizeErr("retry", job, err)
	}
	telemetry.JobsRetried.WithLabelValues(sourceName).Inc()
	w.log.Warn("conversion release deferred",
		"job_id", job.ID, "attempt", job.AttemptCount, "next_attempt_at", nextAt, "reason", msg)
	return nil
}

// finalizeErr handles a failed outcome write; see the webhook worker for the
// version-conflict rationale.
func (w *Worker) finalizeErr(op string, job *store.ConversionJob, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		w.log.Warn("conversion outcome write lost version race",
			"op", op, "job_id", job.ID, "attempt", job.AttemptCount)
		return nil
	}
	return fmt.Errorf("%s conversion %s: %w", op, job.ID, err)
}
