// ABOUTME: Claim-and-process engine: per-source poll loop, bounded batch
// ABOUTME: execution, contention-tolerant error handling. Sources plug in the
// ABOUTME: job-specific eligibility scan and the per-job claim/execute logic.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/telemetry"
)

// Source is one claimable job table. Eligible performs the scan query;
// Process claims and executes a single candidate end to end. A Process return
// of store.ErrVersionConflict means another instance won the claim — the
// engine logs it at debug and moves on.
type Source interface {
	Name() string
	Eligible(ctx context.Context, limit int) ([]uuid.UUID, error)
	Process(ctx context.Context, id uuid.UUID) error
}

// Config holds engine tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	BatchTimeout  time.Duration
	MaxConcurrent int
}

// Engine polls each Source on a fixed interval and executes eligible jobs.
// Multiple engine instances may run against the same store concurrently;
// coordination happens entirely through the store's conditional writes.
type Engine struct {
	cfg     Config
	sources []Source
	log     *slog.Logger
	sem     chan struct{}
}

// New creates an Engine over the given sources.
func New(cfg Config, sources ...Source) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 15
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Engine{
		cfg:     cfg,
		sources: sources,
		log:     slog.Default(),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start runs one polling goroutine per source and blocks until ctx is
// cancelled and all in-flight work has drained.
func (e *Engine) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range e.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			e.runSource(ctx, src)
		}(src)
	}
	wg.Wait()
	e.log.Info("job engine stopped")
}

// runSource polls src until ctx is cancelled. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (e *Engine) runSource(ctx context.Context, src Source) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Info("job source started", "source", src.Name(), "poll_interval", e.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("job source stopping", "source", src.Name())
			return
		case <-ticker.C:
			e.Tick(ctx, src)
		}
	}
}

// RunOnce executes one tick for every source. Used in tests and by callers
// that want a deterministic drain.
func (e *Engine) RunOnce(ctx context.Context) {
	for _, src := range e.sources {
		e.Tick(ctx, src)
	}
}

// Tick scans src and executes candidates until a short batch signals the
// queue is drained. A full batch triggers an immediate re-scan once the
// batch finishes, so a deep backlog is worked off within a single tick.
func (e *Engine) Tick(ctx context.Context, src Source) {
	for {
		ids, err := src.Eligible(ctx, e.cfg.BatchSize)
		if err != nil {
			e.log.Error("eligibility scan failed", "source", src.Name(), "error", err)
			return
		}
		if len(ids) == 0 {
			return
		}

		// One bounded context per batch. Cancellation mid-side-effect leaves
		// the job in-flight; stuck recovery reclaims it later.
		batchCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
		var wg sync.WaitGroup
		for _, id := range ids {
			e.sem <- struct{}{}
			wg.Add(1)
			go func(id uuid.UUID) {
				defer func() { <-e.sem }()
				defer wg.Done()
				e.processOne(batchCtx, src, id)
			}(id)
		}
		wg.Wait()
		cancel()

		if len(ids) < e.cfg.BatchSize {
			return
		}
	}
}

// processOne runs a single candidate. Contention is the expected outcome of
// healthy multi-instance operation and is not an error; anything else is
// logged and recorded on the row by the source itself.
func (e *Engine) processOne(ctx context.Context, src Source, id uuid.UUID) {
	start := time.Now()
	err := src.Process(ctx, id)
	telemetry.AttemptDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, store.ErrVersionConflict):
		telemetry.JobsContention.WithLabelValues(src.Name()).Inc()
		e.log.Debug("lost claim race", "source", src.Name(), "job_id", id)
	default:
		e.log.Error("job processing failed", "source", src.Name(), "job_id", id, "error", err)
	}
}
