// Command auribus-jobs runs the asynchronous job engine for the Auribus
// voice-conversion backend.
//
// Subcommands:
//
//	worker   — claim-and-process engine (conversion release + webhook delivery)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/api"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/config"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/jobs"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/queue"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/release"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/secrets"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/webhook"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "auribus-jobs",
		Short: "Auribus — voice conversion background job engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the claim-and-process job engine",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	box, err := secrets.NewBox(cfg.WebhookSecretKey)
	if err != nil {
		return fmt.Errorf("webhook secret key: %w", err)
	}

	enq, cleanup, err := newEnqueuer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("inference queue: %w", err)
	}
	defer cleanup()

	client, err := webhook.BuildSafeClient(cfg.WebhookTimeout)
	if err != nil {
		return fmt.Errorf("webhook client: %w", err)
	}
	sender := webhook.NewSender(client, cfg.WebhookRatePerSecond, cfg.WebhookRateBurst)

	policy := jobs.Policy{BaseSeconds: cfg.BackoffBaseSeconds, MaxAttempts: cfg.MaxAttempts}

	engine := jobs.New(jobs.Config{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.ClaimBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
	},
		release.NewWorker(st, enq, release.WorkerConfig{
			Policy:     policy,
			StuckAfter: cfg.StuckTimeout,
			QueueName:  cfg.InferenceQueue,
		}),
		webhook.NewWorker(st, sender, box, webhook.WorkerConfig{
			Policy:                 policy,
			StuckAfter:             cfg.StuckTimeout,
			MaxConsecutiveFailures: cfg.WebhookMaxConsecutiveFailures,
		}),
	)

	// Ops endpoints (healthz, readyz, metrics) on a separate listener.
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.NewRouter(db),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops server started", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	engineDone := make(chan struct{})
	go func() {
		engine.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
		close(engineDone)
	}()
	slog.Info("worker started")

	select {
	case err := <-serverErr:
		stop()
		<-engineDone
		return fmt.Errorf("ops server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	<-engineDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

// newEnqueuer builds the configured inference queue publisher and a cleanup
// function for its resources.
func newEnqueuer(ctx context.Context, cfg *config.Config) (release.Enqueuer, func(), error) {
	switch cfg.QueueBackend {
	case "redis":
		p := queue.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := p.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return p, func() { _ = p.Close() }, nil
	case "sqs":
		p, err := queue.NewSQSPublisher(ctx)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries with linear backoff to
// handle the compose startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		// time.NewTimer (not time.After) so the timer does not leak if ctx is
		// cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}
	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
