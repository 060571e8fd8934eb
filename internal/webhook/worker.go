// ABOUTME: Webhook delivery job realization: claims pending delivery rows,
// ABOUTME: signs and POSTs the stored payload, and maps the HTTP outcome to
// ABOUTME: delivered / retry-with-backoff / abandoned.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/jobs"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/secrets"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/telemetry"
)

// sourceName labels this realization in logs and metrics.
const sourceName = "webhook_delivery"

// Store is the persistence surface the delivery worker needs.
type Store interface {
	EligibleWebhookDeliveries(ctx context.Context, limit, maxAttempts int, stuckAfter time.Duration) ([]uuid.UUID, error)
	GetWebhookDelivery(ctx context.Context, id uuid.UUID) (*store.WebhookDelivery, error)
	MarkDeliveryInFlight(ctx context.Context, d *store.WebhookDelivery) error
	CompleteDelivery(ctx context.Context, d *store.WebhookDelivery, deliveredAt time.Time) error
	RetryDelivery(ctx context.Context, d *store.WebhookDelivery, nextAttemptAt time.Time, errMsg string, maxConsecutiveFailures int) (bool, error)
	AbandonDelivery(ctx context.Context, d *store.WebhookDelivery, errMsg string, maxConsecutiveFailures int) (bool, error)
	GetSubscriptionForDelivery(ctx context.Context, id uuid.UUID) (*store.WebhookSubscription, error)
}

// WorkerConfig holds delivery worker tuning parameters.
type WorkerConfig struct {
	Policy                 jobs.Policy
	StuckAfter             time.Duration
	MaxConsecutiveFailures int
}

// Worker implements jobs.Source for webhook deliveries.
type Worker struct {
	st     Store
	sender *Sender
	box    *secrets.Box
	cfg    WorkerConfig
	log    *slog.Logger
	now    func() time.Time
}

// NewWorker creates a delivery Worker.
func NewWorker(st Store, sender *Sender, box *secrets.Box, cfg WorkerConfig) *Worker {
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	return &Worker{
		st:     st,
		sender: sender,
		box:    box,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
}

// Name implements jobs.Source.
func (w *Worker) Name() string { return sourceName }

// Eligible implements jobs.Source.
func (w *Worker) Eligible(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return w.st.EligibleWebhookDeliveries(ctx, limit, w.cfg.Policy.MaxAttempts, w.cfg.StuckAfter)
}

// Process claims one delivery and runs a full attempt. The candidate id came
// from an unlocked scan, so the row is reloaded fresh and every transition is
// conditioned on the version just read.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	d, err := w.st.GetWebhookDelivery(ctx, id)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	stuck, eligible := w.revalidate(d)
	if !eligible {
		// Another instance already advanced the row. Expected, not an error.
		return nil
	}

	if err := w.st.MarkDeliveryInFlight(ctx, d); err != nil {
		return err
	}
	telemetry.JobsClaimed.WithLabelValues(sourceName).Inc()
	if stuck {
		// The previous owner never reported an outcome; the endpoint may have
		// already received this delivery once.
		telemetry.JobsStuckReclaimed.WithLabelValues(sourceName).Inc()
		w.log.Warn("reclaimed stuck webhook delivery, duplicate POST possible",
			"delivery_id", d.ID, "attempt", d.AttemptCount)
	}

	// From here on the instance owns the attempt. Outcome writes must land
	// even if the batch context is cancelled mid-flight.
	finCtx := context.WithoutCancel(ctx)

	if d.AttemptCount > w.cfg.Policy.MaxAttempts {
		// Reclaimed a stuck row whose budget was already spent.
		return w.abandon(finCtx, d, "max delivery attempts exceeded")
	}

	sendErr := w.attempt(ctx, d)
	if sendErr == nil {
		if err := w.st.CompleteDelivery(finCtx, d, w.now()); err != nil {
			return w.finalizeErr("complete", d, err)
		}
		telemetry.JobsSucceeded.WithLabelValues(sourceName).Inc()
		w.log.Info("webhook delivered",
			"delivery_id", d.ID, "event", d.EventType, "attempt", d.AttemptCount)
		return nil
	}

	w.log.Warn("webhook delivery failed",
		"delivery_id", d.ID, "event", d.EventType, "attempt", d.AttemptCount, "error", sendErr)

	nextAt, ok := w.cfg.Policy.NextAttemptAt(w.now(), d.AttemptCount)
	if !ok {
		return w.abandon(finCtx, d, sendErr.Error())
	}
	disabled, err := w.st.RetryDelivery(finCtx, d, nextAt, sendErr.Error(), w.cfg.MaxConsecutiveFailures)
	if err != nil {
		return w.finalizeErr("retry", d, err)
	}
	telemetry.JobsRetried.WithLabelValues(sourceName).Inc()
	if disabled {
		w.log.Warn("subscription deactivated after repeated failures",
			"subscription_id", d.SubscriptionID)
	}
	return nil
}

// revalidate re-checks eligibility against the freshly loaded row.
func (w *Worker) revalidate(d *store.WebhookDelivery) (stuck, eligible bool) {
	switch d.Status {
	case store.DeliveryPending:
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(w.now()) {
			return false, false
		}
		return false, true
	case store.DeliveryInFlight:
		if d.LastAttemptAt == nil || w.now().Sub(*d.LastAttemptAt) < w.cfg.StuckAfter {
			return false, false
		}
		return true, true
	default:
		// Terminal. No resurrection.
		return false, false
	}
}

// attempt decrypts the subscription secret and performs the signed POST.
// The plaintext secret never outlives this call.
func (w *Worker) attempt(ctx context.Context, d *store.WebhookDelivery) error {
	sub, err := w.st.GetSubscriptionForDelivery(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("subscription %s not found", d.SubscriptionID)
	}
	if !sub.Active {
		return fmt.Errorf("subscription %s is deactivated", d.SubscriptionID)
	}
	secret, err := w.box.Decrypt(sub.SecretCiphertext)
	if err != nil {
		return fmt.Errorf("decrypt signing secret: %w", err)
	}
	return w.sender.Send(ctx, sub.URL, secret, d.ID, d.EventType, d.Payload)
}

func (w *Worker) abandon(ctx context.Context, d *store.WebhookDelivery, msg string) error {
	disabled, err := w.st.AbandonDelivery(ctx, d, msg, w.cfg.MaxConsecutiveFailures)
	if err != nil {
		return w.finalizeErr("abandon", d, err)
	}
	telemetry.JobsAbandoned.WithLabelValues(sourceName).Inc()
	w.log.Error("webhook delivery abandoned",
		"delivery_id", d.ID, "event", d.EventType, "attempt", d.AttemptCount, "error", msg)
	if disabled {
		w.log.Warn("subscription deactivated after repeated failures",
			"subscription_id", d.SubscriptionID)
	}
	return nil
}

// finalizeErr handles a failed outcome write. A version conflict here means
// a recovery claimer raced our finalize after a long side effect; the row is
// theirs now, so log and stand down rather than fight over it.
func (w *Worker) finalizeErr(op string, d *store.WebhookDelivery, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		w.log.Warn("delivery outcome write lost version race",
			"op", op, "delivery_id", d.ID, "attempt", d.AttemptCount)
		return nil
	}
	return fmt.Errorf("%s delivery %s: %w", op, d.ID, err)
}
