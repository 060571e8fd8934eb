// ABOUTME: Store methods for webhook_deliveries: claim/finalize writes plus the
// ABOUTME: subscription failure-counter mutations that ride in the same transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Webhook delivery statuses. pending rows (and stuck in_flight rows) are
// eligible; delivered and abandoned are terminal.
const (
	DeliveryPending   = "pending"
	DeliveryInFlight  = "in_flight"
	DeliveryDelivered = "delivered"
	DeliveryAbandoned = "abandoned"
)

// WebhookDelivery is a webhook delivery job row. Payload holds the event body
// exactly as stored; the worker signs and posts the same byte slice it loads,
// so the signed bytes and the transmitted bytes can never drift.
type WebhookDelivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	EventType      string
	Payload        []byte
	Status         string
	AttemptCount   int
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	DeliveredAt    *time.Time
	LastError      *string
	Version        int64
	CreatedAt      time.Time
}

const deliveryColumns = `id, subscription_id, event_type, payload, status,
	attempt_count, last_attempt_at, next_attempt_at, delivered_at, last_error,
	version, created_at`

func scanWebhookDelivery(row pgx.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status,
		&d.AttemptCount, &d.LastAttemptAt, &d.NextAttemptAt, &d.DeliveredAt,
		&d.LastError, &d.Version, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateWebhookDelivery inserts a pending delivery row for a subscription.
// attempt_count starts at 0 and next_attempt_at is NULL — the first attempt
// carries no artificial delay.
func (s *Store) CreateWebhookDelivery(ctx context.Context, subscriptionID uuid.UUID, eventType string, payload []byte) (*WebhookDelivery, error) {
	d, err := scanWebhookDelivery(s.pool.QueryRow(ctx,
		`INSERT INTO webhook_deliveries (subscription_id, event_type, payload)
		 VALUES ($1, $2, $3)
		 RETURNING `+deliveryColumns,
		subscriptionID, eventType, payload,
	))
	if err != nil {
		return nil, fmt.Errorf("create webhook delivery: %w", err)
	}
	return d, nil
}

// GetWebhookDelivery returns the delivery with the given id, or nil if not found.
func (s *Store) GetWebhookDelivery(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error) {
	d, err := scanWebhookDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook delivery: %w", err)
	}
	return d, nil
}

// ListWebhookDeliveries returns delivery rows for a subscription, newest
// first, optionally filtered by status. Read interface for the API layer.
func (s *Store) ListWebhookDeliveries(ctx context.Context, subscriptionID uuid.UUID, status string, limit int) ([]WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE subscription_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		subscriptionID, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// EligibleWebhookDeliveries returns up to limit delivery IDs ready for an
// attempt: pending rows past their backoff with attempt budget left, plus
// in_flight rows stuck past stuckAfter. Stuck rows are returned regardless of
// attempt budget so the claimer can move exhausted ones to abandoned.
func (s *Store) EligibleWebhookDeliveries(ctx context.Context, limit, maxAttempts int, stuckAfter time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM webhook_deliveries
		 WHERE (status = 'pending'
		        AND attempt_count < $2
		        AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
		    OR (status = 'in_flight'
		        AND last_attempt_at <= now() - make_interval(secs => $3))
		 ORDER BY created_at
		 LIMIT $1`,
		limit, maxAttempts, stuckAfter.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("eligible webhook deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan webhook delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDeliveryInFlight performs the claim write: in_flight, attempt_count+1,
// last_attempt_at stamped, next_attempt_at cleared — conditioned on
// d.Version. On success d is updated in place. Returns ErrVersionConflict
// when another instance won the claim.
func (s *Store) MarkDeliveryInFlight(ctx context.Context, d *WebhookDelivery) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'in_flight',
		     attempt_count = attempt_count + 1,
		     last_attempt_at = now(),
		     next_attempt_at = NULL,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING attempt_count, last_attempt_at, version`,
		d.ID, d.Version,
	).Scan(&d.AttemptCount, &d.LastAttemptAt, &d.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("mark delivery in flight: %w", err)
	}
	d.Status = DeliveryInFlight
	d.NextAttemptAt = nil
	return nil
}

// CompleteDelivery finalizes a delivered row and resets the owning
// subscription's consecutive-failure counter in the same transaction, so a
// race on the delivery row also serializes the counter update.
func (s *Store) CompleteDelivery(ctx context.Context, d *WebhookDelivery, deliveredAt time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE webhook_deliveries
			 SET status = 'delivered',
			     delivered_at = $3,
			     next_attempt_at = NULL,
			     last_error = NULL,
			     version = version + 1,
			     updated_at = now()
			 WHERE id = $1 AND version = $2`,
			d.ID, d.Version, deliveredAt,
		)
		if err != nil {
			return fmt.Errorf("complete delivery: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		if _, err := tx.Exec(ctx,
			`UPDATE webhook_subscriptions
			 SET consecutive_failures = 0, updated_at = now()
			 WHERE id = $1`,
			d.SubscriptionID,
		); err != nil {
			return fmt.Errorf("reset subscription failures: %w", err)
		}
		return nil
	})
}

// RetryDelivery returns a claimed delivery to 'pending' with a backoff delay,
// increments the subscription's consecutive-failure counter in the same
// transaction, and deactivates the subscription when the counter reaches
// maxConsecutiveFailures. Reports whether the subscription was deactivated.
func (s *Store) RetryDelivery(ctx context.Context, d *WebhookDelivery, nextAttemptAt time.Time, errMsg string, maxConsecutiveFailures int) (bool, error) {
	var disabled bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE webhook_deliveries
			 SET status = 'pending',
			     next_attempt_at = $3,
			     last_error = $4,
			     version = version + 1,
			     updated_at = now()
			 WHERE id = $1 AND version = $2`,
			d.ID, d.Version, nextAttemptAt, errMsg,
		)
		if err != nil {
			return fmt.Errorf("retry delivery: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		disabled, err = bumpSubscriptionFailures(ctx, tx, d.SubscriptionID, maxConsecutiveFailures)
		return err
	})
	return disabled, err
}

// AbandonDelivery moves a delivery to terminal 'abandoned' (attempt budget
// exhausted) with next_attempt_at cleared, applying the same counter
// discipline as RetryDelivery.
func (s *Store) AbandonDelivery(ctx context.Context, d *WebhookDelivery, errMsg string, maxConsecutiveFailures int) (bool, error) {
	var disabled bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE webhook_deliveries
			 SET status = 'abandoned',
			     next_attempt_at = NULL,
			     last_error = $3,
			     version = version + 1,
			     updated_at = now()
			 WHERE id = $1 AND version = $2`,
			d.ID, d.Version, errMsg,
		)
		if err != nil {
			return fmt.Errorf("abandon delivery: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		disabled, err = bumpSubscriptionFailures(ctx, tx, d.SubscriptionID, maxConsecutiveFailures)
		return err
	})
	return disabled, err
}

// bumpSubscriptionFailures increments the counter and deactivates the
// subscription at the threshold. Runs inside the delivery outcome transaction.
func bumpSubscriptionFailures(ctx context.Context, tx pgx.Tx, subscriptionID uuid.UUID, maxConsecutiveFailures int) (bool, error) {
	var failures int
	var active bool
	err := tx.QueryRow(ctx,
		`UPDATE webhook_subscriptions
		 SET consecutive_failures = consecutive_failures + 1,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING consecutive_failures, active`,
		subscriptionID,
	).Scan(&failures, &active)
	if err != nil {
		return false, fmt.Errorf("bump subscription failures: %w", err)
	}
	if !active || failures < maxConsecutiveFailures {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE webhook_subscriptions
		 SET active = false, disabled_at = now(), updated_at = now()
		 WHERE id = $1`,
		subscriptionID,
	); err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return true, nil
}
