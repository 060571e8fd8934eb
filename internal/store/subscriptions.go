// ABOUTME: Store methods for webhook_subscriptions CRUD and the delivery-time
// ABOUTME: secret read. Secret ciphertext is only exposed to the delivery worker.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookSubscription is a third-party endpoint registration.
type WebhookSubscription struct {
	ID                  uuid.UUID
	URL                 string
	SecretCiphertext    string
	Active              bool
	ConsecutiveFailures int
	DisabledAt          *time.Time
	CreatedAt           time.Time
}

// CreateWebhookSubscription inserts a subscription. secretCiphertext is the
// at-rest encrypted signing secret; callers generate and encrypt the secret
// and return the plaintext to the subscriber exactly once.
func (s *Store) CreateWebhookSubscription(ctx context.Context, url, secretCiphertext string) (*WebhookSubscription, error) {
	sub := &WebhookSubscription{URL: url, SecretCiphertext: secretCiphertext, Active: true}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_subscriptions (url, secret_ciphertext)
		 VALUES ($1, $2)
		 RETURNING id, created_at`,
		url, secretCiphertext,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create webhook subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionForDelivery returns the subscription with its secret
// ciphertext for the delivery worker, or nil if not found.
func (s *Store) GetSubscriptionForDelivery(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, secret_ciphertext, active, consecutive_failures, disabled_at, created_at
		 FROM webhook_subscriptions WHERE id = $1`,
		id,
	).Scan(&sub.ID, &sub.URL, &sub.SecretCiphertext, &sub.Active,
		&sub.ConsecutiveFailures, &sub.DisabledAt, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription for delivery: %w", err)
	}
	return &sub, nil
}

// ListActiveSubscriptions returns all active subscriptions, used by the event
// publisher to fan events out into delivery rows.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, secret_ciphertext, active, consecutive_failures, disabled_at, created_at
		 FROM webhook_subscriptions
		 WHERE active
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.SecretCiphertext, &sub.Active,
			&sub.ConsecutiveFailures, &sub.DisabledAt, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
