// ABOUTME: Publisher fans an event out into one pending delivery row per
// ABOUTME: active subscription. Per-subscription failures are logged, not fatal.
package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
)

// Publisher creates delivery jobs for business events. Called by the API
// layer when a publishable event fires (e.g. a conversion finishing).
type Publisher struct {
	st  *store.Store
	log *slog.Logger
}

// NewPublisher creates a Publisher backed by st.
func NewPublisher(st *store.Store) *Publisher {
	return &Publisher{st: st, log: slog.Default()}
}

// Publish creates one pending delivery per active subscription carrying the
// given payload verbatim. A failure to enqueue for one subscription does not
// abort the rest; Publish returns an error only when the subscription list
// itself cannot be read.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	subs, err := p.st.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	for _, sub := range subs {
		if _, err := p.st.CreateWebhookDelivery(ctx, sub.ID, eventType, payload); err != nil {
			p.log.Error("enqueue delivery failed",
				"subscription_id", sub.ID, "event", eventType, "error", err)
		}
	}
	return nil
}
