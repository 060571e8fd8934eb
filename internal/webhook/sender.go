// ABOUTME: Outbound webhook transmission: rate-limited, signed POST with
// ABOUTME: response body discard. The http.Client is injected at startup.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Outbound request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
)

// Sender posts signed webhook payloads. A process-wide token bucket caps the
// outbound request rate across all deliveries.
type Sender struct {
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewSender creates a Sender. client should be the production safeurl-wrapped
// client; perSecond/burst configure the outbound rate limit.
func NewSender(client *http.Client, perSecond float64, burst int) *Sender {
	return &Sender{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		now:     time.Now,
	}
}

// Send signs payload with secret and POSTs it to url. The payload bytes are
// transmitted exactly as given — the same slice that was signed. A non-2xx
// status, network error, or timeout returns an error; the caller maps it to
// the retry path.
func (s *Sender) Send(ctx context.Context, url, secret string, deliveryID uuid.UUID, eventType string, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+Sign(secret, ts, payload))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderID, deliveryID.String())
	req.Header.Set(HeaderEvent, eventType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard the response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
