// ABOUTME: Tests for the delivery worker state machine against an in-memory
// ABOUTME: store: outcome mapping, retry budget, stuck reclaim, contention.
package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/jobs"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/secrets"
	"github.com/julio-soft/VoiceByAuribus-API-sub001/internal/store"
)

// memStore is an in-memory Store holding one delivery and its subscription,
// mimicking the SQL transition semantics.
type memStore struct {
	d        *store.WebhookDelivery
	sub      *store.WebhookSubscription
	claimErr error

	counterResets int
	counterBumps  int
}

func (m *memStore) EligibleWebhookDeliveries(context.Context, int, int, time.Duration) ([]uuid.UUID, error) {
	return []uuid.UUID{m.d.ID}, nil
}

func (m *memStore) GetWebhookDelivery(_ context.Context, id uuid.UUID) (*store.WebhookDelivery, error) {
	if id != m.d.ID {
		return nil, nil
	}
	cp := *m.d
	return &cp, nil
}

func (m *memStore) MarkDeliveryInFlight(_ context.Context, d *store.WebhookDelivery) error {
	if m.claimErr != nil {
		return m.claimErr
	}
	now := time.Now()
	d.Status = store.DeliveryInFlight
	d.AttemptCount++
	d.LastAttemptAt = &now
	d.NextAttemptAt = nil
	d.Version++
	*m.d = *d
	return nil
}

func (m *memStore) CompleteDelivery(_ context.Context, d *store.WebhookDelivery, deliveredAt time.Time) error {
	d.Status = store.DeliveryDelivered
	d.DeliveredAt = &deliveredAt
	d.NextAttemptAt = nil
	d.Version++
	*m.d = *d
	m.counterResets++
	m.sub.ConsecutiveFailures = 0
	return nil
}

func (m *memStore) RetryDelivery(_ context.Context, d *store.WebhookDelivery, nextAttemptAt time.Time, errMsg string, maxConsecutive int) (bool, error) {
	d.Status = store.DeliveryPending
	d.NextAttemptAt = &nextAttemptAt
	d.LastError = &errMsg
	d.Version++
	*m.d = *d
	return m.bump(maxConsecutive), nil
}

func (m *memStore) AbandonDelivery(_ context.Context, d *store.WebhookDelivery, errMsg string, maxConsecutive int) (bool, error) {
	d.Status = store.DeliveryAbandoned
	d.NextAttemptAt = nil
	d.LastError = &errMsg
	d.Version++
	*m.d = *d
	return m.bump(maxConsecutive), nil
}

func (m *memStore) bump(maxConsecutive int) bool {
	m.counterBumps++
	m.sub.ConsecutiveFailures++
	if m.sub.Active && m.sub.ConsecutiveFailures >= maxConsecutive {
		m.sub.Active = false
		return true
	}
	return false
}

func (m *memStore) GetSubscriptionForDelivery(_ context.Context, id uuid.UUID) (*store.WebhookSubscription, error) {
	if id != m.sub.ID {
		return nil, nil
	}
	cp := *m.sub
	return &cp, nil
}

const memTestKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newMemStore(t *testing.T, url string) (*memStore, *secrets.Box) {
	t.Helper()
	box, err := secrets.NewBox(memTestKey)
	require.NoError(t, err)
	secret, err := secrets.GenerateSecret()
	require.NoError(t, err)
	ct, err := box.Encrypt(secret)
	require.NoError(t, err)

	sub := &store.WebhookSubscription{
		ID:               uuid.New(),
		URL:              url,
		SecretCiphertext: ct,
		Active:           true,
	}
	d := &store.WebhookDelivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      "conversion.completed",
		Payload:        []byte(`{"job_id":"j-1","status":"released"}`),
		Status:         store.DeliveryPending,
		Version:        1,
	}
	return &memStore{d: d, sub: sub}, box
}

func newTestWorker(st Store, box *secrets.Box, maxAttempts, maxFailures int) *Worker {
	sender := NewSender(testClient(), 1000, 100)
	return NewWorker(st, sender, box, WorkerConfig{
		Policy:                 jobs.Policy{BaseSeconds: 2, MaxAttempts: maxAttempts},
		StuckAfter:             5 * time.Minute,
		MaxConsecutiveFailures: maxFailures,
	})
}

func TestWorker_DeliversAndResetsCounter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	st.sub.ConsecutiveFailures = 3
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, store.DeliveryDelivered, st.d.Status)
	assert.Equal(t, 1, st.d.AttemptCount)
	assert.NotNil(t, st.d.DeliveredAt)
	assert.Nil(t, st.d.NextAttemptAt)
	assert.Zero(t, st.sub.ConsecutiveFailures)
}

func TestWorker_Non2xxRetriesWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.Equal(t, store.DeliveryPending, st.d.Status)
	assert.Equal(t, 1, st.d.AttemptCount)
	require.NotNil(t, st.d.NextAttemptAt)
	assert.True(t, st.d.NextAttemptAt.After(time.Now()))
	require.NotNil(t, st.d.LastError)
	assert.Contains(t, *st.d.LastError, "502")
	assert.Equal(t, 1, st.sub.ConsecutiveFailures)
}

func TestWorker_AbandonsOnFifthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	w := newTestWorker(st, box, 5, 20)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		// Clear the backoff gate so each attempt is immediately eligible.
		st.d.NextAttemptAt = nil
		require.NoError(t, w.Process(ctx, st.d.ID))
		if i < 5 {
			assert.Equal(t, store.DeliveryPending, st.d.Status, "attempt %d", i)
		}
	}

	assert.Equal(t, store.DeliveryAbandoned, st.d.Status)
	assert.Equal(t, 5, st.d.AttemptCount)
	assert.Nil(t, st.d.NextAttemptAt, "terminal write clears eligibility")
}

func TestWorker_DeactivatesSubscriptionAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	st.sub.ConsecutiveFailures = 2
	w := newTestWorker(st, box, 5, 3)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.False(t, st.sub.Active)
}

func TestWorker_ContentionIsSurfacedAsConflict(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	st.claimErr = store.ErrVersionConflict
	w := newTestWorker(st, box, 5, 20)

	err := w.Process(context.Background(), st.d.ID)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	// Losing the claim means no side effect whatsoever.
	assert.Zero(t, calls.Load())
}

func TestWorker_SkipsRowAnotherInstanceAdvanced(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	st.d.Status = store.DeliveryDelivered
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))
	assert.Zero(t, calls.Load())
	assert.Equal(t, store.DeliveryDelivered, st.d.Status)
	assert.Equal(t, 0, st.d.AttemptCount)
}

func TestWorker_ReclaimsStuckInFlight(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	old := time.Now().Add(-10 * time.Minute)
	st.d.Status = store.DeliveryInFlight
	st.d.AttemptCount = 1
	st.d.LastAttemptAt = &old
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, store.DeliveryDelivered, st.d.Status)
	assert.Equal(t, 2, st.d.AttemptCount)
}

func TestWorker_FreshInFlightIsNotReclaimable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	recent := time.Now().Add(-30 * time.Second)
	st.d.Status = store.DeliveryInFlight
	st.d.AttemptCount = 1
	st.d.LastAttemptAt = &recent
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	// Still owned by the (presumed alive) other instance.
	assert.Zero(t, calls.Load())
	assert.Equal(t, store.DeliveryInFlight, st.d.Status)
}

func TestWorker_StuckRowWithSpentBudgetIsAbandonedWithoutSend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, box := newMemStore(t, srv.URL)
	old := time.Now().Add(-10 * time.Minute)
	st.d.Status = store.DeliveryInFlight
	st.d.AttemptCount = 5 // budget already spent by previous owners
	st.d.LastAttemptAt = &old
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.Zero(t, calls.Load())
	assert.Equal(t, store.DeliveryAbandoned, st.d.Status)
}

func TestWorker_InactiveSubscriptionFailsAttempt(t *testing.T) {
	st, box := newMemStore(t, "http://unused.invalid")
	st.sub.Active = false
	w := newTestWorker(st, box, 5, 20)

	require.NoError(t, w.Process(context.Background(), st.d.ID))

	assert.Equal(t, store.DeliveryPending, st.d.Status)
	require.NotNil(t, st.d.LastError)
	assert.Contains(t, *st.d.LastError, "deactivated")
}
