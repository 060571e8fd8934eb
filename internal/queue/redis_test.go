// ABOUTME: Tests for the Redis queue publisher against an in-process miniredis.
package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestRedisPublisher_EnqueuePreservesOrder(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, "inference-requests", []byte(`{"job_id":"a"}`)))
	require.NoError(t, p.Enqueue(ctx, "inference-requests", []byte(`{"job_id":"b"}`)))

	got, err := mr.List("inference-requests")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"job_id":"a"}`, `{"job_id":"b"}`}, got)
}

func TestRedisPublisher_QueuesAreIndependent(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, "inference-requests", []byte("x")))
	require.NoError(t, p.Enqueue(ctx, "inference-requests-priority", []byte("y")))

	got, err := mr.List("inference-requests")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	got, err = mr.List("inference-requests-priority")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, got)
}

func TestRedisPublisher_Ping(t *testing.T) {
	p, mr := newTestPublisher(t)
	require.NoError(t, p.Ping(context.Background()))

	mr.Close()
	assert.Error(t, p.Ping(context.Background()))
}

func TestRedisPublisher_EnqueueFailsWhenServerGone(t *testing.T) {
	p, mr := newTestPublisher(t)
	mr.Close()

	err := p.Enqueue(context.Background(), "inference-requests", []byte("x"))
	assert.Error(t, err)
}
