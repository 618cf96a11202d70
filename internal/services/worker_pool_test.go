package services

import (
	"context"
	"testing"
	"time"

	"live-bidding/internal/domain"
	redisinfra "live-bidding/internal/infrastructure/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDrainsEveryAuction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := time.Now().Add(time.Hour)
	h.seedAuction(t, "a1", 100, 10, end)
	h.seedAuction(t, "a2", 50, 5, end)

	var ids []string
	for i, amount := range []float64{110, 120, 130} {
		id, err := h.queue.Enqueue(ctx, "a1", string(rune('a'+i)), amount)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	id, err := h.queue.Enqueue(ctx, "a2", "z", 55)
	require.NoError(t, err)
	ids = append(ids, id)

	w := h.worker(h.lock(redisinfra.LockOptions{}), WorkerOptions{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	})
	pool := NewWorkerPool(w, h.queue, h.log)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			req, err := h.queue.GetStatus(ctx, id)
			if err != nil || req.Status != domain.RequestSuccess {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	// Idle queues leave the active set once a drain times out on them.
	require.Eventually(t, func() bool {
		active, err := h.queue.ActiveAuctions(ctx)
		return err == nil && len(active) == 0
	}, 5*time.Second, 50*time.Millisecond)

	pool.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	a1, err := h.store.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 130.0, a1.CurrentPrice)
	assert.Equal(t, int64(4), pool.Stats().Succeeded)
}

func TestClaimIsExclusive(t *testing.T) {
	h := newHarness(t)
	pool := NewWorkerPool(h.worker(h.lock(redisinfra.LockOptions{}), WorkerOptions{}), h.queue, h.log)

	assert.True(t, pool.claim("a1"))
	assert.False(t, pool.claim("a1"))
	assert.Equal(t, []string{"a1"}, pool.Stats().Draining)

	pool.release("a1")
	assert.True(t, pool.claim("a1"))
}
