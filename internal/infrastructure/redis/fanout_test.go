package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	id   string
	fail bool

	mu       sync.Mutex
	payloads [][]byte
}

func (o *recordingObserver) ID() string { return o.id }

func (o *recordingObserver) Send(_ context.Context, payload []byte) error {
	if o.fail {
		return errors.New("socket closed")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads = append(o.payloads, append([]byte(nil), payload...))
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.payloads)
}

func (o *recordingObserver) last() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.payloads) == 0 {
		return nil
	}
	return o.payloads[len(o.payloads)-1]
}

func startBus(t *testing.T, addr string) *FanoutBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	bus := NewFanoutBus(client, nil, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = bus.Close()
		_ = client.Close()
	})
	return bus
}

func waitForSubscribers(t *testing.T, client *redis.Client, auctionID string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), ChannelName(auctionID)).Result()
		return err == nil && counts[ChannelName(auctionID)] == want
	}, 2*time.Second, 10*time.Millisecond)
}

func acceptedEvent(auctionID string, amount float64) domain.UpdateAccepted {
	return domain.UpdateAccepted{
		AuctionID: auctionID,
		Bid:       &domain.Bid{ID: "b1", AuctionID: auctionID, UserID: "u1", Amount: amount},
		Auction:   &domain.Auction{ID: auctionID, CurrentPrice: amount, Status: domain.AuctionActive},
	}
}

func TestFanoutAcrossProcesses(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	procA := startBus(t, mr.Addr())
	procB := startBus(t, mr.Addr())

	onAX := &recordingObserver{id: "ax"}
	onBX := &recordingObserver{id: "bx"}
	onBY := &recordingObserver{id: "by"}
	require.NoError(t, procA.AddLocalObserver(ctx, onAX, "X"))
	require.NoError(t, procB.AddLocalObserver(ctx, onBX, "X"))
	require.NoError(t, procB.AddLocalObserver(ctx, onBY, "Y"))

	waitForSubscribers(t, client, "X", 2)
	waitForSubscribers(t, client, "Y", 1)

	require.NoError(t, procA.Publish(ctx, "X", acceptedEvent("X", 110)))

	require.Eventually(t, func() bool {
		return onAX.count() == 1 && onBX.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev, err := domain.DecodeEvent(onBX.last())
	require.NoError(t, err)
	accepted, ok := ev.(domain.UpdateAccepted)
	require.True(t, ok)
	assert.Equal(t, 110.0, accepted.Bid.Amount)

	// Give a stray delivery on Y a chance to show up before asserting absence.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, onBY.count())
	assert.Equal(t, int64(1), procA.Stats().Published)
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	bus := startBus(t, mr.Addr())

	first := &recordingObserver{id: "1"}
	second := &recordingObserver{id: "2"}

	require.NoError(t, bus.AddLocalObserver(ctx, first, "X"))
	require.NoError(t, bus.AddLocalObserver(ctx, second, "X"))
	require.NoError(t, bus.AddLocalObserver(ctx, second, "X"))
	assert.Equal(t, 2, bus.ObserverCount("X"))
	assert.Equal(t, 1, bus.Stats().Subscriptions)
	waitForSubscribers(t, client, "X", 1)

	require.NoError(t, bus.RemoveLocalObserver(ctx, first, "X"))
	assert.Equal(t, 1, bus.Stats().Subscriptions, "still one observer left")
	waitForSubscribers(t, client, "X", 1)

	require.NoError(t, bus.RemoveLocalObserver(ctx, second, "X"))
	assert.Equal(t, 0, bus.Stats().Subscriptions)
	waitForSubscribers(t, client, "X", 0)

	// Removing an unknown observer does not underflow the count.
	require.NoError(t, bus.RemoveLocalObserver(ctx, second, "X"))
	require.NoError(t, bus.Subscribe(ctx, "X"))
	require.NoError(t, bus.Subscribe(ctx, "X"))
	require.NoError(t, bus.Unsubscribe(ctx, "X"))
	waitForSubscribers(t, client, "X", 1)
	require.NoError(t, bus.Unsubscribe(ctx, "X"))
	waitForSubscribers(t, client, "X", 0)
}

func TestFailingObserverIsDropped(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	bus := startBus(t, mr.Addr())

	healthy := &recordingObserver{id: "ok"}
	broken := &recordingObserver{id: "broken", fail: true}
	require.NoError(t, bus.AddLocalObserver(ctx, healthy, "X"))
	require.NoError(t, bus.AddLocalObserver(ctx, broken, "X"))
	waitForSubscribers(t, client, "X", 1)

	require.NoError(t, bus.Publish(ctx, "X", acceptedEvent("X", 120)))

	require.Eventually(t, func() bool {
		return healthy.count() == 1 && bus.ObserverCount("X") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), bus.Stats().Dropped)
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	bus := startBus(t, mr.Addr())

	obs := &recordingObserver{id: "o"}
	require.NoError(t, bus.AddLocalObserver(ctx, obs, "X"))
	waitForSubscribers(t, client, "X", 1)

	require.NoError(t, client.Publish(ctx, ChannelName("X"), `{"type":"SOMETHING_ELSE"}`).Err())
	require.NoError(t, bus.Publish(ctx, "X", acceptedEvent("X", 130)))

	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, obs.count())
}
