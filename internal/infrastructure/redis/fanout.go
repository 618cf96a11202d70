package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/metrics"
	"live-bidding/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const defaultSendTimeout = 5 * time.Second

var ErrBusClosed = errors.New("fanout bus closed")

type FanoutStats struct {
	Published     int64 `json:"published"`
	Received      int64 `json:"received"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	Subscriptions int   `json:"subscriptions"`
	Observers     int   `json:"observers"`
}

// FanoutBus carries auction events between processes over one Redis channel
// per auction and re-broadcasts them to observers attached to this process.
// A process holds a channel subscription only while it has a reason to.
type FanoutBus struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	log         logger.Logger

	mu        sync.Mutex
	refs      map[string]int
	observers map[string]map[string]domain.Observer

	published atomic.Int64
	received  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewFanoutBus(client *redis.Client, m *metrics.Metrics, log logger.Logger) *FanoutBus {
	return &FanoutBus{
		client:      client,
		pubsub:      client.Subscribe(context.Background()),
		sendTimeout: defaultSendTimeout,
		metrics:     m,
		log:         log,
		refs:        make(map[string]int),
		observers:   make(map[string]map[string]domain.Observer),
	}
}

// SetSendTimeout bounds each observer send in the listen loop.
func (b *FanoutBus) SetSendTimeout(d time.Duration) {
	b.sendTimeout = d
}

func (b *FanoutBus) Publish(ctx context.Context, auctionID string, event domain.Event) error {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventType(), err)
	}
	if err := b.client.Publish(ctx, ChannelName(auctionID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s for auction %s: %w", event.EventType(), auctionID, err)
	}
	b.published.Add(1)
	b.metrics.Fanout("published")
	return nil
}

func (b *FanoutBus) Subscribe(ctx context.Context, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retainLocked(ctx, auctionID)
}

func (b *FanoutBus) Unsubscribe(ctx context.Context, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releaseLocked(ctx, auctionID)
}

func (b *FanoutBus) retainLocked(ctx context.Context, auctionID string) error {
	if b.refs[auctionID] == 0 {
		if err := b.pubsub.Subscribe(ctx, ChannelName(auctionID)); err != nil {
			return fmt.Errorf("subscribe auction %s: %w", auctionID, err)
		}
		b.log.Debug("Subscribed to auction channel", "auction_id", auctionID)
	}
	b.refs[auctionID]++
	return nil
}

func (b *FanoutBus) releaseLocked(ctx context.Context, auctionID string) error {
	n, ok := b.refs[auctionID]
	if !ok {
		return nil
	}
	if n > 1 {
		b.refs[auctionID] = n - 1
		return nil
	}
	delete(b.refs, auctionID)
	if err := b.pubsub.Unsubscribe(ctx, ChannelName(auctionID)); err != nil {
		return fmt.Errorf("unsubscribe auction %s: %w", auctionID, err)
	}
	b.log.Debug("Unsubscribed from auction channel", "auction_id", auctionID)
	return nil
}

// AddLocalObserver attaches obs to auctionID. Adding the same observer twice
// is a no-op.
func (b *FanoutBus) AddLocalObserver(ctx context.Context, obs domain.Observer, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.observers[auctionID]
	if _, exists := set[obs.ID()]; exists {
		return nil
	}
	if err := b.retainLocked(ctx, auctionID); err != nil {
		return err
	}
	if set == nil {
		set = make(map[string]domain.Observer)
		b.observers[auctionID] = set
	}
	set[obs.ID()] = obs
	b.metrics.ObserversChanged(1)
	return nil
}

func (b *FanoutBus) RemoveLocalObserver(ctx context.Context, obs domain.Observer, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(ctx, obs.ID(), auctionID)
}

func (b *FanoutBus) removeLocked(ctx context.Context, observerID, auctionID string) error {
	set := b.observers[auctionID]
	if _, exists := set[observerID]; !exists {
		return nil
	}
	delete(set, observerID)
	if len(set) == 0 {
		delete(b.observers, auctionID)
	}
	b.metrics.ObserversChanged(-1)
	return b.releaseLocked(ctx, auctionID)
}

func (b *FanoutBus) observersOf(auctionID string) []domain.Observer {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.observers[auctionID]
	out := make([]domain.Observer, 0, len(set))
	for _, obs := range set {
		out = append(out, obs)
	}
	return out
}

// Run is the listen loop. It returns when ctx is done or the bus is closed.
func (b *FanoutBus) Run(ctx context.Context) error {
	ch := b.pubsub.Channel()
	b.log.Info("Fanout listen loop started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return ErrBusClosed
			}
			b.dispatch(ctx, msg)
		case <-ctx.Done():
			b.log.Info("Fanout listen loop stopped")
			return ctx.Err()
		}
	}
}

func (b *FanoutBus) dispatch(ctx context.Context, msg *redis.Message) {
	if !strings.HasPrefix(msg.Channel, channelPrefix) {
		return
	}
	auctionID := strings.TrimPrefix(msg.Channel, channelPrefix)
	payload := []byte(msg.Payload)

	if _, err := domain.DecodeEvent(payload); err != nil {
		b.log.Warn("Dropping malformed fanout message", "channel", msg.Channel, "error", err)
		return
	}
	b.received.Add(1)
	b.metrics.Fanout("received")

	for _, obs := range b.observersOf(auctionID) {
		sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := obs.Send(sctx, payload)
		cancel()

		if err != nil {
			b.log.Warn("Removing observer after failed send", "observer_id", obs.ID(), "auction_id", auctionID, "error", err)
			b.dropped.Add(1)
			b.metrics.Fanout("dropped")
			if err := b.RemoveLocalObserver(ctx, obs, auctionID); err != nil {
				b.log.Error("Failed to remove observer", "observer_id", obs.ID(), "error", err)
			}
			continue
		}
		b.delivered.Add(1)
		b.metrics.Fanout("delivered")
	}
}

func (b *FanoutBus) Stats() FanoutStats {
	b.mu.Lock()
	subs := len(b.refs)
	observers := 0
	for _, set := range b.observers {
		observers += len(set)
	}
	b.mu.Unlock()

	return FanoutStats{
		Published:     b.published.Load(),
		Received:      b.received.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: subs,
		Observers:     observers,
	}
}

// ObserverCount reports how many local observers watch auctionID.
func (b *FanoutBus) ObserverCount(auctionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers[auctionID])
}

func (b *FanoutBus) Close() error {
	return b.pubsub.Close()
}
