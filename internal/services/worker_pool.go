package services

import (
	"context"
	"errors"
	"sync"

	"live-bidding/internal/domain"
	"live-bidding/internal/retry"
	"live-bidding/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// drainFailures is how many consecutive infra errors a drain tolerates before
// it hands the auction back to the dispatcher.
const drainFailures = 3

type PoolStats struct {
	WorkerStats
	Draining []string `json:"draining"`
}

// WorkerPool runs one dispatcher and a fixed number of drain goroutines. The
// dispatcher hands out auctions with pending bids; an auction is drained by at
// most one goroutine in this process at a time.
type WorkerPool struct {
	worker  *BidWorker
	queue   domain.BidDequeuer
	opts    WorkerOptions
	backoff retry.Policy
	log     logger.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
	cancel  context.CancelFunc
}

func NewWorkerPool(worker *BidWorker, queue domain.BidDequeuer, log logger.Logger) *WorkerPool {
	opts := worker.opts
	return &WorkerPool{
		worker:  worker,
		queue:   queue,
		opts:    opts,
		backoff: retry.Policy{Delay: retry.Exponential(opts.BackoffBase, opts.BackoffMax)},
		log:     log,
		claimed: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (p *WorkerPool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	p.log.Info("Starting bid workers", "concurrency", p.opts.Concurrency)

	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.dispatch(gctx, work) })
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.drainLoop(gctx, work) })
	}

	err := g.Wait()
	p.log.Info("Bid workers stopped", "stats", p.worker.Stats())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *WorkerPool) dispatch(ctx context.Context, work chan<- string) error {
	failures := 0
	for {
		auctions, err := p.queue.ActiveAuctions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("Failed to list active queues", "error", err)
			if err := p.backoff.Wait(ctx, failures); err != nil {
				return err
			}
			failures++
			continue
		}
		failures = 0

		for _, auctionID := range auctions {
			if !p.claim(auctionID) {
				continue
			}
			select {
			case work <- auctionID:
			case <-ctx.Done():
				p.release(auctionID)
				return ctx.Err()
			default:
				// every drain goroutine is busy; try again next round
				p.release(auctionID)
			}
		}

		if err := retry.SleepContext(ctx, p.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (p *WorkerPool) drainLoop(ctx context.Context, work <-chan string) error {
	for {
		select {
		case auctionID := <-work:
			p.drain(ctx, auctionID)
			p.release(auctionID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain processes auctionID until its queue stays empty for one dequeue
// timeout, then drops it from the active set.
func (p *WorkerPool) drain(ctx context.Context, auctionID string) {
	failures := 0
	for ctx.Err() == nil {
		processed, err := p.worker.ProcessNext(ctx, auctionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("Failed to dequeue bid", "auction_id", auctionID, "error", err)
			if failures++; failures >= drainFailures {
				return
			}
			if err := p.backoff.Wait(ctx, failures-1); err != nil {
				return
			}
			continue
		}
		failures = 0

		if !processed {
			if _, err := p.queue.Prune(ctx, auctionID); err != nil && ctx.Err() == nil {
				p.log.Warn("Failed to prune idle queue", "auction_id", auctionID, "error", err)
			}
			return
		}
	}
}

func (p *WorkerPool) claim(auctionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.claimed[auctionID]; busy {
		return false
	}
	p.claimed[auctionID] = struct{}{}
	return true
}

func (p *WorkerPool) release(auctionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, auctionID)
}

func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	draining := make([]string, 0, len(p.claimed))
	for id := range p.claimed {
		draining = append(draining, id)
	}
	p.mu.Unlock()
	return PoolStats{WorkerStats: p.worker.Stats(), Draining: draining}
}
