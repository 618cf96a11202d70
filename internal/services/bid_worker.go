package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"live-bidding/internal/config"
	"live-bidding/internal/domain"
	"live-bidding/internal/domain/repositories"
	"live-bidding/internal/metrics"
	"live-bidding/internal/retry"
	"live-bidding/pkg/logger"
	"live-bidding/pkg/utils"
)

const (
	recentBidsInEvent  = 5
	defaultProcessTime = 10 * time.Second
)

type WorkerOptions struct {
	Concurrency     int
	DequeueTimeout  time.Duration
	PollInterval    time.Duration
	MaxRedeliveries int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// ProcessTimeout bounds the handling of one dequeued request. Handling is
	// detached from the caller's context so a shutdown never abandons a
	// request halfway.
	ProcessTimeout time.Duration
}

// WorkerOptionsFrom maps the worker config section onto WorkerOptions.
func WorkerOptionsFrom(c config.WorkerConfig) WorkerOptions {
	return WorkerOptions{
		Concurrency:     c.Concurrency,
		DequeueTimeout:  c.DequeueTimeout,
		PollInterval:    c.PollInterval,
		MaxRedeliveries: c.MaxRedeliveries,
		BackoffBase:     c.BackoffBase,
		BackoffMax:      c.BackoffMax,
	}
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 50 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = defaultProcessTime
	}
	return o
}

type WorkerStats struct {
	Processed   int64 `json:"processed"`
	Succeeded   int64 `json:"succeeded"`
	Rejected    int64 `json:"rejected"`
	Failed      int64 `json:"failed"`
	Redelivered int64 `json:"redelivered"`
	Errors      int64 `json:"errors"`
}

// BidWorker applies queued bids one auction at a time.
type BidWorker struct {
	queue     domain.BidDequeuer
	locker    domain.AuctionLocker
	store     repositories.AuctionRepository
	cache     domain.AuctionCache
	publisher domain.EventPublisher
	opts      WorkerOptions
	metrics   *metrics.Metrics
	log       logger.Logger

	now        func() time.Time
	postCommit retry.Policy

	processed   atomic.Int64
	succeeded   atomic.Int64
	rejected    atomic.Int64
	failed      atomic.Int64
	redelivered atomic.Int64
	errs        atomic.Int64
}

func NewBidWorker(
	queue domain.BidDequeuer,
	locker domain.AuctionLocker,
	store repositories.AuctionRepository,
	cache domain.AuctionCache,
	publisher domain.EventPublisher,
	opts WorkerOptions,
	m *metrics.Metrics,
	log logger.Logger,
) *BidWorker {
	return &BidWorker{
		queue:      queue,
		locker:     locker,
		store:      store,
		cache:      cache,
		publisher:  publisher,
		opts:       opts.withDefaults(),
		metrics:    m,
		log:        log,
		now:        time.Now,
		postCommit: retry.Policy{MaxAttempts: 3, Delay: retry.Constant(20 * time.Millisecond)},
	}
}

// ProcessNext dequeues and handles at most one request for auctionID. It
// reports false when the queue stayed empty for the dequeue timeout. Errors
// are infrastructure failures; a request popped before one of them is back
// on its queue.
func (w *BidWorker) ProcessNext(ctx context.Context, auctionID string) (bool, error) {
	req, err := w.queue.Dequeue(ctx, auctionID, w.opts.DequeueTimeout)
	if errors.Is(err, domain.ErrRequestNotFound) {
		w.log.Warn("Skipping bid request with expired metadata", "auction_id", auctionID, "error", err)
		return true, nil
	}
	if err != nil {
		w.errs.Add(1)
		return false, err
	}
	if req == nil {
		return false, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ProcessTimeout)
	defer cancel()
	w.Process(pctx, req)
	return true, nil
}

// Process drives one request to a terminal status or back onto its queue.
func (w *BidWorker) Process(ctx context.Context, req *domain.QueuedRequest) {
	start := w.now()
	log := w.log.With("request_id", req.RequestID, "auction_id", req.AuctionID, "user_id", req.UserID)
	w.processed.Add(1)

	err := w.locker.WithLock(ctx, req.AuctionID, func(*domain.Lease) error {
		return w.applyLocked(ctx, req, log)
	})

	var ve *domain.ValidationError
	switch {
	case err == nil:
		w.succeeded.Add(1)
		w.metrics.BidProcessed("success", w.since(start))

	case errors.As(err, &ve):
		log.Info("Bid rejected", "amount", req.Amount, "code", ve.Code, "reason", ve.Reason)
		serr := w.retried(ctx, "record rejection", log, func() error {
			return w.queue.SetStatus(ctx, req.RequestID, domain.RequestRejected, nil, ve.Reason)
		})
		if serr != nil {
			// Nothing was committed, so the request can safely be judged again.
			w.redeliver(ctx, req, "status_write", serr, log)
			w.metrics.BidProcessed("error", w.since(start))
			return
		}
		w.rejected.Add(1)
		w.metrics.BidProcessed("rejected", w.since(start))

	case errors.Is(err, domain.ErrLockTimeout):
		log.Warn("Could not lock auction", "attempts", req.Attempts, "error", err)
		w.redeliver(ctx, req, "lock_timeout", err, log)
		w.metrics.BidProcessed("lock_timeout", w.since(start))

	default:
		log.Error("Failed to process bid", "error", err)
		w.errs.Add(1)
		w.redeliver(ctx, req, "error", err, log)
		w.metrics.BidProcessed("error", w.since(start))
	}
}

// applyLocked runs with the auction lock held. A nil return means the bid
// was committed and announced.
func (w *BidWorker) applyLocked(ctx context.Context, req *domain.QueuedRequest, log logger.Logger) error {
	auction, err := w.store.GetAuction(ctx, req.AuctionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewValidationError(domain.CodeAuctionNotFound, "auction not found")
	}
	if err != nil {
		return fmt.Errorf("read auction: %w", err)
	}

	now := w.now()
	if auction.Expired(now) {
		w.endExpired(ctx, auction, log)
		return domain.NewValidationError(domain.CodeAuctionEnded, "auction has ended")
	}
	if err := domain.ValidateBid(auction, req.UserID, req.Amount, now); err != nil {
		return err
	}

	previousLeader := auction.CurrentWinnerID
	bidID := utils.GenerateID("bid")
	updated, bid, err := w.store.ApplyBid(ctx, req.AuctionID, func(a *domain.Auction) (*domain.Bid, error) {
		return a.AcceptBid(bidID, req.UserID, req.Amount, now)
	})
	if err != nil {
		if domain.IsValidation(err) {
			return err
		}
		return fmt.Errorf("commit bid: %w", err)
	}
	log.Info("Bid accepted", "bid_id", bid.ID, "amount", bid.Amount, "previous_leader", previousLeader)

	w.announce(ctx, req, updated, bid, previousLeader, log)
	return nil
}

// announce runs the post-commit steps. The bid is durable by now, so failures
// are retried briefly and logged but never redeliver the request.
func (w *BidWorker) announce(ctx context.Context, req *domain.QueuedRequest, auction *domain.Auction, bid *domain.Bid, previousLeader string, log logger.Logger) {
	w.bestEffort(ctx, "invalidate cache", log, func() error {
		return w.cache.InvalidateAuction(ctx, auction.ID)
	})

	result := &domain.BidResult{Bid: bid, Auction: auction, PreviousLeader: previousLeader}
	w.bestEffort(ctx, "record success", log, func() error {
		return w.queue.SetStatus(ctx, req.RequestID, domain.RequestSuccess, result, "")
	})

	recent, err := w.cache.GetRecentBids(ctx, auction.ID, recentBidsInEvent)
	if err != nil {
		log.Warn("Publishing without recent bids", "error", err)
		recent = nil
	}
	event := domain.UpdateAccepted{
		AuctionID:      auction.ID,
		Bid:            bid,
		Auction:        auction,
		PreviousLeader: previousLeader,
		RecentBids:     recent,
	}
	w.bestEffort(ctx, "publish update", log, func() error {
		return w.publisher.Publish(ctx, auction.ID, event)
	})
}

// endExpired moves an auction past its end time to ENDED and tells observers.
func (w *BidWorker) endExpired(ctx context.Context, auction *domain.Auction, log logger.Logger) {
	if err := w.store.UpdateAuctionStatus(ctx, auction.ID, domain.AuctionEnded); err != nil {
		log.Error("Failed to end expired auction", "error", err)
		return
	}
	auction.Status = domain.AuctionEnded
	log.Info("Auction ended on bid after end time", "end_time", auction.EndTime)

	w.bestEffort(ctx, "invalidate cache", log, func() error {
		return w.cache.InvalidateAuction(ctx, auction.ID)
	})
	w.bestEffort(ctx, "publish auction ended", log, func() error {
		return w.publisher.Publish(ctx, auction.ID, domain.AuctionEndedEvent{
			AuctionID:  auction.ID,
			Auction:    auction,
			WinnerID:   auction.CurrentWinnerID,
			FinalPrice: auction.CurrentPrice,
			Reason:     "expired",
		})
	})
}

// bestEffort runs a step whose failure must not undo or repeat the work
// already done.
func (w *BidWorker) bestEffort(ctx context.Context, step string, log logger.Logger, fn func() error) {
	_ = w.retried(ctx, step, log, fn)
}

// retried runs fn under the post-commit policy and returns the last error
// once the attempts are used up.
func (w *BidWorker) retried(ctx context.Context, step string, log logger.Logger, fn func() error) error {
	var last error
	_, err := w.postCommit.Do(ctx, func(int) (bool, error) {
		if last = fn(); last != nil {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if last == nil {
			last = err
		}
		w.errs.Add(1)
		log.Error("Step failed after retries", "step", step, "error", last)
		return last
	}
	return nil
}

// redeliver puts the request back at the head of its queue, or dead-letters
// it once it has used up its redeliveries. If neither write lands the request
// keeps the status it had and the failure is counted as an error.
func (w *BidWorker) redeliver(ctx context.Context, req *domain.QueuedRequest, cause string, causeErr error, log logger.Logger) {
	if req.Attempts < w.opts.MaxRedeliveries {
		err := w.retried(ctx, "requeue", log, func() error {
			return w.queue.Requeue(ctx, req)
		})
		if err != nil {
			return
		}
		w.redelivered.Add(1)
		w.metrics.Redelivered(cause)
		log.Info("Bid requeued", "cause", cause, "attempts", req.Attempts)
		return
	}

	err := w.retried(ctx, "dead-letter", log, func() error {
		return w.queue.DeadLetter(ctx, req, causeErr.Error())
	})
	if err != nil {
		return
	}
	w.failed.Add(1)
	log.Warn("Bid failed after redeliveries", "cause", cause, "attempts", req.Attempts)
}

func (w *BidWorker) since(start time.Time) float64 {
	return w.now().Sub(start).Seconds()
}

func (w *BidWorker) Stats() WorkerStats {
	return WorkerStats{
		Processed:   w.processed.Load(),
		Succeeded:   w.succeeded.Load(),
		Rejected:    w.rejected.Load(),
		Failed:      w.failed.Load(),
		Redelivered: w.redelivered.Load(),
		Errors:      w.errs.Load(),
	}
}
