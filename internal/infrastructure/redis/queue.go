package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// detachedTimeout bounds the work Dequeue does after an id has been popped.
const detachedTimeout = 5 * time.Second

// errCorruptRequest marks metadata that will never decode; retrying it is pointless.
var errCorruptRequest = errors.New("corrupt request metadata")

// pruneScript drops an auction from the active set only while its queue is
// empty, so a concurrent enqueue cannot be orphaned.
var pruneScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) == 0 then
    return redis.call("SREM", KEYS[2], ARGV[1])
end
return 0
`)

// BidQueue is a FIFO list per auction plus a metadata record per request.
type BidQueue struct {
	client    *redis.Client
	statusTTL time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewBidQueue(client *redis.Client, statusTTL time.Duration, m *metrics.Metrics) *BidQueue {
	return &BidQueue{
		client:    client,
		statusTTL: statusTTL,
		metrics:   m,
		now:       time.Now,
	}
}

func (q *BidQueue) Enqueue(ctx context.Context, auctionID, userID string, amount float64) (string, error) {
	receipt, err := q.Submit(ctx, auctionID, userID, amount)
	if err != nil {
		return "", err
	}
	return receipt.RequestID, nil
}

// Submit enqueues a bid and reports its position in the auction's queue.
func (q *BidQueue) Submit(ctx context.Context, auctionID, userID string, amount float64) (*domain.BidReceipt, error) {
	now := q.now()
	req := &domain.QueuedRequest{
		RequestID:  uuid.NewString(),
		AuctionID:  auctionID,
		UserID:     userID,
		Amount:     amount,
		EnqueuedAt: now,
		Status:     domain.RequestQueued,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var push *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, metaKey(req.RequestID), data, q.statusTTL)
		push = pipe.RPush(ctx, queueKey(auctionID), req.RequestID)
		pipe.SAdd(ctx, activeQueues, auctionID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue bid for auction %s: %w", auctionID, err)
	}

	q.metrics.BidEnqueued(auctionID)
	return &domain.BidReceipt{
		RequestID:     req.RequestID,
		AuctionID:     auctionID,
		Status:        domain.RequestQueued,
		QueuePosition: push.Val(),
	}, nil
}

// Dequeue blocks up to timeout for the oldest request. It returns nil, nil
// when the wait expires with nothing queued.
func (q *BidQueue) Dequeue(ctx context.Context, auctionID string, timeout time.Duration) (*domain.QueuedRequest, error) {
	res, err := q.client.BLPop(ctx, timeout, queueKey(auctionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue auction %s: %w", auctionID, err)
	}

	// The id is off the list now. Finish on a context the caller cannot cancel,
	// and put the id back if its metadata cannot be read.
	requestID := res[1]
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()

	req, err := q.GetStatus(dctx, requestID)
	switch {
	case err == nil:
		return req, nil
	case errors.Is(err, domain.ErrRequestNotFound):
		return nil, fmt.Errorf("dequeued request %s: %w", requestID, err)
	case errors.Is(err, errCorruptRequest):
		if derr := q.client.RPush(dctx, deadLetters, requestID).Err(); derr != nil {
			return nil, fmt.Errorf("dead-letter corrupt request %s: %w", requestID, derr)
		}
		return nil, fmt.Errorf("dequeued request %s: %w: %w", requestID, domain.ErrRequestNotFound, err)
	}

	if perr := q.client.LPush(dctx, queueKey(auctionID), requestID).Err(); perr != nil {
		return nil, fmt.Errorf("dequeued request %s: %w (returning it to the queue failed: %v)", requestID, err, perr)
	}
	return nil, fmt.Errorf("dequeued request %s returned to queue: %w", requestID, err)
}

func (q *BidQueue) GetStatus(ctx context.Context, requestID string) (*domain.QueuedRequest, error) {
	data, err := q.client.Get(ctx, metaKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}

	var req domain.QueuedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %v: %w", requestID, err, errCorruptRequest)
	}
	return &req, nil
}

func (q *BidQueue) SetStatus(ctx context.Context, requestID string, status domain.RequestStatus, result *domain.BidResult, errMsg string) error {
	req, err := q.GetStatus(ctx, requestID)
	if err != nil {
		return err
	}
	req.Status = status
	req.Result = result
	req.Error = errMsg
	req.UpdatedAt = q.now()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, metaKey(requestID), data, q.statusTTL).Err()
}

func (q *BidQueue) Length(ctx context.Context, auctionID string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(auctionID)).Result()
	if err != nil {
		return 0, err
	}
	q.metrics.SetQueueDepth(auctionID, n)
	return n, nil
}

// Requeue puts a request back at the head of its queue so ordering is kept.
// req is updated only when the push succeeds, so a failed call can be retried.
func (q *BidQueue) Requeue(ctx context.Context, req *domain.QueuedRequest) error {
	next := *req
	next.Attempts++
	next.Status = domain.RequestQueued
	next.UpdatedAt = q.now()
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, metaKey(next.RequestID), data, q.statusTTL)
		pipe.LPush(ctx, queueKey(next.AuctionID), next.RequestID)
		pipe.SAdd(ctx, activeQueues, next.AuctionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue request %s: %w", req.RequestID, err)
	}
	*req = next
	return nil
}

// DeadLetter marks a request FAILED and records it for inspection.
func (q *BidQueue) DeadLetter(ctx context.Context, req *domain.QueuedRequest, reason string) error {
	req.Status = domain.RequestFailed
	req.Error = reason
	req.UpdatedAt = q.now()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, metaKey(req.RequestID), data, q.statusTTL)
		pipe.RPush(ctx, deadLetters, req.RequestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter request %s: %w", req.RequestID, err)
	}
	return nil
}

func (q *BidQueue) DeadLetters(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, deadLetters, 0, -1).Result()
}

// ActiveAuctions lists auctions that may have pending requests.
func (q *BidQueue) ActiveAuctions(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, activeQueues).Result()
}

// Prune removes auctionID from the active set if its queue is empty.
func (q *BidQueue) Prune(ctx context.Context, auctionID string) (bool, error) {
	n, err := pruneScript.Run(ctx, q.client, []string{queueKey(auctionID), activeQueues}, auctionID).Int64()
	if err != nil {
		return false, fmt.Errorf("prune auction %s: %w", auctionID, err)
	}
	return n == 1, nil
}
