package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

var errInjected = errors.New("injected redis failure")

// failHook fails the next `times` single commands named cmd whose key starts
// with prefix. Pipelines are never failed.
type failHook struct {
	cmd    string
	prefix string

	mu    sync.Mutex
	times int
	hits  int
}

func (h *failHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	args := cmd.Args()
	if cmd.Name() != h.cmd || len(args) < 2 {
		return ctx, nil
	}
	if key, _ := args[1].(string); !strings.HasPrefix(key, h.prefix) {
		return ctx, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.times == 0 {
		return ctx, nil
	}
	h.times--
	h.hits++
	return ctx, errInjected
}

func (h *failHook) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (h *failHook) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *failHook) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func (h *failHook) failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits
}
