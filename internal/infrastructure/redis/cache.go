package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"live-bidding/internal/metrics"
	"live-bidding/pkg/logger"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"
)

// generationTTL bounds how long an invalidation fences out in-flight fills.
const generationTTL = time.Hour

// fillScript stores a freshly fetched value only if no invalidation happened
// since the fetch began.
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2])
if gen == false then gen = "0" end
if gen == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`)

// EntitySource loads entities from the authoritative store.
type EntitySource[T any] interface {
	Prefix() string
	Fetch(ctx context.Context, id string) (*T, error)
	// FetchMany omits ids that do not exist.
	FetchMany(ctx context.Context, ids []string) (map[string]*T, error)
	ID(entity *T) string
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ReadThroughCache serves JSON snapshots from Redis and fills misses from an
// EntitySource. It never writes to the source.
type ReadThroughCache[T any] struct {
	client  *redis.Client
	source  EntitySource[T]
	ttl     time.Duration
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
	metrics *metrics.Metrics
	log     logger.Logger
}

func NewReadThroughCache[T any](client *redis.Client, source EntitySource[T], ttl time.Duration,
	m *metrics.Metrics, log logger.Logger) *ReadThroughCache[T] {
	return &ReadThroughCache[T]{
		client:  client,
		source:  source,
		ttl:     ttl,
		metrics: m,
		log:     log,
	}
}

func (c *ReadThroughCache[T]) key(id string) string    { return cacheKey(c.source.Prefix(), id) }
func (c *ReadThroughCache[T]) genKey(id string) string { return generationKey(c.source.Prefix(), id) }

func (c *ReadThroughCache[T]) hit() {
	c.hits.Add(1)
	c.metrics.CacheLookup(c.source.Prefix(), true)
}

func (c *ReadThroughCache[T]) miss() {
	c.misses.Add(1)
	c.metrics.CacheLookup(c.source.Prefix(), false)
}

func (c *ReadThroughCache[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var v T
		if uerr := json.Unmarshal(data, &v); uerr == nil {
			c.hit()
			return &v, nil
		}
		c.log.Warn("Discarding undecodable cache entry", "key", c.key(id))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("Cache read failed, falling back to store", "key", c.key(id), "error", err)
	}
	c.miss()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		gen, err := c.generation(ctx, id)
		if err != nil {
			return nil, err
		}
		entity, err := c.source.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, c.client, id, gen, entity)
		return entity, nil
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*T)
	return &out, nil
}

// GetMany returns the entities that exist, in the order of ids. Misses are
// loaded with a single FetchMany call.
func (c *ReadThroughCache[T]) GetMany(ctx context.Context, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}

	found := make(map[string]*T, len(ids))
	var missing []string

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("Cache batch read failed, falling back to store", "count", len(ids), "error", err)
		vals = make([]interface{}, len(ids))
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if ok {
			var v T
			if json.Unmarshal([]byte(s), &v) == nil {
				c.hit()
				found[ids[i]] = &v
				continue
			}
		}
		c.miss()
		missing = append(missing, ids[i])
	}

	if len(missing) > 0 {
		fetched, err := c.load(ctx, missing)
		if err != nil {
			return nil, err
		}
		for id, entity := range fetched {
			found[id] = entity
		}
	}

	out := make([]*T, 0, len(found))
	for _, id := range ids {
		if v, ok := found[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *ReadThroughCache[T]) Invalidate(ctx context.Context, id string) error {
	return c.InvalidateMany(ctx, []string{id})
}

// InvalidateMany deletes snapshots and bumps their generations so fills that
// started earlier are discarded.
func (c *ReadThroughCache[T]) InvalidateMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			c.invalidateIn(ctx, pipe, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate %s cache: %w", c.source.Prefix(), err)
	}
	return nil
}

func (c *ReadThroughCache[T]) invalidateIn(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.Del(ctx, c.key(id))
	pipe.Incr(ctx, c.genKey(id))
	pipe.Expire(ctx, c.genKey(id), generationTTL)
}

// Reload reads ids from the source and caches them, skipping any id that was
// invalidated while the read was in flight. It returns how many entities the
// source had.
func (c *ReadThroughCache[T]) Reload(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	fetched, err := c.load(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("reload %s cache: %w", c.source.Prefix(), err)
	}
	return len(fetched), nil
}

// load fetches ids in one batch and fills the cache with generation fencing.
// The generations are read before the fetch, so a commit that lands in
// between wins over the snapshot.
func (c *ReadThroughCache[T]) load(ctx context.Context, ids []string) (map[string]*T, error) {
	gens, err := c.generations(ctx, ids)
	if err != nil {
		return nil, err
	}
	fetched, err := c.source.FetchMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, entity := range fetched {
			c.fill(ctx, pipe, id, gens[id], entity)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Cache batch fill failed", "count", len(fetched), "error", err)
	}
	return fetched, nil
}

// Warm writes snapshots unconditionally. Use it only for entities nobody else
// can have written yet; Reload is the safe way to refresh existing ones.
func (c *ReadThroughCache[T]) Warm(ctx context.Context, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entity := range entities {
			data, err := json.Marshal(entity)
			if err != nil {
				return err
			}
			pipe.Set(ctx, c.key(c.source.ID(entity)), data, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("warm %s cache: %w", c.source.Prefix(), err)
	}
	return nil
}

func (c *ReadThroughCache[T]) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *ReadThroughCache[T]) generation(ctx context.Context, id string) (string, error) {
	gen, err := c.client.Get(ctx, c.genKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (c *ReadThroughCache[T]) generations(ctx context.Context, ids []string) (map[string]string, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.genKey(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	gens := make(map[string]string, len(ids))
	for i, raw := range vals {
		gen, ok := raw.(string)
		if !ok {
			gen = "0"
		}
		gens[ids[i]] = gen
	}
	return gens, nil
}

type scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
}

func (c *ReadThroughCache[T]) fill(ctx context.Context, s scripter, id, gen string, entity *T) {
	data, err := json.Marshal(entity)
	if err != nil {
		c.log.Warn("Failed to encode cache entry", "key", c.key(id), "error", err)
		return
	}
	err = fillScript.Eval(ctx, s, []string{c.key(id), c.genKey(id)}, gen, data, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("Failed to fill cache entry", "key", c.key(id), "error", err)
	}
}
