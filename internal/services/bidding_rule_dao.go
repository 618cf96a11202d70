package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"live-bidding/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	biddingRulesKey      = "bid_validation_rules"
	fallbackMinIncrement = 5.0
)

// Default increment tiers, keyed "low-high" or "low+" on the price.
var defaultIncrementTiers = map[string]float64{
	"0-100":   5.0,
	"100-500": 10.0,
	"500+":    25.0,
}

type incrementTier struct {
	from      float64
	to        float64
	increment float64
}

// RedisBiddingRules supplies the default minimum increment for auctions
// created without one. The tier table lives in Redis so every instance uses
// the same one; it is seeded with the defaults on first load.
type RedisBiddingRules struct {
	client *redis.Client

	mu    sync.RWMutex
	tiers []incrementTier
}

var _ domain.BiddingRule = (*RedisBiddingRules)(nil)

func NewRedisBiddingRules(client *redis.Client) *RedisBiddingRules {
	return &RedisBiddingRules{client: client}
}

func (r *RedisBiddingRules) LoadRules(ctx context.Context) error {
	data, err := r.client.Get(ctx, biddingRulesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		rules := domain.BidValidationRules{Rules: defaultIncrementTiers}
		encoded, err := json.Marshal(rules)
		if err != nil {
			return err
		}
		// SETNX so a concurrent instance's table wins over our defaults.
		if err := r.client.SetNX(ctx, biddingRulesKey, encoded, 0).Err(); err != nil {
			return fmt.Errorf("seed bidding rules: %w", err)
		}
		return r.LoadRules(ctx)
	}
	if err != nil {
		return fmt.Errorf("load bidding rules: %w", err)
	}

	var rules domain.BidValidationRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("decode bidding rules: %w", err)
	}
	tiers, err := parseTiers(rules.Rules)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tiers = tiers
	r.mu.Unlock()
	return nil
}

func (r *RedisBiddingRules) GetIncrementRule(amount float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tiers {
		if amount >= t.from && amount < t.to {
			return t.increment
		}
	}
	return fallbackMinIncrement
}

func (r *RedisBiddingRules) GetMinimumBid(currentAmount float64) float64 {
	return currentAmount + r.GetIncrementRule(currentAmount)
}

func parseTiers(rules map[string]float64) ([]incrementTier, error) {
	tiers := make([]incrementTier, 0, len(rules))
	for spec, inc := range rules {
		var t incrementTier
		var err error
		if low, ok := strings.CutSuffix(spec, "+"); ok {
			t.from, err = strconv.ParseFloat(low, 64)
			t.to = math.Inf(1)
		} else {
			low, high, found := strings.Cut(spec, "-")
			if !found {
				return nil, fmt.Errorf("bidding rule %q: want low-high or low+", spec)
			}
			if t.from, err = strconv.ParseFloat(low, 64); err == nil {
				t.to, err = strconv.ParseFloat(high, 64)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("bidding rule %q: %w", spec, err)
		}
		if inc <= 0 {
			return nil, fmt.Errorf("bidding rule %q: increment must be positive", spec)
		}
		t.increment = inc
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].from < tiers[j].from })
	return tiers, nil
}
