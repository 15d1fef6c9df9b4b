package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// ListChecker answers allow/deny membership against Redis sets
// (list:{type}:{kind}). Misses are cached for a short interval to cap the
// lookup rate under repeated traffic from the same principal.
type ListChecker struct {
	rdb      redis.UniversalClient
	negTTL   time.Duration
	mu       sync.RWMutex
	negative map[string]time.Time
}

// NewListChecker wires the checker. negTTL defaults to one second.
func NewListChecker(rdb redis.UniversalClient, negTTL time.Duration) *ListChecker {
	if negTTL <= 0 {
		negTTL = time.Second
	}
	return &ListChecker{rdb: rdb, negTTL: negTTL, negative: make(map[string]time.Time)}
}

func listKey(listType, kind string) string { return "list:" + listType + ":" + kind }

// IsMember reports whether value is a live member of the named list.
func (c *ListChecker) IsMember(ctx context.Context, listType, kind, value string) (bool, error) {
	cacheKey := listType + ":" + kind + ":" + value
	c.mu.RLock()
	until, cached := c.negative[cacheKey]
	c.mu.RUnlock()
	if cached && time.Now().Before(until) {
		return false, nil
	}

	ok, err := c.rdb.SIsMember(ctx, listKey(listType, kind), value).Result()
	if err != nil {
		return false, fmt.Errorf("op=list.member: %w", err)
	}
	if !ok {
		c.mu.Lock()
		c.negative[cacheKey] = time.Now().Add(c.negTTL)
		// keep the cache bounded under churn
		if len(c.negative) > 65536 {
			c.negative = make(map[string]time.Time)
		}
		c.mu.Unlock()
	}
	return ok, nil
}

// Seed replaces the Redis sets with the given entries; called at startup
// from the repository snapshot. Expired entries are skipped.
func (c *ListChecker) Seed(ctx context.Context, entries []domain.ListEntry) error {
	grouped := make(map[string][]any)
	now := time.Now()
	for _, e := range entries {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			continue
		}
		k := listKey(e.ListType, e.Kind)
		grouped[k] = append(grouped[k], e.Value)
	}
	pipe := c.rdb.Pipeline()
	for key, members := range grouped {
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=list.seed: %w", err)
	}
	c.mu.Lock()
	c.negative = make(map[string]time.Time)
	c.mu.Unlock()
	return nil
}
