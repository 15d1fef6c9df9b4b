// Package idempotency provides the Redis-backed idempotency store.
//
// A reservation is a SETNX of a sentinel value under the composite
// (tenant, idempotency key). Finalize replaces the sentinel with the real
// decision id via a Lua compare-and-set, so concurrent duplicates converge
// on a single canonical decision id.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/safeguardai/decision-engine/internal/domain"
)

const (
	keyPrefix      = "idem:"
	sentinelPrefix = "pending:"
)

// finalizeScript swaps the sentinel for the decision id. If another request
// already finalized, the stored id wins and is returned unchanged.
var finalizeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or string.sub(v, 1, string.len(ARGV[3])) == ARGV[3] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return ARGV[1]
end
return v
`)

// Store implements domain.IdempotencyStore on Redis.
type Store struct {
	rdb redis.UniversalClient
}

// New constructs a Store with the given client.
func New(rdb redis.UniversalClient) *Store { return &Store{rdb: rdb} }

// Reserve attempts to claim the key. A live sentinel left by a concurrent
// request is treated as Fresh: double scoring within one round trip is
// tolerated, Finalize resolves the winner.
func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (domain.Reservation, error) {
	sentinel := sentinelPrefix + uuid.New().String()
	ok, err := s.rdb.SetNX(ctx, keyPrefix+key, sentinel, ttl).Result()
	if err != nil {
		return domain.Reservation{State: domain.ReservationUnavailable}, fmt.Errorf("op=idempotency.reserve: %w: %w", domain.ErrIdempotencyUnavailable, err)
	}
	if ok {
		return domain.Reservation{State: domain.ReservationFresh}, nil
	}
	val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; score anyway, Finalize settles it.
			return domain.Reservation{State: domain.ReservationFresh}, nil
		}
		return domain.Reservation{State: domain.ReservationUnavailable}, fmt.Errorf("op=idempotency.reserve: %w: %w", domain.ErrIdempotencyUnavailable, err)
	}
	if strings.HasPrefix(val, sentinelPrefix) {
		slog.Debug("idempotency reservation in flight, double scoring tolerated", slog.String("key", key))
		return domain.Reservation{State: domain.ReservationFresh}, nil
	}
	return domain.Reservation{State: domain.ReservationExisting, DecisionID: val}, nil
}

// Finalize replaces the sentinel with decisionID under the same TTL and
// returns the canonical id.
func (s *Store) Finalize(ctx context.Context, key, decisionID string, ttl time.Duration) (string, error) {
	res, err := finalizeScript.Run(ctx, s.rdb, []string{keyPrefix + key}, decisionID, ttl.Milliseconds(), sentinelPrefix).Result()
	if err != nil {
		return "", fmt.Errorf("op=idempotency.finalize: %w: %w", domain.ErrIdempotencyUnavailable, err)
	}
	canonical, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("op=idempotency.finalize: unexpected script result %T", res)
	}
	return canonical, nil
}

// Lookup returns the finalized decision id for key, or ErrNotFound when the
// key is absent or still holds a reservation sentinel.
func (s *Store) Lookup(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("op=idempotency.lookup: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=idempotency.lookup: %w: %w", domain.ErrIdempotencyUnavailable, err)
	}
	if strings.HasPrefix(val, sentinelPrefix) {
		return "", fmt.Errorf("op=idempotency.lookup: %w", domain.ErrNotFound)
	}
	return val, nil
}
