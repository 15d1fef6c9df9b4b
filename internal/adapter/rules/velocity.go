package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// VelocityStore keeps sliding-window counters in Redis sorted sets keyed by
// velocity:{window}:{subject}:{field}, scored by event timestamp. Reads run
// under a hard budget; on timeout the caller sees errVelocityTimeout and
// substitutes zero.
type VelocityStore struct {
	rdb         redis.UniversalClient
	kinds       map[string]string // field -> "sum" | "count"
	readTimeout time.Duration
}

// NewVelocityStore wires the counter store. kinds declares the aggregate per
// field (sum for amount-like fields, count for event counts).
func NewVelocityStore(rdb redis.UniversalClient, kinds map[string]string, readTimeout time.Duration) *VelocityStore {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Millisecond
	}
	return &VelocityStore{rdb: rdb, kinds: kinds, readTimeout: readTimeout}
}

func velocityKey(window time.Duration, subject, field string) string {
	return "velocity:" + windowLabel(window) + ":" + subject + ":" + field
}

func windowLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return strconv.Itoa(int(d/time.Minute)) + "m"
}

// Read returns the windowed aggregate for (subject, field).
func (s *VelocityStore) Read(ctx context.Context, window time.Duration, subject, field string) (float64, error) {
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	key := velocityKey(window, subject, field)
	min := strconv.FormatInt(time.Now().Add(-window).Unix(), 10)

	if s.kinds[field] == "sum" {
		members, err := s.rdb.ZRangeByScore(rctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return 0, mapVelocityErr(err)
		}
		var total float64
		for _, m := range members {
			total += memberDelta(m)
		}
		return total, nil
	}
	n, err := s.rdb.ZCount(rctx, key, min, "+inf").Result()
	if err != nil {
		return 0, mapVelocityErr(err)
	}
	return float64(n), nil
}

// Record adds one observation per (window, field) and trims expired members.
// Runs post-decision; failures are logged by the caller, never surfaced to
// the client.
func (s *VelocityStore) Record(ctx context.Context, subject string, ts time.Time, fields map[string]float64) error {
	if subject == "" {
		return nil
	}
	windows := []time.Duration{time.Hour, 24 * time.Hour}
	pipe := s.rdb.Pipeline()
	for _, w := range windows {
		cutoff := strconv.FormatInt(ts.Add(-w).Unix(), 10)
		for field, delta := range fields {
			key := velocityKey(w, subject, field)
			member := fmt.Sprintf("%d:%s:%s", ts.UnixNano(), uuid.NewString(),
				strconv.FormatFloat(delta, 'g', -1, 64))
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.Unix()), Member: member})
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			pipe.Expire(ctx, key, w)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=velocity.record: %w", err)
	}
	return nil
}

// memberDelta parses the trailing delta out of a "nanos:uuid:delta" member.
func memberDelta(m string) float64 {
	i := strings.LastIndexByte(m, ':')
	if i < 0 {
		return 0
	}
	f, err := strconv.ParseFloat(m[i+1:], 64)
	if err != nil {
		return 0
	}
	return f
}

func mapVelocityErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errVelocityTimeout, err)
	}
	return fmt.Errorf("op=velocity.read: %w", err)
}
