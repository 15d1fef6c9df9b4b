package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// MLProber is the slice of the scorer client readiness uses.
type MLProber interface {
	Ready(ctx context.Context) error
}

// RulesProber is the slice of the rules engine readiness uses.
type RulesProber interface {
	Ready(ctx context.Context) error
}

// BuildReadinessChecks returns the four checks the readiness endpoint
// aggregates: db, redis, ml, rules.
func BuildReadinessChecks(pool *pgxpool.Pool, rdb redis.UniversalClient, ml MLProber, rules RulesProber) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	mlCheck := func(ctx context.Context) error {
		if ml == nil {
			return fmt.Errorf("scorer not configured")
		}
		return ml.Ready(ctx)
	}
	rulesCheck := func(ctx context.Context) error {
		if rules == nil {
			return fmt.Errorf("rules engine not configured")
		}
		return rules.Ready(ctx)
	}
	return dbCheck, redisCheck, mlCheck, rulesCheck
}
