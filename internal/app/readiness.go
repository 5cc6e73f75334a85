package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BusChecker reports whether the broker connection pool can produce a live
// connection.
type BusChecker interface{ Check(ctx context.Context) error }

// BuildReadinessChecks returns the readiness probes for the database, the
// message bus and Redis.
func BuildReadinessChecks(pool Pinger, bus BusChecker, rdb RedisClient) (
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
	busCheck := func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("bus not configured")
		}
		return bus.Check(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	return dbCheck, busCheck, redisCheck
}
