// Package kv defines the key-value store contract shared by every shelf
// component, together with a Redis implementation and an in-memory one that
// honours the same semantics.
//
// Absent keys, fields and members are reported as (zero, false, nil); errors
// are reserved for transport or type failures.
package kv

import (
	"context"
	"time"
)

// Member is a sorted-set member with its score.
type Member struct {
	Member string
	Score  float64
}

// Store is the set of atomic primitives the daemons coordinate through.
// Rank arguments follow Redis conventions: negative indexes count from the end.
type Store interface {
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRank(ctx context.Context, key, member string) (int64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Member, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	// ZScale multiplies every score in key by factor.
	ZScale(ctx context.Context, key string, factor float64) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd reports whether member was newly added.
	SAdd(ctx context.Context, key, member string) (bool, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value with ttl only if key is absent and reports whether
	// it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Tx applies the writes queued by fn as a single atomic batch.
	// Nothing is applied if fn returns an error.
	Tx(ctx context.Context, fn func(p Pipe) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Pipe queues writes for Tx. Calls never fail individually; the batch either
// applies as a whole or Tx returns an error.
type Pipe interface {
	ZAdd(key, member string, score float64)
	ZIncrBy(key, member string, delta float64)
	ZRem(key string, members ...string)
	ZRemRangeByRank(key string, start, stop int64)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
}
