package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a connection opened by OpenRedis.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on top of a go-redis client.
// Every key is namespaced with prefix so several deployments can share a database.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix leaves keys untouched.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// OpenRedis dials a dedicated client and verifies it with PING.
// Each daemon opens its own connection this way.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, opts.Prefix), nil
}

func (s *RedisStore) k(key string) string {
	return s.prefix + key
}

func (s *RedisStore) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = s.k(key)
	}
	return out
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatBound(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func members(zs []redis.Z) []Member {
	out := make([]Member, len(zs))
	for i, z := range zs {
		out[i] = Member{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, s.k(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, s.k(key), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	return score, true, nil
}

func (s *RedisStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, s.k(key), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zrank %s: %w", key, err)
	}
	return rank, true, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	score, err := s.client.ZIncrBy(ctx, s.k(key), delta, member).Result()
	if err != nil {
		return 0, fmt.Errorf("zincrby %s: %w", key, err)
	}
	return score, nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.k(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return members(zs), nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Member, error) {
	by := &redis.ZRangeBy{Min: formatBound(min), Max: formatBound(max)}
	if limit > 0 {
		by.Count = limit
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.k(key), by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members(zs), nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.ZRem(ctx, s.k(key), toAny(members)...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.ZRemRangeByRank(ctx, s.k(key), start, stop).Err(); err != nil {
		return fmt.Errorf("zremrangebyrank %s: %w", key, err)
	}
	return nil
}

// ZScale rewrites key in place with ZINTERSTORE over itself using a weight.
func (s *RedisStore) ZScale(ctx context.Context, key string, factor float64) error {
	full := s.k(key)
	err := s.client.ZInterStore(ctx, full, &redis.ZStore{
		Keys:    []string{full},
		Weights: []float64{factor},
	}).Err()
	if err != nil {
		return fmt.Errorf("zinterstore %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.k(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.k(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, s.k(key), field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.k(key), fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.k(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.k(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.keys(keys)...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Tx sends the queued writes inside MULTI/EXEC.
func (s *RedisStore) Tx(ctx context.Context, fn func(p Pipe) error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&redisPipe{ctx: ctx, pipe: pipe, store: s})
	})
	if err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisPipe struct {
	ctx   context.Context
	pipe  redis.Pipeliner
	store *RedisStore
}

func (p *redisPipe) ZAdd(key, member string, score float64) {
	p.pipe.ZAdd(p.ctx, p.store.k(key), redis.Z{Score: score, Member: member})
}

func (p *redisPipe) ZIncrBy(key, member string, delta float64) {
	p.pipe.ZIncrBy(p.ctx, p.store.k(key), delta, member)
}

func (p *redisPipe) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.pipe.ZRem(p.ctx, p.store.k(key), toAny(members)...)
}

func (p *redisPipe) ZRemRangeByRank(key string, start, stop int64) {
	p.pipe.ZRemRangeByRank(p.ctx, p.store.k(key), start, stop)
}

func (p *redisPipe) HSet(key, field, value string) {
	p.pipe.HSet(p.ctx, p.store.k(key), field, value)
}

func (p *redisPipe) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	p.pipe.HDel(p.ctx, p.store.k(key), fields...)
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	p.pipe.Set(p.ctx, p.store.k(key), value, ttl)
}

func (p *redisPipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.pipe.Del(p.ctx, p.store.keys(keys)...)
}

var _ Store = (*RedisStore)(nil)
