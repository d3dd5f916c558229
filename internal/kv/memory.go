package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrWrongType is returned when an operation targets a key holding another kind of value.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Memory is an in-process Store. A single mutex makes every call, and every
// Tx batch, atomic. Expired keys are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	clock   func() time.Time
	strings map[string]string
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expires map[string]time.Time
}

// NewMemory returns an empty in-memory store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an empty in-memory store whose expiry decisions
// use clock. Tests use it to step over TTLs without sleeping.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{
		clock:   clock,
		strings: make(map[string]string),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
	}
}

// expire drops key if its deadline has passed. Callers hold mu.
func (m *Memory) expire(key string) {
	deadline, ok := m.expires[key]
	if !ok || m.clock().Before(deadline) {
		return
	}
	m.del(key)
}

func (m *Memory) del(key string) {
	delete(m.strings, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.expires, key)
}

func (m *Memory) exists(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	_, ok := m.sets[key]
	return ok
}

func (m *Memory) zset(key string, create bool) (map[string]float64, error) {
	m.expire(key)
	if z, ok := m.zsets[key]; ok {
		return z, nil
	}
	if m.exists(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrWrongType)
	}
	if !create {
		return nil, nil
	}
	z := make(map[string]float64)
	m.zsets[key] = z
	return z, nil
}

func (m *Memory) hash(key string, create bool) (map[string]string, error) {
	m.expire(key)
	if h, ok := m.hashes[key]; ok {
		return h, nil
	}
	if m.exists(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrWrongType)
	}
	if !create {
		return nil, nil
	}
	h := make(map[string]string)
	m.hashes[key] = h
	return h, nil
}

func (m *Memory) set(key string, create bool) (map[string]struct{}, error) {
	m.expire(key)
	if s, ok := m.sets[key]; ok {
		return s, nil
	}
	if m.exists(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrWrongType)
	}
	if !create {
		return nil, nil
	}
	s := make(map[string]struct{})
	m.sets[key] = s
	return s, nil
}

func (m *Memory) str(key string) (string, bool, error) {
	m.expire(key)
	if v, ok := m.strings[key]; ok {
		return v, true, nil
	}
	if m.exists(key) {
		return "", false, fmt.Errorf("%s: %w", key, ErrWrongType)
	}
	return "", false, nil
}

// sorted returns z's members ordered by score, then member, as Redis does.
func sorted(z map[string]float64) []Member {
	out := make([]Member, 0, len(z))
	for member, score := range z {
		out = append(out, Member{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// rankBounds converts Redis-style start/stop indexes into a half-open [lo, hi)
// slice range over n elements.
func rankBounds(n int, start, stop int64) (int, int) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0
	}
	return int(start), int(stop) + 1
}

// --- write helpers shared by direct calls and Tx; callers hold mu ---

func (m *Memory) zadd(key, member string, score float64) error {
	z, err := m.zset(key, true)
	if err != nil {
		return err
	}
	z[member] = score
	return nil
}

func (m *Memory) zincrby(key, member string, delta float64) (float64, error) {
	z, err := m.zset(key, true)
	if err != nil {
		return 0, err
	}
	z[member] += delta
	return z[member], nil
}

func (m *Memory) zrem(key string, members ...string) error {
	z, err := m.zset(key, false)
	if err != nil || z == nil {
		return err
	}
	for _, member := range members {
		delete(z, member)
	}
	if len(z) == 0 {
		m.del(key)
	}
	return nil
}

func (m *Memory) zremrangebyrank(key string, start, stop int64) error {
	z, err := m.zset(key, false)
	if err != nil || z == nil {
		return err
	}
	all := sorted(z)
	lo, hi := rankBounds(len(all), start, stop)
	for _, member := range all[lo:hi] {
		delete(z, member.Member)
	}
	if len(z) == 0 {
		m.del(key)
	}
	return nil
}

func (m *Memory) hset(key, field, value string) error {
	h, err := m.hash(key, true)
	if err != nil {
		return err
	}
	h[field] = value
	return nil
}

func (m *Memory) hdel(key string, fields ...string) error {
	h, err := m.hash(key, false)
	if err != nil || h == nil {
		return err
	}
	for _, field := range fields {
		delete(h, field)
	}
	if len(h) == 0 {
		m.del(key)
	}
	return nil
}

func (m *Memory) setString(key, value string, ttl time.Duration) {
	m.del(key)
	m.strings[key] = value
	if ttl > 0 {
		m.expires[key] = m.clock().Add(ttl)
	}
}

// --- Store ---

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zadd(key, member, score)
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return 0, false, err
	}
	score, ok := z[member]
	return score, ok, nil
}

func (m *Memory) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return 0, false, err
	}
	if _, ok := z[member]; !ok {
		return 0, false, nil
	}
	for i, mem := range sorted(z) {
		if mem.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return 0, err
	}
	return int64(len(z)), nil
}

func (m *Memory) ZIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zincrby(key, member, delta)
}

func (m *Memory) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return nil, err
	}
	all := sorted(z)
	lo, hi := rankBounds(len(all), start, stop)
	return append([]Member(nil), all[lo:hi]...), nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return nil, err
	}
	var out []Member
	for _, mem := range sorted(z) {
		if mem.Score < min || mem.Score > max {
			continue
		}
		out = append(out, mem)
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zrem(key, members...)
}

func (m *Memory) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zremrangebyrank(key, start, stop)
}

func (m *Memory) ZScale(_ context.Context, key string, factor float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zset(key, false)
	if err != nil {
		return err
	}
	for member, score := range z {
		z[member] = score * factor
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.hash(key, false)
	if err != nil {
		return "", false, err
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.hash(key, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hset(key, field, value)
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdel(key, fields...)
}

func (m *Memory) SAdd(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.set(key, true)
	if err != nil {
		return false, err
	}
	if _, ok := s[member]; ok {
		return false, nil
	}
	s[member] = struct{}{}
	return true, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.set(key, false)
	if err != nil {
		return false, err
	}
	_, ok := s[member]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.str(key)
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setString(key, value, ttl)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.str(key)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
	}
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	if m.exists(key) {
		return false, nil
	}
	m.setString(key, value, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.del(key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	return m.exists(key), nil
}

func (m *Memory) Tx(_ context.Context, fn func(p Pipe) error) error {
	p := &memoryPipe{}
	if err := fn(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range p.ops {
		if err := op(m); err != nil {
			return fmt.Errorf("applying batch: %w", err)
		}
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type memoryPipe struct {
	ops []func(m *Memory) error
}

func (p *memoryPipe) ZAdd(key, member string, score float64) {
	p.ops = append(p.ops, func(m *Memory) error { return m.zadd(key, member, score) })
}

func (p *memoryPipe) ZIncrBy(key, member string, delta float64) {
	p.ops = append(p.ops, func(m *Memory) error {
		_, err := m.zincrby(key, member, delta)
		return err
	})
}

func (p *memoryPipe) ZRem(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) error { return m.zrem(key, members...) })
}

func (p *memoryPipe) ZRemRangeByRank(key string, start, stop int64) {
	p.ops = append(p.ops, func(m *Memory) error { return m.zremrangebyrank(key, start, stop) })
}

func (p *memoryPipe) HSet(key, field, value string) {
	p.ops = append(p.ops, func(m *Memory) error { return m.hset(key, field, value) })
}

func (p *memoryPipe) HDel(key string, fields ...string) {
	p.ops = append(p.ops, func(m *Memory) error { return m.hdel(key, fields...) })
}

func (p *memoryPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(m *Memory) error {
		m.setString(key, value, ttl)
		return nil
	})
}

func (p *memoryPipe) Del(keys ...string) {
	p.ops = append(p.ops, func(m *Memory) error {
		for _, key := range keys {
			m.del(key)
		}
		return nil
	})
}

var _ Store = (*Memory)(nil)
