// Package reqcache serves page responses from a TTL-bound cache when the
// requested item is popular enough to be worth caching.
package reqcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/shelf/internal/kv"
)

const (
	entryKey   = "cache:"
	noCacheKey = "cache:nocache:"

	// ItemParam names the query parameter carrying the item id.
	ItemParam = "item"
	// BustParam marks a request as dynamic when present.
	BustParam = "_"
)

// ComputeFunc renders the response for request.
type ComputeFunc func(ctx context.Context, request string) (string, error)

// Ranker reports an item's popularity rank; rank 0 is the most popular.
type Ranker interface {
	Rank(ctx context.Context, itemID string) (int64, bool, error)
}

// Config controls caching.
type Config struct {
	// RankThreshold is the first rank that is not cached. Defaults to 10000.
	RankThreshold int64
	// TTL bounds the life of a cached response. Defaults to 300s.
	TTL time.Duration
}

// Cache decides whether requests are cacheable and serves them.
type Cache struct {
	store  kv.Store
	ranker Ranker
	cfg    Config
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for degraded lookups.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Cache. ranker is usually an *activity.Tracker.
func New(store kv.Store, ranker Ranker, cfg Config, opts ...Option) *Cache {
	if cfg.RankThreshold <= 0 {
		cfg.RankThreshold = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	c := &Cache{store: store, ranker: ranker, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Eligible reports whether request may be served from cache. Unparseable
// requests and store failures are treated as not eligible.
func (c *Cache) Eligible(ctx context.Context, request string) bool {
	u, err := url.Parse(request)
	if err != nil {
		return false
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return false
	}
	if _, ok := q[BustParam]; ok {
		return false
	}
	item := q.Get(ItemParam)
	if item == "" {
		return false
	}

	excluded, err := c.store.SIsMember(ctx, noCacheKey, item)
	if err != nil {
		c.logger.Warn("cache eligibility check failed", "item", item, "error", err)
		return false
	}
	if excluded {
		return false
	}

	rank, ok, err := c.ranker.Rank(ctx, item)
	if err != nil {
		c.logger.Warn("cache eligibility check failed", "item", item, "error", err)
		return false
	}
	return ok && rank < c.cfg.RankThreshold
}

// Serve returns the response for request and whether one was produced.
// Ineligible requests always go to compute and are never cached. Eligible
// requests are served from cache when possible; on a miss compute runs and its
// result is stored for the configured TTL. A nil compute on a miss yields no
// result and writes nothing. Compute errors are returned and never cached.
func (c *Cache) Serve(ctx context.Context, request string, compute ComputeFunc) (string, bool, error) {
	if !c.Eligible(ctx, request) {
		return c.compute(ctx, request, compute)
	}

	key, err := Key(request)
	if err != nil {
		return c.compute(ctx, request, compute)
	}

	body, hit, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
		return c.compute(ctx, request, compute)
	}
	if hit {
		return body, true, nil
	}

	body, ok, err := c.compute(ctx, request, compute)
	if err != nil || !ok {
		return body, ok, err
	}
	if err := c.store.Set(ctx, key, body, c.cfg.TTL); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return body, true, nil
}

func (c *Cache) compute(ctx context.Context, request string, compute ComputeFunc) (string, bool, error) {
	if compute == nil {
		return "", false, nil
	}
	body, err := compute(ctx, request)
	if err != nil {
		return "", false, fmt.Errorf("computing response: %w", err)
	}
	return body, true, nil
}

// Exclude keeps item out of the cache regardless of its rank.
func (c *Cache) Exclude(ctx context.Context, item string) error {
	if _, err := c.store.SAdd(ctx, noCacheKey, item); err != nil {
		return fmt.Errorf("excluding %s from cache: %w", item, err)
	}
	return nil
}

// Invalidate drops the cached response for request.
func (c *Cache) Invalidate(ctx context.Context, request string) error {
	key, err := Key(request)
	if err != nil {
		return err
	}
	if err := c.store.Del(ctx, key); err != nil {
		return fmt.Errorf("invalidating %s: %w", request, err)
	}
	return nil
}

// Key returns the cache key for request. Requests that differ only in scheme
// or host case, or in query parameter order, share a key.
func Key(request string) (string, error) {
	n, err := Normalize(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(n))
	return entryKey + hex.EncodeToString(sum[:]), nil
}

// Normalize lowercases the scheme and host of request, sorts its query
// parameters and drops any fragment.
func Normalize(request string) (string, error) {
	u, err := url.Parse(request)
	if err != nil {
		return "", fmt.Errorf("parsing request %q: %w", request, err)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parsing query of %q: %w", request, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = q.Encode()
	return u.String(), nil
}
