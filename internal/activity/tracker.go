// Package activity records session activity: the recency registry of tokens,
// each token's identity, recently viewed items and cart, plus the global
// popularity ranking of viewed items.
package activity

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kalambet/shelf/internal/kv"
)

const (
	loginKey   = "login:"
	recentKey  = "recent:"
	viewedKey  = "viewed:"
	cartKey    = "cart:"
	popularKey = "viewed:"

	// DefaultViewedCap is how many recently viewed items a session keeps.
	DefaultViewedCap = 25
)

// Tracker reads and writes session state in the store.
type Tracker struct {
	store     kv.Store
	viewedCap int64
	now       func() time.Time
}

// NewTracker returns a Tracker keeping at most viewedCap viewed items per
// session. If viewedCap is <= 0, it defaults to DefaultViewedCap.
func NewTracker(store kv.Store, viewedCap int) *Tracker {
	if viewedCap <= 0 {
		viewedCap = DefaultViewedCap
	}
	return &Tracker{store: store, viewedCap: int64(viewedCap), now: time.Now}
}

// WithClock returns a copy of t that reads time from now.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	cp := *t
	cp.now = now
	return &cp
}

func score(at time.Time) float64 {
	return float64(at.UnixNano()) / float64(time.Second)
}

// Touch records activity for token. When itemID is non-empty it is added to
// the session's viewed items, which are trimmed to the newest viewedCap, and
// the item's global popularity is bumped.
func (t *Tracker) Touch(ctx context.Context, token, identity, itemID string) error {
	if token == "" {
		return fmt.Errorf("session token is required")
	}
	now := score(t.now())
	err := t.store.Tx(ctx, func(p kv.Pipe) error {
		p.HSet(loginKey, token, identity)
		p.ZAdd(recentKey, token, now)
		if itemID != "" {
			p.ZAdd(viewedKey+token, itemID, now)
			p.ZRemRangeByRank(viewedKey+token, 0, -(t.viewedCap + 1))
			p.ZIncrBy(popularKey, itemID, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touching session %s: %w", token, err)
	}
	return nil
}

// SetCartItem sets the quantity of item in the session cart. A quantity <= 0
// removes the item.
func (t *Tracker) SetCartItem(ctx context.Context, token, item string, quantity int) error {
	if token == "" {
		return fmt.Errorf("session token is required")
	}
	var err error
	if quantity <= 0 {
		err = t.store.HDel(ctx, cartKey+token, item)
	} else {
		err = t.store.HSet(ctx, cartKey+token, item, strconv.Itoa(quantity))
	}
	if err != nil {
		return fmt.Errorf("updating cart for %s: %w", token, err)
	}
	return nil
}

// Size returns the number of sessions in the recency registry.
func (t *Tracker) Size(ctx context.Context) (int64, error) {
	n, err := t.store.ZCard(ctx, recentKey)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// OldestBatch returns up to maxCount tokens, least recently active first.
func (t *Tracker) OldestBatch(ctx context.Context, maxCount int64) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	ms, err := t.store.ZRangeWithScores(ctx, recentKey, 0, maxCount-1)
	if err != nil {
		return nil, fmt.Errorf("reading oldest sessions: %w", err)
	}
	tokens := make([]string, len(ms))
	for i, m := range ms {
		tokens[i] = m.Member
	}
	return tokens, nil
}

// Evict removes tokens and everything that belongs to them in one
// transaction. Carts are kept unless includeCart is set.
func (t *Tracker) Evict(ctx context.Context, tokens []string, includeCart bool) error {
	if len(tokens) == 0 {
		return nil
	}
	err := t.store.Tx(ctx, func(p kv.Pipe) error {
		keys := make([]string, 0, 2*len(tokens))
		for _, token := range tokens {
			keys = append(keys, viewedKey+token)
			if includeCart {
				keys = append(keys, cartKey+token)
			}
		}
		p.Del(keys...)
		p.HDel(loginKey, tokens...)
		p.ZRem(recentKey, tokens...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evicting %d sessions: %w", len(tokens), err)
	}
	return nil
}

// Identity returns the identity recorded for token.
func (t *Tracker) Identity(ctx context.Context, token string) (string, bool, error) {
	id, ok, err := t.store.HGet(ctx, loginKey, token)
	if err != nil {
		return "", false, fmt.Errorf("checking token %s: %w", token, err)
	}
	return id, ok, nil
}

// LastActive returns when token was last touched.
func (t *Tracker) LastActive(ctx context.Context, token string) (time.Time, bool, error) {
	s, ok, err := t.store.ZScore(ctx, recentKey, token)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second)))), true, nil
}

// Viewed returns the session's viewed items, most recent first.
func (t *Tracker) Viewed(ctx context.Context, token string) ([]string, error) {
	ms, err := t.store.ZRangeWithScores(ctx, viewedKey+token, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading viewed items for %s: %w", token, err)
	}
	items := make([]string, len(ms))
	for i, m := range ms {
		items[len(ms)-1-i] = m.Member
	}
	return items, nil
}

// Cart returns the session cart as item to quantity.
func (t *Tracker) Cart(ctx context.Context, token string) (map[string]int, error) {
	raw, err := t.store.HGetAll(ctx, cartKey+token)
	if err != nil {
		return nil, fmt.Errorf("reading cart for %s: %w", token, err)
	}
	cart := make(map[string]int, len(raw))
	for item, v := range raw {
		q, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing quantity of %s in cart %s: %w", item, token, err)
		}
		cart[item] = q
	}
	return cart, nil
}

// Rank returns the popularity rank of itemID; 0 is the most viewed.
func (t *Tracker) Rank(ctx context.Context, itemID string) (int64, bool, error) {
	r, ok, err := t.store.ZRank(ctx, popularKey, itemID)
	if err != nil {
		return 0, false, fmt.Errorf("ranking item %s: %w", itemID, err)
	}
	return r, ok, nil
}

// Popular returns up to limit item ids, most viewed first.
func (t *Tracker) Popular(ctx context.Context, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ms, err := t.store.ZRangeWithScores(ctx, popularKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("reading popular items: %w", err)
	}
	items := make([]string, len(ms))
	for i, m := range ms {
		items[i] = m.Member
	}
	return items, nil
}

// TrimPopular keeps the keepTop most viewed items and scales the remaining
// scores by factor so that old views decay.
func (t *Tracker) TrimPopular(ctx context.Context, keepTop int64, factor float64) error {
	if err := t.store.ZRemRangeByRank(ctx, popularKey, keepTop, -1); err != nil {
		return fmt.Errorf("trimming popular items: %w", err)
	}
	if err := t.store.ZScale(ctx, popularKey, factor); err != nil {
		return fmt.Errorf("rescaling popular items: %w", err)
	}
	return nil
}
