package reqcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/shelf/internal/kv"
)

type mockRanker struct {
	ranks map[string]int64
	err   error
}

func (m mockRanker) Rank(_ context.Context, item string) (int64, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	r, ok := m.ranks[item]
	return r, ok, nil
}

func newTestCache(t *testing.T, ranks map[string]int64) (*Cache, *kv.Memory, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	store := kv.NewMemoryWithClock(func() time.Time { return now })
	return New(store, mockRanker{ranks: ranks}, Config{}), store, &now
}

func countingCompute(calls *atomic.Int32) ComputeFunc {
	return func(_ context.Context, request string) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("body %d for %s", n, request), nil
	}
}

func TestEligible(t *testing.T) {
	c, _, _ := newTestCache(t, map[string]int64{"hot": 0, "tail": 10000, "edge": 9999})
	ctx := context.Background()

	tests := []struct {
		name    string
		request string
		want    bool
	}{
		{"popular item", "http://shop.test/view?item=hot", true},
		{"just under threshold", "http://shop.test/view?item=edge", true},
		{"at threshold", "http://shop.test/view?item=tail", false},
		{"unranked item", "http://shop.test/view?item=unknown", false},
		{"no item", "http://shop.test/view?page=2", false},
		{"empty item", "http://shop.test/view?item=", false},
		{"cache busting", "http://shop.test/view?item=hot&_=12345", false},
		{"empty cache busting", "http://shop.test/view?item=hot&_", false},
		{"malformed url", "http://shop.test/%zz?item=hot", false},
		{"malformed query", "http://shop.test/view?item=hot&x=%zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Eligible(ctx, tt.request); got != tt.want {
				t.Errorf("Eligible(%q) = %v, want %v", tt.request, got, tt.want)
			}
		})
	}
}

func TestEligible_ExcludedItem(t *testing.T) {
	c, _, _ := newTestCache(t, map[string]int64{"hot": 0})
	ctx := context.Background()

	if err := c.Exclude(ctx, "hot"); err != nil {
		t.Fatal(err)
	}
	if c.Eligible(ctx, "http://shop.test/view?item=hot") {
		t.Error("excluded item is eligible")
	}
}

func TestEligible_RankerErrorIsNotEligible(t *testing.T) {
	store := kv.NewMemory()
	c := New(store, mockRanker{err: errors.New("timeout")}, Config{})
	if c.Eligible(context.Background(), "http://shop.test/view?item=hot") {
		t.Error("ranker failure produced eligibility")
	}
}

func TestEligible_RankerErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := New(kv.NewMemory(), mockRanker{err: errors.New("timeout")}, Config{}, WithLogger(logger))

	c.Eligible(context.Background(), "http://shop.test/view?item=hot")
	if !strings.Contains(buf.String(), "cache eligibility check failed") {
		t.Errorf("log = %q, want eligibility warning", buf.String())
	}
}

func TestEligible_CustomThreshold(t *testing.T) {
	store := kv.NewMemory()
	c := New(store, mockRanker{ranks: map[string]int64{"a": 3}}, Config{RankThreshold: 3})
	if c.Eligible(context.Background(), "http://shop.test/?item=a") {
		t.Error("rank 3 eligible with threshold 3")
	}
}

func TestServe_CachesEligibleRequests(t *testing.T) {
	c, _, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	var calls atomic.Int32
	req := "http://shop.test/view?item=hot"

	first, ok, err := c.Serve(ctx, req, countingCompute(&calls))
	if err != nil || !ok {
		t.Fatalf("Serve = %v, %v", ok, err)
	}
	second, ok, err := c.Serve(ctx, req, countingCompute(&calls))
	if err != nil || !ok {
		t.Fatalf("Serve = %v, %v", ok, err)
	}

	if calls.Load() != 1 {
		t.Errorf("compute calls = %d, want 1", calls.Load())
	}
	if first != second {
		t.Errorf("responses differ: %q vs %q", first, second)
	}
}

func TestServe_EntryExpires(t *testing.T) {
	c, _, now := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	var calls atomic.Int32
	req := "http://shop.test/view?item=hot"

	c.Serve(ctx, req, countingCompute(&calls))
	*now = now.Add(299 * time.Second)
	c.Serve(ctx, req, countingCompute(&calls))
	if calls.Load() != 1 {
		t.Fatalf("compute calls inside TTL = %d, want 1", calls.Load())
	}

	*now = now.Add(2 * time.Second)
	body, _, _ := c.Serve(ctx, req, countingCompute(&calls))
	if calls.Load() != 2 {
		t.Errorf("compute calls after TTL = %d, want 2", calls.Load())
	}
	if body != "body 2 for "+req {
		t.Errorf("body = %q", body)
	}
}

func TestServe_IneligibleAlwaysComputes(t *testing.T) {
	c, store, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	var calls atomic.Int32
	req := "http://shop.test/view?item=hot&_=1"

	for i := 0; i < 3; i++ {
		if _, ok, err := c.Serve(ctx, req, countingCompute(&calls)); err != nil || !ok {
			t.Fatalf("Serve = %v, %v", ok, err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("compute calls = %d, want 3", calls.Load())
	}
	key, _ := Key(req)
	if ok, _ := store.Exists(ctx, key); ok {
		t.Error("ineligible response was cached")
	}
}

func TestServe_NilComputeOnMissWritesNothing(t *testing.T) {
	c, store, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	req := "http://shop.test/view?item=hot"

	body, ok, err := c.Serve(ctx, req, nil)
	if err != nil || ok || body != "" {
		t.Fatalf("Serve(nil) = %q, %v, %v; want no result", body, ok, err)
	}
	key, _ := Key(req)
	if ok, _ := store.Exists(ctx, key); ok {
		t.Error("nil compute wrote an entry")
	}

	var calls atomic.Int32
	c.Serve(ctx, req, countingCompute(&calls))
	body, ok, _ = c.Serve(ctx, req, nil)
	if !ok || body == "" {
		t.Error("nil compute should still be served from a warm cache")
	}
}

func TestServe_ComputeErrorNotCached(t *testing.T) {
	c, store, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	req := "http://shop.test/view?item=hot"

	_, ok, err := c.Serve(ctx, req, func(context.Context, string) (string, error) {
		return "", errors.New("backend down")
	})
	if err == nil || ok {
		t.Fatalf("Serve = %v, %v; want error", ok, err)
	}
	key, _ := Key(req)
	if ok, _ := store.Exists(ctx, key); ok {
		t.Error("failed compute was cached")
	}
}

func TestServe_NormalizedRequestsShareEntry(t *testing.T) {
	c, _, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	var calls atomic.Int32

	c.Serve(ctx, "http://Shop.TEST/view?item=hot&color=red", countingCompute(&calls))
	c.Serve(ctx, "HTTP://shop.test/view?color=red&item=hot#top", countingCompute(&calls))
	if calls.Load() != 1 {
		t.Errorf("compute calls = %d, want 1", calls.Load())
	}

	c.Serve(ctx, "http://shop.test/VIEW?item=hot&color=red", countingCompute(&calls))
	if calls.Load() != 2 {
		t.Error("path case should distinguish requests")
	}
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t, map[string]int64{"hot": 1})
	ctx := context.Background()
	var calls atomic.Int32
	req := "http://shop.test/view?item=hot"

	c.Serve(ctx, req, countingCompute(&calls))
	if err := c.Invalidate(ctx, req); err != nil {
		t.Fatal(err)
	}
	c.Serve(ctx, req, countingCompute(&calls))
	if calls.Load() != 2 {
		t.Errorf("compute calls = %d, want 2", calls.Load())
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("HTTPS://Example.COM/a?b=2&a=1#frag")
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://example.com/a?a=1&b=2"; got != want {
		t.Errorf("Normalize = %q, want %q", got, want)
	}
	if _, err := Normalize("http://x/?a=%zz"); err == nil {
		t.Error("expected error for malformed query")
	}
}
