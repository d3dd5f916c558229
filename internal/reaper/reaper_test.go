package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// seed creates n sessions t0..t(n-1), each one second newer than the last.
func seed(t *testing.T, n int) (*activity.Tracker, *kv.Memory) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	store := kv.NewMemory()
	tr := activity.NewTracker(store, 0).WithClock(func() time.Time { return now })
	ctx := context.Background()
	for i := 0; i < n; i++ {
		now = now.Add(time.Second)
		tok := fmt.Sprintf("t%03d", i)
		if err := tr.Touch(ctx, tok, "user", "item"); err != nil {
			t.Fatal(err)
		}
		if err := tr.SetCartItem(ctx, tok, "sku", 1); err != nil {
			t.Fatal(err)
		}
	}
	return tr, store
}

func TestRunOnce_UnderCeilingIsIdle(t *testing.T) {
	tr, _ := seed(t, 5)
	r := New(tr, Config{Ceiling: 10})

	busy, err := r.RunOnce(context.Background())
	if err != nil || busy {
		t.Fatalf("RunOnce = %v, %v; want false, nil", busy, err)
	}
	if n, _ := tr.Size(context.Background()); n != 5 {
		t.Errorf("Size = %d, want 5", n)
	}
}

func TestRunOnce_AtCeilingIsIdle(t *testing.T) {
	tr, _ := seed(t, 10)
	r := New(tr, Config{Ceiling: 10})

	if busy, _ := r.RunOnce(context.Background()); busy {
		t.Error("reaper busy at exactly the ceiling")
	}
	if n, _ := tr.Size(context.Background()); n != 10 {
		t.Errorf("Size = %d, want 10", n)
	}
}

func TestRunOnce_EvictsAtMostExcessPerBatch(t *testing.T) {
	tr, _ := seed(t, 30)
	r := New(tr, Config{Ceiling: 10, BatchCap: 8})
	ctx := context.Background()

	busy, err := r.RunOnce(ctx)
	if err != nil || !busy {
		t.Fatalf("RunOnce = %v, %v; want true, nil", busy, err)
	}
	if n, _ := tr.Size(ctx); n != 22 {
		t.Errorf("Size = %d after one batch, want 22", n)
	}

	busy, _ = r.RunOnce(ctx)
	busy, _ = r.RunOnce(ctx)
	if n, _ := tr.Size(ctx); n != 10 {
		t.Errorf("Size = %d after three batches, want 10", n)
	}
	if busy {
		t.Error("reaper still busy once at the ceiling")
	}
}

func TestRunOnce_ConvergesToNewestSessions(t *testing.T) {
	const total, ceiling = 257, 40
	tr, store := seed(t, total)
	r := New(tr, Config{Ceiling: ceiling})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		busy, err := r.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !busy {
			break
		}
	}

	if n, _ := tr.Size(ctx); n != ceiling {
		t.Fatalf("Size = %d, want %d", n, ceiling)
	}
	remaining, _ := tr.OldestBatch(ctx, total)
	for i, tok := range remaining {
		want := fmt.Sprintf("t%03d", total-ceiling+i)
		if tok != want {
			t.Fatalf("remaining[%d] = %s, want %s", i, tok, want)
		}
	}

	evicted := "t000"
	if _, ok, _ := tr.Identity(ctx, evicted); ok {
		t.Error("evicted identity still present")
	}
	if ok, _ := store.Exists(ctx, "viewed:"+evicted); ok {
		t.Error("evicted viewed list still present")
	}
	if ok, _ := store.Exists(ctx, "cart:"+evicted); !ok {
		t.Error("cart deleted although IncludeCart is off")
	}
}

func TestRunOnce_IncludeCart(t *testing.T) {
	tr, store := seed(t, 3)
	r := New(tr, Config{Ceiling: 1, IncludeCart: true})
	ctx := context.Background()

	r.RunOnce(ctx)
	for _, tok := range []string{"t000", "t001"} {
		if ok, _ := store.Exists(ctx, "cart:"+tok); ok {
			t.Errorf("cart of %s survived", tok)
		}
	}
	if ok, _ := store.Exists(ctx, "cart:t002"); !ok {
		t.Error("cart of surviving session deleted")
	}
}

type mockSessions struct {
	size    func() (int64, error)
	oldest  func(n int64) ([]string, error)
	evicted atomic.Int64
}

func (m *mockSessions) Size(context.Context) (int64, error) { return m.size() }

func (m *mockSessions) OldestBatch(_ context.Context, n int64) ([]string, error) {
	return m.oldest(n)
}

func (m *mockSessions) Evict(_ context.Context, tokens []string, _ bool) error {
	m.evicted.Add(int64(len(tokens)))
	return nil
}

func TestRunOnce_UndercountIsSuccess(t *testing.T) {
	m := &mockSessions{
		size:   func() (int64, error) { return 50, nil },
		oldest: func(n int64) ([]string, error) { return []string{"only"}, nil },
	}
	r := New(m, Config{Ceiling: 10})

	busy, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !busy {
		t.Error("expected busy while still over the ceiling")
	}
	if m.evicted.Load() != 1 {
		t.Errorf("evicted = %d, want 1", m.evicted.Load())
	}
}

func TestRunOnce_RequestsMinOfExcessAndCap(t *testing.T) {
	var requested int64
	m := &mockSessions{
		size: func() (int64, error) { return 1000, nil },
		oldest: func(n int64) ([]string, error) {
			requested = n
			return nil, nil
		},
	}
	r := New(m, Config{Ceiling: 10})

	busy, _ := r.RunOnce(context.Background())
	if requested != 100 {
		t.Errorf("requested = %d, want default cap 100", requested)
	}
	if busy {
		t.Error("empty batch should not spin")
	}
}

func TestRunOnce_StoreError(t *testing.T) {
	m := &mockSessions{
		size: func() (int64, error) { return 0, errors.New("connection reset") },
	}
	r := New(m, Config{Ceiling: 10})
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnce_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	tr, _ := seed(t, 4)
	r := New(tr, Config{Ceiling: 2}, WithTracerProvider(tp))
	r.RunOnce(context.Background())

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "reaper.iteration" {
		t.Fatalf("spans = %v", spans)
	}
	var evicted int64
	for _, a := range spans[0].Attributes() {
		if a.Key == "shelf.evicted" {
			evicted = a.Value.AsInt64()
		}
	}
	if evicted != 2 {
		t.Errorf("shelf.evicted = %d, want 2", evicted)
	}
}

func TestStartStop(t *testing.T) {
	tr, _ := seed(t, 50)
	r := New(tr, Config{Ceiling: 5, BatchCap: 7, IdleInterval: time.Millisecond})
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, _ := tr.Size(ctx)
		if n <= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Size = %d, reaper did not converge", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
}

func TestTrimmer_RunOnce(t *testing.T) {
	store := kv.NewMemory()
	tr := activity.NewTracker(store, 0)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		item := fmt.Sprintf("item-%d", i)
		for v := 0; v <= i; v++ {
			tr.Touch(ctx, fmt.Sprintf("tok-%d-%d", i, v), "u", item)
		}
	}

	trim := NewTrimmer(tr, 3, time.Minute)
	busy, err := trim.RunOnce(ctx)
	if err != nil || busy {
		t.Fatalf("RunOnce = %v, %v; want false, nil", busy, err)
	}

	top, _ := tr.Popular(ctx, 0)
	if fmt.Sprint(top) != "[item-5 item-4 item-3]" {
		t.Errorf("Popular = %v", top)
	}
	if s, _, _ := store.ZScore(ctx, "viewed:", "item-5"); s != -3 {
		t.Errorf("score(item-5) = %v, want -3", s)
	}
}

func TestTrimmer_StartStop(t *testing.T) {
	var calls atomic.Int32
	trim := NewTrimmer(popularityFunc(func() { calls.Add(1) }), 0, time.Millisecond)
	if err := trim.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	trim.Stop()
	if calls.Load() < 3 {
		t.Errorf("calls = %d, want at least 3", calls.Load())
	}
}

type popularityFunc func()

func (f popularityFunc) TrimPopular(context.Context, int64, float64) error {
	f()
	return nil
}
