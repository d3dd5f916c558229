package rowcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/schedule"
	"github.com/kalambet/shelf/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockSource struct {
	calls atomic.Int32
	load  func(id string) (storage.InventoryItem, error)
}

func (m *mockSource) LoadInventoryItem(_ context.Context, id string) (storage.InventoryItem, error) {
	m.calls.Add(1)
	if m.load != nil {
		return m.load(id)
	}
	return storage.InventoryItem{ID: id, Name: "item " + id, Quantity: int(m.calls.Load())}, nil
}

type testEnv struct {
	store  *kv.Memory
	clock  *fakeClock
	source *mockSource
	queue  *schedule.Queue
	worker *Worker
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemoryWithClock(clock.Now)
	source := &mockSource{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testEnv{
		store:  store,
		clock:  clock,
		source: source,
		queue:  schedule.NewQueue(store).WithClock(clock.Now),
		worker: NewWorker(store, source, time.Millisecond, opts...),
	}
}

func TestRunOnce_EmptySchedule(t *testing.T) {
	env := newTestEnv(t)

	done, err := env.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce reported work on an empty schedule")
	}
}

func TestRunOnce_RefreshesAndReschedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.queue.Schedule(ctx, "itemX", 5); err != nil {
		t.Fatal(err)
	}
	before, _, _ := env.queue.PeekEarliest(ctx)

	done, err := env.worker.RunOnce(ctx)
	if err != nil || !done {
		t.Fatalf("RunOnce = %v, %v; want true, nil", done, err)
	}

	row, ok, err := env.worker.Cached(ctx, "itemX")
	if err != nil || !ok {
		t.Fatalf("Cached = %v, %v", ok, err)
	}
	if row.Version != 1 || row.Item.ID != "itemX" || row.Item.Name != "item itemX" {
		t.Errorf("row = %+v", row)
	}
	if !row.RefreshedAt.Equal(env.clock.Now()) {
		t.Errorf("RefreshedAt = %v, want %v", row.RefreshedAt, env.clock.Now())
	}

	after, _, _ := env.queue.PeekEarliest(ctx)
	want := env.clock.Now().Add(5 * time.Second)
	if diff := after.DueAt.Sub(want); diff > time.Microsecond || diff < -time.Microsecond {
		t.Errorf("DueAt = %v, want %v", after.DueAt, want)
	}
	if !after.DueAt.After(before.DueAt) {
		t.Error("due time did not advance")
	}
}

func TestRunOnce_FutureJobIsIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 5)
	env.worker.RunOnce(ctx)

	done, err := env.worker.RunOnce(ctx)
	if err != nil || done {
		t.Fatalf("RunOnce = %v, %v; want false, nil", done, err)
	}
	if n := env.source.calls.Load(); n != 1 {
		t.Errorf("source calls = %d, want 1", n)
	}

	env.clock.Advance(5 * time.Second)
	done, _ = env.worker.RunOnce(ctx)
	if !done {
		t.Error("job not refreshed once due")
	}
	row, _, _ := env.worker.Cached(ctx, "r")
	if row.Version != 2 {
		t.Errorf("Version = %d, want 2", row.Version)
	}
}

func TestRunOnce_CancelRemovesJobAndKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 5)
	env.worker.RunOnce(ctx)
	snapshot, _, _ := env.store.Get(ctx, rowKey+"r")

	if err := env.queue.Cancel(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(5 * time.Second)

	done, err := env.worker.RunOnce(ctx)
	if err != nil || !done {
		t.Fatalf("RunOnce = %v, %v; want true, nil", done, err)
	}
	if _, ok, _ := env.queue.PeekEarliest(ctx); ok {
		t.Error("cancelled job still scheduled")
	}
	if _, ok, _ := env.queue.Delay(ctx, "r"); ok {
		t.Error("cancelled job still has a delay")
	}
	got, ok, _ := env.store.Get(ctx, rowKey+"r")
	if !ok || got != snapshot {
		t.Error("cancellation touched the cached row")
	}
	if n := env.source.calls.Load(); n != 1 {
		t.Errorf("source calls = %d, want 1", n)
	}
}

func TestRunOnce_MissingDelayDropsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.queue.Reschedule(ctx, "orphan", env.clock.Now())

	done, err := env.worker.RunOnce(ctx)
	if err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}
	if _, ok, _ := env.queue.PeekEarliest(ctx); ok {
		t.Error("orphan job still scheduled")
	}
}

func TestRunOnce_SourceFailureRetriesNextCycle(t *testing.T) {
	env := newTestEnv(t)
	env.source.load = func(id string) (storage.InventoryItem, error) {
		return storage.InventoryItem{}, storage.ErrNotFound
	}
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 10)

	done, err := env.worker.RunOnce(ctx)
	if err != nil || done {
		t.Fatalf("RunOnce = %v, %v; want false, nil", done, err)
	}
	if _, ok, _ := env.worker.Cached(ctx, "r"); ok {
		t.Error("failed refresh wrote a row")
	}

	job, ok, _ := env.queue.PeekEarliest(ctx)
	if !ok {
		t.Fatal("failed job dropped from schedule")
	}
	if !job.DueAt.After(env.clock.Now()) {
		t.Errorf("DueAt = %v, want a future retry", job.DueAt)
	}

	// Not due again until its natural next cycle.
	if done, _ := env.worker.RunOnce(ctx); done {
		t.Error("failed job retried immediately")
	}
}

func TestRunOnce_ZeroDelayFailureIsNotBusy(t *testing.T) {
	env := newTestEnv(t)
	env.source.load = func(id string) (storage.InventoryItem, error) {
		return storage.InventoryItem{}, errors.New("database locked")
	}
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 0)
	for i := 0; i < 3; i++ {
		done, err := env.worker.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			t.Fatalf("iteration %d reported progress for a failing refresh", i)
		}
		env.clock.Advance(time.Millisecond)
	}
}

// zaddFailStore fails the next n ZAdd calls on key.
type zaddFailStore struct {
	kv.Store
	key string
	n   atomic.Int32
}

func (s *zaddFailStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if key == s.key && s.n.Add(-1) >= 0 {
		return errors.New("transient")
	}
	return s.Store.ZAdd(ctx, key, member, score)
}

func TestRunOnce_RescheduleFailureDoesNotBlockQueue(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mem := kv.NewMemoryWithClock(clock.Now)
	store := &zaddFailStore{Store: mem, key: "schedule:"}
	source := &mockSource{}
	queue := schedule.NewQueue(mem).WithClock(clock.Now)
	w := NewWorker(store, source, time.Millisecond, WithClock(clock.Now))
	ctx := context.Background()

	queue.Schedule(ctx, "a", 3600)
	clock.Advance(time.Millisecond)
	queue.Schedule(ctx, "b", 1)
	store.n.Store(1)

	if _, err := w.RunOnce(ctx); err == nil {
		t.Fatal("expected reschedule error")
	}
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}

	if _, ok, _ := w.Cached(ctx, "b"); !ok {
		t.Error("row b never refreshed")
	}
	front, _, _ := queue.PeekEarliest(ctx)
	if front.RowID == "a" {
		t.Error("row a still at the front of the schedule")
	}
}

func TestRunOnce_LostClaimSkipsRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 5)
	job, _, _ := env.queue.PeekEarliest(ctx)
	if won, _ := env.queue.Claim(ctx, job, time.Minute); !won {
		t.Fatal("setup claim failed")
	}

	done, err := env.worker.RunOnce(ctx)
	if err != nil || done {
		t.Fatalf("RunOnce = %v, %v; want false, nil", done, err)
	}
	if n := env.source.calls.Load(); n != 0 {
		t.Errorf("source calls = %d, want 0", n)
	}
}

func TestRunOnce_TwoWorkersRefreshOnce(t *testing.T) {
	env := newTestEnv(t)
	other := NewWorker(env.store, env.source, time.Millisecond, WithClock(env.clock.Now))
	ctx := context.Background()

	env.queue.Schedule(ctx, "r", 5)

	var wg sync.WaitGroup
	for _, w := range []*Worker{env.worker, other} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.RunOnce(ctx)
		}(w)
	}
	wg.Wait()

	if n := env.source.calls.Load(); n != 1 {
		t.Errorf("source calls = %d, want exactly 1", n)
	}
}

func TestRunOnce_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	env := newTestEnv(t, WithTracerProvider(tp))
	ctx := context.Background()
	env.queue.Schedule(ctx, "itemX", 5)
	env.worker.RunOnce(ctx)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "rowcache.iteration" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	attrs := map[string]string{}
	for _, a := range spans[0].Attributes() {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs["shelf.row_id"] != "itemX" || attrs["shelf.outcome"] != "refreshed" {
		t.Errorf("attributes = %v", attrs)
	}
}

type failingStore struct {
	kv.Store
}

func (failingStore) ZRangeWithScores(context.Context, string, int64, int64) ([]kv.Member, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnce_StoreErrorIsReturned(t *testing.T) {
	w := NewWorker(failingStore{Store: kv.NewMemory()}, &mockSource{}, time.Millisecond)
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
}

func TestStartStop_EndToEnd(t *testing.T) {
	store := kv.NewMemory()
	source := &mockSource{}
	queue := schedule.NewQueue(store)
	w := NewWorker(store, source, time.Millisecond)
	ctx := context.Background()

	if err := queue.Schedule(ctx, "r", 0.02); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	waitFor(t, func() bool {
		row, ok, _ := w.Cached(ctx, "r")
		return ok && row.Version >= 2
	})

	if err := queue.Cancel(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok, _ := queue.PeekEarliest(ctx)
		return !ok
	})

	settled := source.calls.Load()
	time.Sleep(60 * time.Millisecond)
	if n := source.calls.Load(); n != settled {
		t.Errorf("refreshes after cancel: %d -> %d", settled, n)
	}

	w.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
