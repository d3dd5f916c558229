// Package rowcache refreshes cached inventory rows on the schedule kept by
// package schedule.
package rowcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/shelf/internal/daemon"
	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/schedule"
	"github.com/kalambet/shelf/internal/storage"
)

const (
	rowKey     = "inv:"
	versionKey = "inv:version:"
)

// CachedRow is the snapshot written under inv:<rowId>.
type CachedRow struct {
	RowID       string                `json:"row_id"`
	Version     int64                 `json:"version"`
	RefreshedAt time.Time             `json:"refreshed_at"`
	Item        storage.InventoryItem `json:"item"`
}

// RowSource loads the authoritative copy of a row.
type RowSource interface {
	LoadInventoryItem(ctx context.Context, id string) (storage.InventoryItem, error)
}

// Worker drains the refresh schedule.
type Worker struct {
	store    kv.Store
	queue    *schedule.Queue
	source   RowSource
	poll     time.Duration
	claimTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	runner   daemon.Runner
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithTracerProvider sets the provider used for iteration spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) {
		if tp != nil {
			w.tracer = tp.Tracer("github.com/kalambet/shelf/internal/rowcache")
		}
	}
}

// WithClaimTTL sets how long a refresh claim blocks other workers when its
// holder never finishes the cycle.
func WithClaimTTL(ttl time.Duration) Option {
	return func(w *Worker) {
		if ttl > 0 {
			w.claimTTL = ttl
		}
	}
}

// NewWorker creates a Worker over store that loads rows from source.
// If pollInterval is <= 0, it defaults to 50ms.
func NewWorker(store kv.Store, source RowSource, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	w := &Worker{
		store:    store,
		source:   source,
		poll:     pollInterval,
		claimTTL: 30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer("github.com/kalambet/shelf/internal/rowcache"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = schedule.NewQueue(store).WithClock(w.now)
	return w
}

// Run refreshes due rows until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	daemon.Loop(ctx, "rowcache", w.poll, w.logger, w.RunOnce)
}

// Start runs the worker in the background until Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	return w.runner.Start(ctx, w.Run)
}

// Stop cancels a started worker and waits for its loop to exit.
func (w *Worker) Stop() {
	w.runner.Stop()
}

// RunOnce handles the earliest job if it is due.
// Returns true if a job was refreshed or cleaned up.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	ctx, span := w.tracer.Start(ctx, "rowcache.iteration")
	defer span.End()

	done, err := w.runOnce(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return done, err
}

func (w *Worker) runOnce(ctx context.Context, span trace.Span) (bool, error) {
	job, ok, err := w.queue.PeekEarliest(ctx)
	if err != nil {
		return false, err
	}
	if !ok || job.DueAt.After(w.now()) {
		span.SetAttributes(attribute.String("shelf.outcome", "idle"))
		return false, nil
	}
	span.SetAttributes(attribute.String("shelf.row_id", job.RowID))

	delay, ok, err := w.queue.Delay(ctx, job.RowID)
	if err != nil {
		return false, err
	}
	if !ok || delay < 0 {
		if err := w.queue.Remove(ctx, job.RowID); err != nil {
			return false, err
		}
		w.logger.Info("row refresh cancelled", "row_id", job.RowID)
		span.SetAttributes(attribute.String("shelf.outcome", "cancelled"))
		return true, nil
	}

	interval := time.Duration(delay * float64(time.Second))
	won, err := w.queue.Claim(ctx, job, w.claimTTL)
	if err != nil {
		return false, err
	}
	if !won {
		span.SetAttributes(attribute.String("shelf.outcome", "claimed_elsewhere"))
		return false, nil
	}

	outcome := "refreshed"
	refreshErr := w.refresh(ctx, job.RowID)
	if refreshErr != nil {
		outcome = "failed"
		span.RecordError(refreshErr)
		w.logger.Warn("row refresh failed", "row_id", job.RowID, "error", refreshErr)
	}
	span.SetAttributes(attribute.String("shelf.outcome", outcome))

	next := w.now().Add(interval)
	if err := w.queue.Reschedule(ctx, job.RowID, next); err != nil {
		// The job is still at the front with the same due time.
		if rerr := w.queue.Release(ctx, job); rerr != nil {
			w.logger.Warn("releasing claim failed", "row_id", job.RowID, "error", rerr)
		}
		return false, err
	}
	// A failed refresh is not progress; let the loop sleep before the next
	// attempt so zero-delay rows cannot spin.
	return refreshErr == nil, nil
}

func (w *Worker) refresh(ctx context.Context, rowID string) error {
	item, err := w.source.LoadInventoryItem(ctx, rowID)
	if err != nil {
		return fmt.Errorf("loading row %s: %w", rowID, err)
	}

	version, err := w.store.Incr(ctx, versionKey+rowID)
	if err != nil {
		return fmt.Errorf("bumping version for %s: %w", rowID, err)
	}

	row := CachedRow{
		RowID:       rowID,
		Version:     version,
		RefreshedAt: w.now().UTC(),
		Item:        item,
	}
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshalling row %s: %w", rowID, err)
	}
	if err := w.store.Set(ctx, rowKey+rowID, string(b), 0); err != nil {
		return fmt.Errorf("writing row %s: %w", rowID, err)
	}
	w.logger.Debug("row refreshed", "row_id", rowID, "version", version)
	return nil
}

// Cached returns the current snapshot for rowID.
func (w *Worker) Cached(ctx context.Context, rowID string) (CachedRow, bool, error) {
	return Read(ctx, w.store, rowID)
}

// Read returns the snapshot for rowID from store, for callers that do not run
// a worker.
func Read(ctx context.Context, store kv.Store, rowID string) (CachedRow, bool, error) {
	raw, ok, err := store.Get(ctx, rowKey+rowID)
	if err != nil {
		return CachedRow{}, false, fmt.Errorf("reading row %s: %w", rowID, err)
	}
	if !ok {
		return CachedRow{}, false, nil
	}
	var row CachedRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return CachedRow{}, false, fmt.Errorf("decoding row %s: %w", rowID, err)
	}
	return row, true, nil
}
