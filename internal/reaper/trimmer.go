package reaper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/daemon"
)

// Popularity is the part of the activity tracker the trimmer needs.
type Popularity interface {
	TrimPopular(ctx context.Context, keepTop int64, factor float64) error
}

var _ Popularity = (*activity.Tracker)(nil)

// Trimmer periodically drops all but the most viewed items from the global
// ranking and halves the remaining scores.
type Trimmer struct {
	items    Popularity
	keepTop  int64
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	runner   daemon.Runner
}

// NewTrimmer creates a Trimmer keeping keepTop items (default 20000) every
// interval (default 5m).
func NewTrimmer(items Popularity, keepTop int64, interval time.Duration, opts ...Option) *Trimmer {
	if keepTop <= 0 {
		keepTop = 20000
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	o := applyOptions(opts)
	return &Trimmer{
		items:    items,
		keepTop:  keepTop,
		interval: interval,
		logger:   o.logger,
		tracer:   o.tracer,
	}
}

// Run trims until ctx is cancelled.
func (t *Trimmer) Run(ctx context.Context) {
	daemon.Loop(ctx, "trimmer", t.interval, t.logger, t.RunOnce)
}

// Start runs the trimmer in the background until Stop is called.
func (t *Trimmer) Start(ctx context.Context) error {
	return t.runner.Start(ctx, t.Run)
}

// Stop cancels a started trimmer and waits for its loop to exit.
func (t *Trimmer) Stop() {
	t.runner.Stop()
}

// RunOnce trims and rescales the ranking once. It never reports more work.
func (t *Trimmer) RunOnce(ctx context.Context) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "trimmer.iteration",
		trace.WithAttributes(attribute.Int64("shelf.keep_top", t.keepTop)))
	defer span.End()

	if err := t.items.TrimPopular(ctx, t.keepTop, 0.5); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return false, nil
}
