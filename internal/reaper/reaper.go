// Package reaper bounds the activity registry. Reaper evicts the least
// recently active sessions once the registry grows past its ceiling and
// Trimmer decays the global popularity ranking.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/daemon"
)

const tracerName = "github.com/kalambet/shelf/internal/reaper"

// Sessions is the part of the activity tracker the reaper needs.
type Sessions interface {
	Size(ctx context.Context) (int64, error)
	OldestBatch(ctx context.Context, maxCount int64) ([]string, error)
	Evict(ctx context.Context, tokens []string, includeCart bool) error
}

var _ Sessions = (*activity.Tracker)(nil)

// Config controls a Reaper.
type Config struct {
	// Ceiling is the largest tolerated number of sessions.
	Ceiling int64
	// BatchCap bounds evictions per iteration. Defaults to 100.
	BatchCap int64
	// IncludeCart also deletes the carts of evicted sessions.
	IncludeCart bool
	// IdleInterval is the sleep between checks while under the ceiling. Defaults to 1s.
	IdleInterval time.Duration
}

// Reaper evicts the oldest sessions whenever the registry exceeds its ceiling.
type Reaper struct {
	sessions Sessions
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	runner   daemon.Runner
}

// Option configures a Reaper or Trimmer.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// WithLogger sets the daemon logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracerProvider sets the provider used for iteration spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a Reaper over sessions.
func New(sessions Sessions, cfg Config, opts ...Option) *Reaper {
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 100
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second
	}
	o := applyOptions(opts)
	return &Reaper{sessions: sessions, cfg: cfg, logger: o.logger, tracer: o.tracer}
}

// Run evicts sessions until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	daemon.Loop(ctx, "reaper", r.cfg.IdleInterval, r.logger, r.RunOnce)
}

// Start runs the reaper in the background until Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	return r.runner.Start(ctx, r.Run)
}

// Stop cancels a started reaper and waits for its loop to exit.
func (r *Reaper) Stop() {
	r.runner.Stop()
}

// RunOnce evicts at most one batch. It returns true while the registry is
// still over its ceiling so the caller repeats without sleeping.
func (r *Reaper) RunOnce(ctx context.Context) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.iteration")
	defer span.End()

	size, err := r.sessions.Size(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Int64("shelf.sessions", size))

	excess := size - r.cfg.Ceiling
	if excess <= 0 {
		return false, nil
	}

	tokens, err := r.sessions.OldestBatch(ctx, min(excess, r.cfg.BatchCap))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if len(tokens) == 0 {
		return false, nil
	}
	if err := r.sessions.Evict(ctx, tokens, r.cfg.IncludeCart); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Int("shelf.evicted", len(tokens)))
	r.logger.Debug("sessions evicted", "count", len(tokens), "excess", excess)

	return excess > int64(len(tokens)), nil
}
