// Package daemon holds the polling loop shared by the background workers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Step runs one iteration. busy reports that more work is ready and the loop
// should go again without sleeping.
type Step func(ctx context.Context) (busy bool, err error)

// Safely executes fn and converts panics into returned errors tagged with scope.
func Safely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

// Loop calls step until ctx is cancelled, sleeping idle between iterations
// that found nothing to do. A failed or panicking iteration is logged and
// followed by an idle sleep; it never ends the loop.
func Loop(ctx context.Context, name string, idle time.Duration, logger *slog.Logger, step Step) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if ctx.Err() != nil {
			return
		}

		var busy bool
		err := Safely(name, func() error {
			var stepErr error
			busy, stepErr = step(ctx)
			return stepErr
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return
			}
			logger.Error("daemon iteration failed", "daemon", name, "error", err)
			busy = false
		}
		if busy {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
	}
}

// Runner starts a blocking run function in the background and stops it on
// request. The zero value is ready to use.
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches run in a goroutine with a context derived from ctx.
func (r *Runner) Start(ctx context.Context, run func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("daemon is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		run(runCtx)
	}()
	return nil
}

// Stop cancels the running loop and waits for it to return.
// Calling Stop on a runner that is not running is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
