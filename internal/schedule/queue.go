// Package schedule keeps the registry of pending row refresh jobs.
//
// Two sorted sets hold the state: delayKey maps rowId to its refresh delay in
// seconds and dueKey maps rowId to its next due time (unix seconds). A job is
// cancelled by writing a negative delay; the row cache worker removes it from
// both sets when it next reaches the front of the queue.
package schedule

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kalambet/shelf/internal/kv"
)

const (
	delayKey = "delay:"
	dueKey   = "schedule:"
	claimKey = "schedule:claim:"

	// CancelledDelay is the sentinel delay written by Cancel.
	CancelledDelay = -1
)

// Job is a scheduled refresh.
type Job struct {
	RowID string
	DueAt time.Time
}

// Queue reads and writes the schedule. It holds no state of its own.
type Queue struct {
	store kv.Store
	now   func() time.Time
}

// NewQueue returns a Queue over store using the wall clock.
func NewQueue(store kv.Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// WithClock returns a copy of q that reads time from now.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	cp := *q
	cp.now = now
	return &cp
}

// Unix converts t to the fractional seconds used as due scores.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnix converts a due score back into a time.
func FromUnix(score float64) time.Time {
	sec, frac := math.Modf(score)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second))))
}

// Schedule records the refresh delay for rowID and makes it due immediately.
// Calling it again resets the due time to now.
func (q *Queue) Schedule(ctx context.Context, rowID string, delaySeconds float64) error {
	if rowID == "" {
		return fmt.Errorf("row id is required")
	}
	now := Unix(q.now())
	err := q.store.Tx(ctx, func(p kv.Pipe) error {
		p.ZAdd(delayKey, rowID, delaySeconds)
		p.ZAdd(dueKey, rowID, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling row %s: %w", rowID, err)
	}
	return nil
}

// Cancel marks rowID as cancelled. The job stays queued until a worker sees it.
func (q *Queue) Cancel(ctx context.Context, rowID string) error {
	if err := q.store.ZAdd(ctx, delayKey, rowID, CancelledDelay); err != nil {
		return fmt.Errorf("cancelling row %s: %w", rowID, err)
	}
	return nil
}

// PeekEarliest returns the job with the smallest due time.
func (q *Queue) PeekEarliest(ctx context.Context) (Job, bool, error) {
	front, err := q.store.ZRangeWithScores(ctx, dueKey, 0, 0)
	if err != nil {
		return Job{}, false, fmt.Errorf("peeking schedule: %w", err)
	}
	if len(front) == 0 {
		return Job{}, false, nil
	}
	return Job{RowID: front[0].Member, DueAt: FromUnix(front[0].Score)}, true, nil
}

// Delay returns the current refresh delay for rowID.
func (q *Queue) Delay(ctx context.Context, rowID string) (float64, bool, error) {
	d, ok, err := q.store.ZScore(ctx, delayKey, rowID)
	if err != nil {
		return 0, false, fmt.Errorf("reading delay for %s: %w", rowID, err)
	}
	return d, ok, nil
}

// Reschedule sets the next due time for rowID.
func (q *Queue) Reschedule(ctx context.Context, rowID string, dueAt time.Time) error {
	if err := q.store.ZAdd(ctx, dueKey, rowID, Unix(dueAt)); err != nil {
		return fmt.Errorf("rescheduling row %s: %w", rowID, err)
	}
	return nil
}

// Remove drops rowID from both the delay and due sets.
func (q *Queue) Remove(ctx context.Context, rowID string) error {
	err := q.store.Tx(ctx, func(p kv.Pipe) error {
		p.ZRem(delayKey, rowID)
		p.ZRem(dueKey, rowID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing row %s: %w", rowID, err)
	}
	return nil
}

// List returns up to limit jobs, earliest first. limit <= 0 returns all.
func (q *Queue) List(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ms, err := q.store.ZRangeWithScores(ctx, dueKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("listing schedule: %w", err)
	}
	jobs := make([]Job, len(ms))
	for i, m := range ms {
		jobs[i] = Job{RowID: m.Member, DueAt: FromUnix(m.Score)}
	}
	return jobs, nil
}

// Overdue returns up to limit jobs whose due time is at or before now.
func (q *Queue) Overdue(ctx context.Context, limit int64) ([]Job, error) {
	ms, err := q.store.ZRangeByScore(ctx, dueKey, math.Inf(-1), Unix(q.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("listing overdue jobs: %w", err)
	}
	jobs := make([]Job, len(ms))
	for i, m := range ms {
		jobs[i] = Job{RowID: m.Member, DueAt: FromUnix(m.Score)}
	}
	return jobs, nil
}

func claimName(job Job) string {
	return claimKey + job.RowID + ":" + strconv.FormatInt(job.DueAt.UnixNano(), 10)
}

// Claim reports whether the caller won the right to refresh job for its
// current due time. Only the first claimant of a given (row, due) pair gets
// true. The claim is taken and given its ttl in one step, so a claimant that
// dies mid-refresh blocks the row for at most ttl.
func (q *Queue) Claim(ctx context.Context, job Job, ttl time.Duration) (bool, error) {
	won, err := q.store.SetNX(ctx, claimName(job), "claimed", ttl)
	if err != nil {
		return false, fmt.Errorf("claiming row %s: %w", job.RowID, err)
	}
	return won, nil
}

// Release drops the claim on job so the next poll can retry it.
func (q *Queue) Release(ctx context.Context, job Job) error {
	if err := q.store.Del(ctx, claimName(job)); err != nil {
		return fmt.Errorf("releasing claim on row %s: %w", job.RowID, err)
	}
	return nil
}
