// Package progress counts processed actions and reports the tally on a fixed
// cadence. Workers only ever touch a Tracker through Done; reporting runs on
// its own goroutine and never influences scheduling.
package progress

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/actionarchiver/internal/log"
)

// Tracker holds the run tally.
type Tracker struct {
	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	deleted   atomic.Int64
	delFailed atomic.Int64
}

// Snapshot is a point-in-time copy of a Tracker.
type Snapshot struct {
	Total        int64
	Processed    int64
	Failed       int64
	Deleted      int64
	DeleteFailed int64
}

// NewTracker creates a tracker expecting total actions.
func NewTracker(total int) *Tracker {
	t := &Tracker{}
	t.total.Store(int64(total))
	return t
}

// Done records one processed action and returns the new processed count.
func (t *Tracker) Done(ok bool) int64 {
	if !ok {
		t.failed.Add(1)
	}
	return t.processed.Add(1)
}

// Deleted records one deletion attempt.
func (t *Tracker) Deleted(ok bool) {
	if ok {
		t.deleted.Add(1)
		return
	}
	t.delFailed.Add(1)
}

// Total returns the expected number of actions.
func (t *Tracker) Total() int64 { return t.total.Load() }

// Snapshot returns the current tally.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Total:        t.total.Load(),
		Processed:    t.processed.Load(),
		Failed:       t.failed.Load(),
		Deleted:      t.deleted.Load(),
		DeleteFailed: t.delFailed.Load(),
	}
}

// Percent returns processed/total in [0, 1]. An empty run is complete.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 1
	}
	return float64(s.Processed) / float64(s.Total)
}

// Reporter logs the tally every interval until stopped.
type Reporter struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	last     int64
}

// NewReporter creates a reporter. A zero interval disables periodic reports.
func NewReporter(t *Tracker, interval time.Duration) *Reporter {
	return &Reporter{
		tracker:  t,
		interval: interval,
		logger:   log.WithComponent("progress"),
		last:     -1,
	}
}

// Start runs the reporter in the background. The returned func stops it and
// waits for the goroutine to exit.
func (r *Reporter) Start(ctx context.Context) (stop func()) {
	if r.interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs the tally if it changed since the previous report.
func (r *Reporter) report() {
	s := r.tracker.Snapshot()
	if s.Processed == r.last {
		return
	}
	r.last = s.Processed
	r.logger.Info("progress",
		"processed", s.Processed,
		"total", s.Total,
		"failed", s.Failed,
		"percent", int(s.Percent()*100),
	)
}
