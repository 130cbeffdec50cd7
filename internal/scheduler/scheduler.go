// Package scheduler runs actions through a bounded worker pool, one ordered
// batch at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/dispatch"
	"github.com/mattjoyce/actionarchiver/internal/events"
	"github.com/mattjoyce/actionarchiver/internal/log"
	"github.com/mattjoyce/actionarchiver/internal/progress"
)

// BatchResult collects the outcomes of one batch.
type BatchResult struct {
	// Index is zero-based.
	Index   int
	Results []dispatch.Result
	Elapsed time.Duration
}

// Failed returns the number of failed results.
func (b BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.Succeeded() {
			n++
		}
	}
	return n
}

// Succeeded returns the descriptors that were fully archived, in batch order.
func (b BatchResult) Succeeded() []action.Descriptor {
	out := make([]action.Descriptor, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Succeeded() {
			out = append(out, r.Descriptor)
		}
	}
	return out
}

// Partition splits descs into consecutive batches of size. A size of zero or
// less yields a single batch holding everything. Order is preserved.
func Partition(descs []action.Descriptor, size int) [][]action.Descriptor {
	if len(descs) == 0 {
		return nil
	}
	if size <= 0 || size >= len(descs) {
		return [][]action.Descriptor{descs}
	}

	batches := make([][]action.Descriptor, 0, (len(descs)+size-1)/size)
	for start := 0; start < len(descs); start += size {
		end := min(start+size, len(descs))
		batches = append(batches, descs[start:end:end])
	}
	return batches
}

// Scheduler feeds batches to a pool of workers.
type Scheduler struct {
	workers   int
	batchSize int
	processor Processor
	tracker   *progress.Tracker
	events    *events.Hub
	logger    *slog.Logger
}

// New creates a Scheduler running at most workers actions at once.
func New(workers, batchSize int, p Processor, tracker *progress.Tracker, hub *events.Hub) (*Scheduler, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}
	if batchSize < 0 {
		return nil, fmt.Errorf("batch size must not be negative, got %d", batchSize)
	}
	if tracker == nil {
		tracker = progress.NewTracker(0)
	}
	return &Scheduler{
		workers:   workers,
		batchSize: batchSize,
		processor: p,
		tracker:   tracker,
		events:    hub,
		logger:    log.WithComponent("scheduler"),
	}, nil
}

// Run processes descs batch by batch. after, if non-nil, is called for each
// batch before the next one starts. Run stops between batches once ctx is
// done and returns the results gathered so far together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, descs []action.Descriptor, after AfterBatch) ([]BatchResult, error) {
	batches := Partition(descs, s.batchSize)
	s.logger.Info("scheduling actions", "actions", len(descs), "batches", len(batches), "workers", s.workers, "batch_size", s.batchSize)

	results := make([]BatchResult, 0, len(batches))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("run cancelled between batches", "completed_batches", i, "error", err)
			return results, err
		}

		br := s.RunBatch(ctx, i, batch)
		results = append(results, br)
		if after != nil {
			after(ctx, br)
		}
	}
	return results, nil
}

// RunBatch processes one batch on a fresh pool of workers and waits for all
// of them.
func (s *Scheduler) RunBatch(ctx context.Context, index int, batch []action.Descriptor) BatchResult {
	logger := log.WithBatch(index).With("component", "scheduler")
	logger.Debug("batch started", "size", len(batch))
	s.events.Publish(events.BatchStarted, events.BatchData{Batch: index, Size: len(batch)})

	start := time.Now()
	results := make([]dispatch.Result, len(batch))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, d := range batch {
		g.Go(func() error {
			res := s.processor.Process(ctx, d)
			results[i] = res
			s.record(index, res)
			return nil
		})
	}
	_ = g.Wait()

	br := BatchResult{Index: index, Results: results, Elapsed: time.Since(start)}
	failed := br.Failed()
	s.events.Publish(events.BatchCompleted, events.BatchData{Batch: index, Size: len(batch), Failed: failed})
	if failed > 0 {
		logger.Warn("batch completed with failures", "size", len(batch), "failed", failed, "elapsed_ms", br.Elapsed.Milliseconds())
	} else {
		logger.Info("batch completed", "size", len(batch), "elapsed_ms", br.Elapsed.Milliseconds())
	}
	return br
}

func (s *Scheduler) record(batch int, res dispatch.Result) {
	processed := s.tracker.Done(res.Succeeded())

	data := events.ActionData{
		ActionID:  res.Descriptor.ID,
		Issuer:    res.Descriptor.Issuer,
		Batch:     batch,
		OK:        res.Succeeded(),
		Processed: processed,
		Total:     s.tracker.Total(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	s.events.Publish(events.ActionProcessed, data)
}
