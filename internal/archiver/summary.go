package archiver

import (
	"fmt"
	"time"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/archive"
)

// ProcessingFailedError aborts an unbatched run in which at least one action
// could not be archived. Nothing is deleted when it is returned.
type ProcessingFailedError struct {
	Failed int
	Total  int
}

func (e *ProcessingFailedError) Error() string {
	return fmt.Sprintf("%d of %d actions could not be archived; no actions were deleted", e.Failed, e.Total)
}

// ActionOutcome is what happened to one selected action.
type ActionOutcome struct {
	Descriptor action.Descriptor
	// Batch is zero-based.
	Batch      int
	Components int
	Err        error
	Deleted    bool
	DeleteErr  error
}

// Summary describes a finished (or aborted) run.
type Summary struct {
	RunID       string
	Destination string
	SinkKind    string
	Query       string
	Batched     bool
	Batches     int
	Total       int
	// Actions holds one outcome per processed action, in batch order and in
	// selection order within each batch, whatever order workers finished in.
	Actions []ActionOutcome
	// SkippedBatches lists batches whose deletions were skipped because of a
	// failure.
	SkippedBatches []int
	Entries        []archive.Entry
	Started        time.Time
	Finished       time.Time

	index map[int64]int
}

func (s *Summary) add(o ActionOutcome) {
	if s.index == nil {
		s.index = make(map[int64]int)
	}
	s.index[o.Descriptor.ID] = len(s.Actions)
	s.Actions = append(s.Actions, o)
}

func (s *Summary) outcome(id int64) *ActionOutcome {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	return &s.Actions[i]
}

// Processed returns how many actions went through the processor.
func (s *Summary) Processed() int { return len(s.Actions) }

// Archived returns how many actions were fully archived.
func (s *Summary) Archived() int { return s.Processed() - len(s.Failed()) }

// Failed returns the outcomes that could not be archived.
func (s *Summary) Failed() []ActionOutcome {
	var out []ActionOutcome
	for _, o := range s.Actions {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Deleted returns the ids deleted from the server.
func (s *Summary) Deleted() []int64 {
	var out []int64
	for _, o := range s.Actions {
		if o.Deleted {
			out = append(out, o.Descriptor.ID)
		}
	}
	return out
}

// DeleteFailures returns the outcomes whose deletion was attempted and failed.
func (s *Summary) DeleteFailures() []ActionOutcome {
	var out []ActionOutcome
	for _, o := range s.Actions {
		if o.DeleteErr != nil {
			out = append(out, o)
		}
	}
	return out
}

// Elapsed returns the wall time of the run.
func (s *Summary) Elapsed() time.Duration {
	if s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}
