package scheduler

import (
	"context"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/dispatch"
)

// Processor archives one action. *dispatch.Processor satisfies it.
type Processor interface {
	Process(ctx context.Context, d action.Descriptor) dispatch.Result
}

// AfterBatch is called once a batch's workers have all finished and before the
// next batch starts.
type AfterBatch func(ctx context.Context, b BatchResult)
