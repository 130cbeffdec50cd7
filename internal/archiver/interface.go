package archiver

import (
	"context"

	"github.com/mattjoyce/actionarchiver/internal/archive"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/journal"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/mattjoyce/actionarchiver/internal/archiver Service,Journal

// Service is the BigFix API surface a run needs. *bigfix.Client satisfies it.
type Service interface {
	Login(ctx context.Context) error
	Query(ctx context.Context, relevance string) (*bigfix.QueryResult, error)
	Action(ctx context.Context, id int64) (string, error)
	ActionStatus(ctx context.Context, id int64) (string, error)
	DeleteAction(ctx context.Context, id int64) (string, error)
}

// Sink is the archive destination of a run. *archive.Sink satisfies it.
type Sink interface {
	ResolvePath(segments ...string) string
	EnsureContainer(p string) error
	WriteText(p, text string) error
	Entries() []archive.Entry
	Close() error
}

// SinkOpener opens the destination named in the configuration.
type SinkOpener func(destination string) (Sink, error)

// Journal records runs for audit. *journal.Journal satisfies it.
type Journal interface {
	Begin(ctx context.Context, run journal.Run) (string, error)
	Finish(ctx context.Context, run journal.Run, actions []journal.Action, entries []journal.Entry) error
}
