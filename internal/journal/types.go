package journal

import (
	"errors"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	// RunPartial marks a completed run with failed actions or deletions.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

type ActionStatus string

const (
	ActionArchived     ActionStatus = "archived"
	ActionFailed       ActionStatus = "failed"
	ActionDeleted      ActionStatus = "deleted"
	ActionDeleteFailed ActionStatus = "delete_failed"
)

type Run struct {
	ID          string
	Status      RunStatus
	Server      string
	User        string
	Destination string
	SinkKind    string
	Query       string
	OlderDays   int
	Whose       string
	Workers     int
	BatchSize   int
	Delete      bool
	Total       int
	Processed   int
	Failed      int
	Deleted     int
	StartedAt   time.Time
	FinishedAt  *time.Time
	LastError   *string
}

type Action struct {
	ActionID    int64
	Name        string
	State       string
	Issuer      string
	Issued      string
	MAG         bool
	Components  int
	Batch       int
	Status      ActionStatus
	Error       *string
	DeleteError *string
}

// Entry is one file written into the archive.
type Entry struct {
	Seq    int
	Name   string
	Size   int64
	Digest string
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrAmbiguousRun = errors.New("run id prefix is ambiguous")
)
