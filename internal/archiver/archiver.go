// Package archiver runs one archive pass end to end.
//
// A run moves through these phases, stopping at the first fatal error:
//
//	validate -> login -> query -> open sink -> write manifests
//	  -> process batch 1 [-> delete batch 1] -> ... -> close sink
//	  -> [delete everything, unbatched runs only]
//
// No action is ever deleted before its archive writes have returned. In an
// unbatched run, nothing is deleted before the sink is closed, and any failed
// action aborts the run before the delete phase. In a batched run, a batch
// with a failure keeps all of its actions on the server and the run moves on.
package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/archive"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/dispatch"
	"github.com/mattjoyce/actionarchiver/internal/events"
	"github.com/mattjoyce/actionarchiver/internal/journal"
	"github.com/mattjoyce/actionarchiver/internal/log"
	"github.com/mattjoyce/actionarchiver/internal/progress"
	"github.com/mattjoyce/actionarchiver/internal/scheduler"
)

const (
	actionManifestName = "action_data.json"
	configManifestName = "execution_config_data.json"
	deleteConfirmation = "ok"
)

// Controller owns the sink and the service connection for one run.
type Controller struct {
	cfg      *config.Config
	service  Service
	openSink SinkOpener
	journal  Journal
	events   *events.Hub
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSinkOpener replaces archive.Open.
func WithSinkOpener(fn SinkOpener) Option {
	return func(c *Controller) { c.openSink = fn }
}

// WithJournal records the run in j.
func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithEvents publishes run progress on hub.
func WithEvents(hub *events.Hub) Option {
	return func(c *Controller) { c.events = hub }
}

// New creates a Controller for cfg talking to svc.
func New(cfg *config.Config, svc Service, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		service:  svc,
		openSink: openArchive,
		logger:   log.WithComponent("archiver"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func openArchive(destination string) (Sink, error) {
	s, err := archive.Open(destination)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run executes one archive pass. The returned summary is never nil; it
// describes whatever was done before a fatal error.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		Destination: c.cfg.Archive.Destination,
		SinkKind:    archive.KindOf(c.cfg.Archive.Destination).String(),
		Batched:     c.cfg.Pool.BatchSize > 0,
		Started:     c.now(),
	}

	if err := c.cfg.Validate(); err != nil {
		summary.Finished = c.now()
		return summary, err
	}
	// Recorded paths must not depend on the working directory of a later
	// reader such as journal verify.
	abs, err := filepath.Abs(c.cfg.Archive.Destination)
	if err != nil {
		summary.Finished = c.now()
		return summary, &archive.InvalidDestinationError{Path: c.cfg.Archive.Destination, Err: err}
	}
	summary.Destination = abs
	for _, w := range c.cfg.Warnings() {
		c.logger.Warn(w)
	}

	summary.RunID = c.beginJournal(ctx, summary)
	c.logger.Info("archive run started",
		"run_id", summary.RunID,
		"destination", summary.Destination,
		"kind", summary.SinkKind,
		"workers", c.cfg.Pool.Workers,
		"batch_size", c.cfg.Pool.BatchSize,
		"delete", c.cfg.Archive.Delete,
	)

	err = c.run(ctx, summary)
	summary.Finished = c.now()

	c.finishJournal(ctx, summary, err)
	finished := events.RunFinishedData{
		RunID:     summary.RunID,
		Processed: summary.Processed(),
		Failed:    len(summary.Failed()),
		Deleted:   len(summary.Deleted()),
	}
	if err != nil {
		finished.Error = err.Error()
		c.logger.Error("archive run aborted", "run_id", summary.RunID, "error", err)
	} else {
		c.logger.Info("archive run finished",
			"run_id", summary.RunID,
			"archived", summary.Archived(),
			"failed", finished.Failed,
			"deleted", finished.Deleted,
			"elapsed_ms", summary.Elapsed().Milliseconds(),
		)
	}
	c.events.Publish(events.RunFinished, finished)
	return summary, err
}

func (c *Controller) run(ctx context.Context, summary *Summary) error {
	if err := c.service.Login(ctx); err != nil {
		return fmt.Errorf("connect to BigFix server %s: %w", c.cfg.Server.Host, err)
	}

	summary.Query = action.ClosedActionsQuery(c.cfg.Archive.Whose, c.cfg.Archive.OlderDays)
	res, err := c.service.Query(ctx, summary.Query)
	if err != nil {
		return fmt.Errorf("query closed actions: %w", err)
	}
	descs, err := action.ParseDescriptors(res.Rows)
	if err != nil {
		return fmt.Errorf("parse closed actions: %w", err)
	}
	summary.Total = len(descs)
	summary.Batches = len(scheduler.Partition(descs, c.cfg.Pool.BatchSize))
	c.logger.Info("closed actions selected", "count", len(descs), "batches", summary.Batches)

	sink, err := c.openSink(summary.Destination)
	if err != nil {
		return err
	}
	closed := false
	closeSink := func() error {
		if closed {
			return nil
		}
		closed = true
		return sink.Close()
	}
	defer func() { summary.Entries = sink.Entries() }()
	defer func() {
		if err := closeSink(); err != nil {
			c.logger.Error("closing archive after abort failed", "error", err)
		}
	}()

	if err := c.writeManifests(sink, res); err != nil {
		return err
	}

	tracker := progress.NewTracker(len(descs))
	stopReporter := progress.NewReporter(tracker, c.cfg.Progress.Interval).Start(ctx)
	defer stopReporter()

	sched, err := scheduler.New(c.cfg.Pool.Workers, c.cfg.Pool.BatchSize, dispatch.New(c.service, sink), tracker, c.events)
	if err != nil {
		return err
	}

	c.events.Publish(events.RunStarted, events.RunStartedData{
		RunID:       summary.RunID,
		Destination: summary.Destination,
		Total:       len(descs),
		Batches:     summary.Batches,
		Workers:     c.cfg.Pool.Workers,
	})

	_, err = sched.Run(ctx, descs, func(ctx context.Context, br scheduler.BatchResult) {
		c.collect(summary, br)
		if !summary.Batched {
			return
		}
		if failed := br.Failed(); failed > 0 {
			summary.SkippedBatches = append(summary.SkippedBatches, br.Index)
			if c.cfg.Archive.Delete {
				log.WithBatch(br.Index).Warn("batch had failures, skipping its deletions",
					"component", "archiver", "failed", failed, "size", len(br.Results))
			}
			return
		}
		if c.cfg.Archive.Delete {
			c.deleteActions(ctx, summary, tracker, br.Succeeded())
		}
	})
	if err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}

	if failed := len(summary.Failed()); !summary.Batched && failed > 0 {
		return &ProcessingFailedError{Failed: failed, Total: summary.Total}
	}

	if err := closeSink(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if !summary.Batched && c.cfg.Archive.Delete {
		archived := make([]action.Descriptor, 0, len(summary.Actions))
		for _, o := range summary.Actions {
			archived = append(archived, o.Descriptor)
		}
		c.deleteActions(ctx, summary, tracker, archived)
	}
	return nil
}

func (c *Controller) writeManifests(sink Sink, res *bigfix.QueryResult) error {
	actionData, err := res.ManifestJSON()
	if err != nil {
		return err
	}
	if err := sink.WriteText(sink.ResolvePath(actionManifestName), string(actionData)); err != nil {
		return fmt.Errorf("write %s: %w", actionManifestName, err)
	}

	configData, err := c.cfg.ManifestJSON()
	if err != nil {
		return err
	}
	if err := sink.WriteText(sink.ResolvePath(configManifestName), string(configData)); err != nil {
		return fmt.Errorf("write %s: %w", configManifestName, err)
	}
	return nil
}

func (c *Controller) collect(summary *Summary, br scheduler.BatchResult) {
	for _, r := range br.Results {
		summary.add(ActionOutcome{
			Descriptor: r.Descriptor,
			Batch:      br.Index,
			Components: r.Components,
			Err:        r.Err,
		})
	}
}

// deleteActions deletes descs one at a time. Failures are recorded and do not
// stop the remaining deletions.
func (c *Controller) deleteActions(ctx context.Context, summary *Summary, tracker *progress.Tracker, descs []action.Descriptor) {
	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("deletion phase interrupted", "remaining", len(descs)-i, "error", err)
			return
		}

		logger := log.WithAction(d.ID).With("component", "archiver")
		confirm, err := c.service.DeleteAction(ctx, d.ID)
		if err == nil && confirm != deleteConfirmation {
			err = fmt.Errorf("DELETE /api/action/%d returned %q", d.ID, confirm)
		}
		tracker.Deleted(err == nil)

		data := events.DeleteData{ActionID: d.ID, OK: err == nil}
		if o := summary.outcome(d.ID); o != nil {
			o.Deleted = err == nil
			o.DeleteErr = err
		}
		if err != nil {
			data.Error = err.Error()
			logger.Warn("delete failed", "error", err)
		} else {
			logger.Debug("action deleted")
		}
		c.events.Publish(events.ActionDeleted, data)
	}
}

func (c *Controller) journalRun(summary *Summary) journal.Run {
	return journal.Run{
		ID:          summary.RunID,
		Server:      c.cfg.Server.Host + ":" + strconv.Itoa(c.cfg.Server.Port),
		User:        c.cfg.Server.User,
		Destination: summary.Destination,
		SinkKind:    summary.SinkKind,
		Query:       summary.Query,
		OlderDays:   c.cfg.Archive.OlderDays,
		Whose:       c.cfg.Archive.Whose,
		Workers:     c.cfg.Pool.Workers,
		BatchSize:   c.cfg.Pool.BatchSize,
		Delete:      c.cfg.Archive.Delete,
		StartedAt:   summary.Started,
	}
}

// beginJournal returns the run id, recording the run when a journal is set.
// Journal failures are logged and never stop the run.
func (c *Controller) beginJournal(ctx context.Context, summary *Summary) string {
	if c.journal == nil {
		return uuid.NewString()
	}
	id, err := c.journal.Begin(ctx, c.journalRun(summary))
	if err != nil {
		c.logger.Warn("journal unavailable, run will not be recorded", "error", err)
		c.journal = nil
		return uuid.NewString()
	}
	return id
}

func (c *Controller) finishJournal(ctx context.Context, summary *Summary, runErr error) {
	if c.journal == nil {
		return
	}

	run := c.journalRun(summary)
	run.Total = summary.Total
	run.Processed = summary.Processed()
	run.Failed = len(summary.Failed())
	run.Deleted = len(summary.Deleted())
	finished := summary.Finished
	run.FinishedAt = &finished

	switch {
	case runErr != nil:
		run.Status = journal.RunFailed
	case run.Failed > 0 || len(summary.DeleteFailures()) > 0:
		run.Status = journal.RunPartial
	default:
		run.Status = journal.RunSucceeded
	}
	if runErr != nil {
		msg := runErr.Error()
		run.LastError = &msg
	}

	actions := make([]journal.Action, 0, len(summary.Actions))
	for _, o := range summary.Actions {
		a := journal.Action{
			ActionID:   o.Descriptor.ID,
			Name:       o.Descriptor.Name,
			State:      o.Descriptor.State,
			Issuer:     o.Descriptor.Issuer,
			Issued:     o.Descriptor.Issued,
			MAG:        o.Descriptor.MAG,
			Components: o.Components,
			Batch:      o.Batch,
			Status:     journal.ActionArchived,
		}
		switch {
		case o.Err != nil:
			a.Status = journal.ActionFailed
			msg := o.Err.Error()
			a.Error = &msg
		case o.DeleteErr != nil:
			a.Status = journal.ActionDeleteFailed
			msg := o.DeleteErr.Error()
			a.DeleteError = &msg
		case o.Deleted:
			a.Status = journal.ActionDeleted
		}
		actions = append(actions, a)
	}

	entries := make([]journal.Entry, 0, len(summary.Entries))
	for i, e := range summary.Entries {
		entries = append(entries, journal.Entry{Seq: i + 1, Name: e.Name, Size: e.Size, Digest: e.Digest})
	}

	if err := c.journal.Finish(context.WithoutCancel(ctx), run, actions, entries); err != nil {
		c.logger.Warn("failed to record run in journal", "run_id", run.ID, "error", err)
	}
}
