package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/archive"
	"github.com/mattjoyce/actionarchiver/internal/archiver/mocks"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/events"
	"github.com/mattjoyce/actionarchiver/internal/journal"
	"github.com/mattjoyce/actionarchiver/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// trace is a shared, ordered record of sink writes, closes and deletes.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func (t *trace) index(step string) int {
	for i, s := range t.snapshot() {
		if s == step {
			return i
		}
	}
	return -1
}

// fakeSink is an in-memory container-style sink.
type fakeSink struct {
	trace  *trace
	mu     sync.Mutex
	files  map[string]string
	closes int
}

func newFakeSink(tr *trace) *fakeSink {
	return &fakeSink{trace: tr, files: make(map[string]string)}
}

func (s *fakeSink) ResolvePath(segments ...string) string { return path.Join(segments...) }

func (s *fakeSink) EnsureContainer(string) error { return nil }

func (s *fakeSink) WriteText(p, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return archive.ErrClosed
	}
	s.files[p] = text
	s.trace.add("write:" + p)
	return nil
}

func (s *fakeSink) Entries() []archive.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]archive.Entry, 0, len(s.files))
	for name, text := range s.files {
		out = append(out, archive.Entry{Name: name, Size: int64(len(text))})
	}
	return out
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.trace.add("close")
	return nil
}

func (s *fakeSink) file(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.files[name]
	return text, ok
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Host = "bes.example.com"
	cfg.Server.User = "operator"
	cfg.Server.Password = "s3cret"
	cfg.Archive.Destination = "archive"
	cfg.Archive.Delete = true
	cfg.Pool.Workers = 2
	cfg.Progress.Interval = 0
	return cfg
}

// fixture is the three-action scenario: 1 and 3 are plain actions, 2 is a
// multiple action group with components 21 and 22.
type fixture struct {
	cfg     *config.Config
	svc     *mocks.MockService
	sink    *fakeSink
	trace   *trace
	failing map[int64]bool
	onFetch func(id int64)
	opened  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := &trace{}
	return &fixture{
		cfg:     testConfig(),
		svc:     mocks.NewMockService(ctrl),
		sink:    newFakeSink(tr),
		trace:   tr,
		failing: map[int64]bool{},
	}
}

func rowsOf(t *testing.T, rows ...[]any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		b, err := json.Marshal(r)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

// expectReads wires login, both queries and the fetch calls.
func (f *fixture) expectReads(t *testing.T) {
	t.Helper()
	closedQuery := action.ClosedActionsQuery(f.cfg.Archive.Whose, f.cfg.Archive.OlderDays)

	f.svc.EXPECT().Login(gomock.Any()).Return(nil)
	f.svc.EXPECT().Query(gomock.Any(), closedQuery).Return(&bigfix.QueryResult{
		Query: closedQuery,
		Rows: rowsOf(t,
			[]any{1, "Expired", "A1", "Mon, 02 Jan 2023 09:00:00 +0000", "alice", false},
			[]any{2, "Stopped", "A2", "Mon, 02 Jan 2023 09:00:00 +0000", "alice", true},
			[]any{3, "Expired", "A3", "Mon, 02 Jan 2023 09:00:00 +0000", "bob", false},
		),
	}, nil)
	f.svc.EXPECT().Query(gomock.Any(), action.MemberActionsQuery(2)).Return(&bigfix.QueryResult{
		Rows: rowsOf(t, []any{21, "Expired", "C1"}, []any{22, "Expired", "C2"}),
	}, nil).AnyTimes()

	f.svc.EXPECT().Action(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id int64) (string, error) {
		if f.onFetch != nil {
			f.onFetch(id)
		}
		if f.failing[id] {
			return "", &bigfix.APIError{Method: "GET", URL: fmt.Sprintf("/api/action/%d", id), Status: 500, Reason: "Internal Server Error"}
		}
		return fmt.Sprintf("<BES id=%d/>", id), nil
	}).AnyTimes()
	f.svc.EXPECT().ActionStatus(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id int64) (string, error) {
		return fmt.Sprintf("<BESAPI id=%d/>", id), nil
	}).AnyTimes()
}

// expectDeletes records each delete in the trace and answers "ok".
func (f *fixture) expectDeletes(ids ...int64) {
	for _, id := range ids {
		f.svc.EXPECT().DeleteAction(gomock.Any(), id).DoAndReturn(func(_ context.Context, id int64) (string, error) {
			f.trace.add(fmt.Sprintf("delete:%d", id))
			return "ok", nil
		}).Times(1)
	}
}

func (f *fixture) controller(opts ...Option) *Controller {
	opts = append([]Option{WithSinkOpener(func(string) (Sink, error) {
		f.opened++
		return f.sink, nil
	})}, opts...)
	return New(f.cfg, f.svc, opts...)
}

func issuerOf(id int64) string {
	if id == 3 {
		return "bob"
	}
	return "alice"
}

func TestRunUnbatchedArchivesThenDeletes(t *testing.T) {
	f := newFixture(t)
	f.expectReads(t)
	f.expectDeletes(1, 2, 3)

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Archived())
	assert.ElementsMatch(t, []int64{1, 2, 3}, summary.Deleted())
	assert.Equal(t, 1, f.sink.closes)

	for _, name := range []string{
		"action_data.json", "execution_config_data.json",
		"alice/1_action.xml", "alice/1_result.xml", "alice/1_META.txt",
		"alice/2_action.xml", "alice/2_result.xml", "alice/2_META.txt",
		"alice/2_MAG/21_action.xml", "alice/2_MAG/21_result.xml",
		"alice/2_MAG/22_action.xml", "alice/2_MAG/22_result.xml",
		"bob/3_action.xml", "bob/3_result.xml", "bob/3_META.txt",
	} {
		_, ok := f.sink.file(name)
		assert.True(t, ok, "missing %s", name)
	}
	text, _ := f.sink.file("alice/2_MAG/22_action.xml")
	assert.Equal(t, "<BES id=22/>", text)

	closeAt := f.trace.index("close")
	for _, id := range []int64{1, 2, 3} {
		del := f.trace.index(fmt.Sprintf("delete:%d", id))
		assert.Greater(t, del, closeAt, "unbatched deletes happen after close")
		for _, suffix := range []string{"_action.xml", "_result.xml", "_META.txt"} {
			w := f.trace.index(fmt.Sprintf("write:%s/%d%s", issuerOf(id), id, suffix))
			assert.Less(t, w, del, "action %d deleted before %s was written", id, suffix)
		}
	}
	assert.Len(t, summary.Entries, 15)
}

func TestRunUnbatchedFailureAbortsWithoutDeletes(t *testing.T) {
	f := newFixture(t)
	f.failing[22] = true
	f.expectReads(t)
	// No DeleteAction expectations: any delete fails the test.

	summary, err := f.controller().Run(context.Background())

	var pf *ProcessingFailedError
	require.True(t, errors.As(err, &pf), "got %v", err)
	assert.Equal(t, 1, pf.Failed)
	assert.Equal(t, 3, pf.Total)
	assert.LessOrEqual(t, f.sink.closes, 1)
	assert.Equal(t, 1, f.sink.closes, "sink is still closed on abort")
	assert.Empty(t, summary.Deleted())

	failed := summary.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].Descriptor.ID)
	assert.Contains(t, failed[0].Err.Error(), "fetch action 22")
}

func TestRunBatchedFailureSkipsOnlyThatBatch(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pool.BatchSize = 1
	f.failing[22] = true
	f.expectReads(t)
	f.expectDeletes(1, 3)

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, []int{1}, summary.SkippedBatches)
	assert.Equal(t, []int64{1, 3}, summary.Deleted())
	assert.Len(t, summary.Failed(), 1)
	assert.Equal(t, 1, f.sink.closes)

	// Batch 0 is deleted before batch 1 starts writing; batch 1 is finished
	// before batch 2 starts.
	assert.Less(t, f.trace.index("delete:1"), f.trace.index("write:alice/2_action.xml"))
	assert.Less(t, f.trace.index("write:alice/2_META.txt"), f.trace.index("write:bob/3_action.xml"))
	assert.Less(t, f.trace.index("write:bob/3_META.txt"), f.trace.index("delete:3"))
}

func TestRunRejectsBatchingIntoContainer(t *testing.T) {
	f := newFixture(t)
	f.cfg.Archive.Destination = "out/actions.zip"
	f.cfg.Pool.BatchSize = 2
	// No expectations on the service: it must not be contacted.

	_, err := f.controller().Run(context.Background())

	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "pool.batch_size", cfgErr.Field)
	assert.Zero(t, f.opened)
}

func TestRunFatalServiceErrors(t *testing.T) {
	t.Run("login", func(t *testing.T) {
		f := newFixture(t)
		f.svc.EXPECT().Login(gomock.Any()).Return(&bigfix.AuthenticationError{URL: "https://bes/api/login", Status: 401})

		_, err := f.controller().Run(context.Background())
		var authErr *bigfix.AuthenticationError
		assert.True(t, errors.As(err, &authErr), "got %v", err)
		assert.Zero(t, f.opened)
	})

	t.Run("query", func(t *testing.T) {
		f := newFixture(t)
		f.svc.EXPECT().Login(gomock.Any()).Return(nil)
		f.svc.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, &bigfix.ConnectionError{Op: "POST", URL: "https://bes/api/query", Err: errors.New("reset")})

		_, err := f.controller().Run(context.Background())
		var connErr *bigfix.ConnectionError
		assert.True(t, errors.As(err, &connErr), "got %v", err)
		assert.Zero(t, f.opened)
	})

	t.Run("destination", func(t *testing.T) {
		f := newFixture(t)
		f.svc.EXPECT().Login(gomock.Any()).Return(nil)
		f.svc.EXPECT().Query(gomock.Any(), gomock.Any()).Return(&bigfix.QueryResult{}, nil)

		c := New(f.cfg, f.svc, WithSinkOpener(func(dest string) (Sink, error) {
			return nil, &archive.InvalidDestinationError{Path: dest, Err: errors.New("is a file")}
		}))
		_, err := c.Run(context.Background())
		var invalid *archive.InvalidDestinationError
		assert.True(t, errors.As(err, &invalid), "got %v", err)
	})
}

func TestRunRecordsDeleteFailures(t *testing.T) {
	f := newFixture(t)
	f.expectReads(t)
	f.svc.EXPECT().DeleteAction(gomock.Any(), int64(1)).Return("", &bigfix.APIError{Method: "DELETE", Status: 403, Reason: "Forbidden"})
	f.svc.EXPECT().DeleteAction(gomock.Any(), int64(2)).Return("Action is locked", nil)
	f.svc.EXPECT().DeleteAction(gomock.Any(), int64(3)).Return("ok", nil)

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{3}, summary.Deleted())
	failures := summary.DeleteFailures()
	require.Len(t, failures, 2)
	var msgs []string
	for _, o := range failures {
		msgs = append(msgs, o.DeleteErr.Error())
	}
	assert.Contains(t, strings.Join(msgs, "\n"), `returned "Action is locked"`)
}

func TestRunWithoutDeleteLeavesServerAlone(t *testing.T) {
	f := newFixture(t)
	f.cfg.Archive.Delete = false
	f.expectReads(t)

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Deleted())
	assert.Equal(t, 3, summary.Archived())
}

func TestRunWritesManifests(t *testing.T) {
	f := newFixture(t)
	f.cfg.Archive.Delete = false
	f.expectReads(t)

	_, err := f.controller().Run(context.Background())
	require.NoError(t, err)

	cfgManifest, ok := f.sink.file("execution_config_data.json")
	require.True(t, ok)
	assert.Contains(t, cfgManifest, `"bfpass": "Removed_for_Security"`)
	assert.NotContains(t, cfgManifest, "s3cret")

	actionManifest, ok := f.sink.file("action_data.json")
	require.True(t, ok)
	assert.Contains(t, actionManifest, `"query": "(id of it, state of it`)

	assert.Less(t, f.trace.index("write:execution_config_data.json"), f.trace.index("write:alice/1_action.xml"))
}

func TestRunEmptySelection(t *testing.T) {
	f := newFixture(t)
	f.svc.EXPECT().Login(gomock.Any()).Return(nil)
	f.svc.EXPECT().Query(gomock.Any(), gomock.Any()).Return(&bigfix.QueryResult{}, nil)

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Zero(t, summary.Batches)
	assert.Equal(t, 1, f.sink.closes)
}

func TestRunRecordsJournal(t *testing.T) {
	f := newFixture(t)
	f.expectReads(t)
	f.expectDeletes(1, 2, 3)

	j := mocks.NewMockJournal(gomock.NewController(t))
	j.EXPECT().Begin(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, run journal.Run) (string, error) {
		assert.Equal(t, "bes.example.com:52311", run.Server)
		assert.True(t, run.Delete)
		return "run-1", nil
	})
	j.EXPECT().Finish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, run journal.Run, actions []journal.Action, entries []journal.Entry) error {
			assert.Equal(t, "run-1", run.ID)
			assert.Equal(t, journal.RunSucceeded, run.Status)
			assert.Equal(t, 3, run.Deleted)
			assert.Len(t, actions, 3)
			for _, a := range actions {
				assert.Equal(t, journal.ActionDeleted, a.Status)
			}
			assert.Len(t, entries, 15)
			return nil
		})

	summary, err := f.controller(WithJournal(j)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
}

func TestRunJournalFailureDoesNotStopRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.Archive.Delete = false
	f.expectReads(t)

	j := mocks.NewMockJournal(gomock.NewController(t))
	j.EXPECT().Begin(gomock.Any(), gomock.Any()).Return("", errors.New("disk full"))

	summary, err := f.controller(WithJournal(j)).Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
}

func TestRunPublishesEvents(t *testing.T) {
	f := newFixture(t)
	f.expectReads(t)
	f.expectDeletes(1, 2, 3)
	hub := events.NewHub(64)

	_, err := f.controller(WithEvents(hub)).Run(context.Background())
	require.NoError(t, err)

	counts := map[string]int{}
	var last string
	for _, ev := range hub.History(0) {
		counts[ev.Type]++
		last = ev.Type
	}
	assert.Equal(t, 1, counts[events.RunStarted])
	assert.Equal(t, 3, counts[events.ActionProcessed])
	assert.Equal(t, 3, counts[events.ActionDeleted])
	assert.Equal(t, events.RunFinished, last)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pool.BatchSize = 1
	f.cfg.Archive.Delete = false
	f.expectReads(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onFetch = func(id int64) {
		if id == 1 {
			cancel()
		}
	}

	summary, err := f.controller().Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Processed(), "no batch starts after cancellation")
	assert.Equal(t, 1, f.sink.closes)
}

func TestRunOutcomesFollowSelectionOrder(t *testing.T) {
	f := newFixture(t)
	f.expectReads(t)
	f.expectDeletes(1, 2, 3)

	// Action 1 finishes only after action 3 has been fetched.
	fetched3 := make(chan struct{})
	var once sync.Once
	f.onFetch = func(id int64) {
		switch id {
		case 3:
			once.Do(func() { close(fetched3) })
		case 1:
			select {
			case <-fetched3:
			case <-time.After(2 * time.Second):
			}
		}
	}

	summary, err := f.controller().Run(context.Background())
	require.NoError(t, err)

	var ids []int64
	for _, o := range summary.Actions {
		ids = append(ids, o.Descriptor.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestRunRecordsAbsoluteDestination(t *testing.T) {
	t.Chdir(t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)

	f := newFixture(t)
	f.expectReads(t)
	f.expectDeletes(1, 2, 3)

	var opened string
	c := New(f.cfg, f.svc, WithSinkOpener(func(dest string) (Sink, error) {
		opened = dest
		return f.sink, nil
	}))
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	want := filepath.Join(wd, "archive")
	assert.Equal(t, want, summary.Destination)
	assert.Equal(t, want, opened)
}
