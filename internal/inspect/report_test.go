package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/actionarchiver/internal/journal"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func strPtr(s string) *string { return &s }

// recordRun stores a finished run with one archived and one failed action.
func recordRun(t *testing.T, j *journal.Journal, destination string, entries []journal.Entry) string {
	t.Helper()
	ctx := context.Background()

	run := journal.Run{
		Server:      "https://bes.example.com:52311",
		User:        "operator",
		Destination: destination,
		SinkKind:    "directory",
		OlderDays:   30,
		Whose:       "true",
		Workers:     4,
		BatchSize:   2,
		Delete:      true,
		StartedAt:   time.Now().Add(-90 * time.Second),
	}
	id, err := j.Begin(ctx, run)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	finished := time.Now()
	run.ID = id
	run.Status = journal.RunPartial
	run.Query = "(id of it) of bes actions"
	run.Total = 2
	run.Processed = 2
	run.Failed = 1
	run.Deleted = 1
	run.FinishedAt = &finished
	run.LastError = strPtr("1 of 2 actions failed")

	actions := []journal.Action{
		{ActionID: 12, Name: "Patch A", State: "Expired", Issuer: "alice", Batch: 1, Status: journal.ActionDeleted},
		{ActionID: 40, Name: "Rollout", State: "Stopped", Issuer: "bob", MAG: true, Components: 2, Batch: 1,
			Status: journal.ActionFailed, Error: strPtr("fetch action 40: API error")},
	}
	if err := j.Finish(ctx, run, actions, entries); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return id
}

func TestBuildReportRendersRunAndActions(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	id := recordRun(t, j, "/srv/aarchive", []journal.Entry{{Name: "alice/12_action.xml", Size: 6, Digest: "ab"}})

	out, err := BuildReport(context.Background(), j, id[:8])
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, needle := range []string{
		"Archive Run Report",
		id,
		"partial",
		"/srv/aarchive [directory]",
		"4 workers, batch 2",
		"2 processed of 2, 1 failed, 1 deleted",
		"Entries     : 1",
		"[1] 12 Patch A",
		"[1] 40 Rollout [group, 2 components]",
		"fetch action 40: API error",
		"1 of 2 actions failed",
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("output missing %q:\n%s", needle, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	id := recordRun(t, j, "/srv/aarchive", nil)

	out, err := BuildJSONReport(context.Background(), j, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to unmarshal JSON output: %v", err)
	}
	if report.RunID != id {
		t.Errorf("run_id = %s, want %s", report.RunID, id)
	}
	if len(report.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(report.Actions))
	}
	if report.Actions[1].Error == "" || report.Actions[1].Status != "failed" {
		t.Errorf("unexpected failed action: %+v", report.Actions[1])
	}
	if report.Duration == "" {
		t.Error("expected duration for a finished run")
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	if _, err := BuildReport(context.Background(), j, "nope"); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := BuildReport(context.Background(), j, " "); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestBuildRunList(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()

	out, err := BuildRunList(ctx, j, 10)
	if err != nil {
		t.Fatalf("BuildRunList(empty): %v", err)
	}
	if out != "No runs recorded.\n" {
		t.Fatalf("unexpected empty listing: %q", out)
	}

	id := recordRun(t, j, "/srv/aarchive", nil)
	out, err = BuildRunList(ctx, j, 10)
	if err != nil {
		t.Fatalf("BuildRunList: %v", err)
	}
	if !strings.Contains(out, "RUN") || !strings.Contains(out, id[:8]) || !strings.Contains(out, "/srv/aarchive") {
		t.Fatalf("unexpected listing:\n%s", out)
	}

	js, err := BuildRunListJSON(ctx, j, 10)
	if err != nil {
		t.Fatalf("BuildRunListJSON: %v", err)
	}
	var lines []RunLine
	if err := json.Unmarshal([]byte(js), &lines); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(lines) != 1 || lines[0].RunID != id || lines[0].Failed != 1 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}
