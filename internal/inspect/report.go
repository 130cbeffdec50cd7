// Package inspect renders reports over the run journal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/actionarchiver/internal/journal"
)

// Source is the read side of the run journal.
type Source interface {
	ListRuns(ctx context.Context, limit int) ([]journal.Run, error)
	GetRun(ctx context.Context, id string) (*journal.Run, error)
	Actions(ctx context.Context, runID string) ([]journal.Action, error)
	Entries(ctx context.Context, runID string) ([]journal.Entry, error)
}

// Report is the structured JSON representation of one recorded run.
type Report struct {
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"`
	Server      string     `json:"server"`
	User        string     `json:"user"`
	Destination string     `json:"destination"`
	SinkKind    string     `json:"sink_kind"`
	Query       string     `json:"query,omitempty"`
	OlderDays   int        `json:"older_days"`
	Whose       string     `json:"whose"`
	Workers     int        `json:"workers"`
	BatchSize   int        `json:"batch_size"`
	Delete      bool       `json:"delete"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Deleted     int        `json:"deleted"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Entries     int        `json:"entries"`
	Actions     []Action   `json:"actions"`
}

// Action is one archived action inside a Report.
type Action struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Issuer      string `json:"issuer"`
	Issued      string `json:"issued,omitempty"`
	MAG         bool   `json:"mag,omitempty"`
	Components  int    `json:"components,omitempty"`
	Batch       int    `json:"batch"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	DeleteError string `json:"delete_error,omitempty"`
}

// RunLine is one row of the run listing.
type RunLine struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	Destination string    `json:"destination"`
	Total       int       `json:"total"`
	Failed      int       `json:"failed"`
	Deleted     int       `json:"deleted"`
}

// BuildRunList renders the most recent runs as a table.
func BuildRunList(ctx context.Context, src Source, limit int) (string, error) {
	lines, err := gatherRunList(ctx, src, limit)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "No runs recorded.\n", nil
	}

	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tTOTAL\tFAILED\tDELETED\tDESTINATION")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			shortID(l.RunID), l.Status, l.StartedAt.Local().Format("2006-01-02 15:04:05"),
			l.Total, l.Failed, l.Deleted, l.Destination)
	}
	if err := tw.Flush(); err != nil {
		return "", fmt.Errorf("render run list: %w", err)
	}
	return out.String(), nil
}

// BuildRunListJSON returns the run listing as indented JSON.
func BuildRunListJSON(ctx context.Context, src Source, limit int) (string, error) {
	lines, err := gatherRunList(ctx, src, limit)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(lines, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run list: %w", err)
	}
	return string(data), nil
}

func gatherRunList(ctx context.Context, src Source, limit int) ([]RunLine, error) {
	runs, err := src.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]RunLine, 0, len(runs))
	for _, r := range runs {
		lines = append(lines, RunLine{
			RunID:       r.ID,
			Status:      string(r.Status),
			StartedAt:   r.StartedAt,
			Destination: r.Destination,
			Total:       r.Total,
			Failed:      r.Failed,
			Deleted:     r.Deleted,
		})
	}
	return lines, nil
}

// BuildReport renders a terminal-friendly report for one run.
func BuildReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Archive Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Server      : %s (user %s)\n", report.Server, report.User)
	fmt.Fprintf(&out, "Destination : %s [%s]\n", report.Destination, report.SinkKind)
	fmt.Fprintf(&out, "Selection   : older than %d days, whose %s\n", report.OlderDays, report.Whose)
	fmt.Fprintf(&out, "Pool        : %d workers, batch %s\n", report.Workers, renderBatch(report.BatchSize))
	fmt.Fprintf(&out, "Delete      : %t\n", report.Delete)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Local().Format(time.RFC3339))
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", report.FinishedAt.Local().Format(time.RFC3339), report.Duration)
	} else {
		fmt.Fprintf(&out, "Finished    : <not finished>\n")
	}
	fmt.Fprintf(&out, "Actions     : %d processed of %d, %d failed, %d deleted\n",
		report.Processed, report.Total, report.Failed, report.Deleted)
	fmt.Fprintf(&out, "Entries     : %d\n", report.Entries)
	if report.LastError != "" {
		fmt.Fprintf(&out, "Last error  : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for _, a := range report.Actions {
		kind := ""
		if a.MAG {
			kind = fmt.Sprintf(" [group, %d components]", a.Components)
		}
		fmt.Fprintf(&out, "[%d] %d %s%s\n", a.Batch, a.ID, a.Name, kind)
		fmt.Fprintf(&out, "    issuer : %s\n", a.Issuer)
		fmt.Fprintf(&out, "    state  : %s\n", a.State)
		fmt.Fprintf(&out, "    status : %s\n", a.Status)
		if a.Error != "" {
			fmt.Fprintf(&out, "    error  : %s\n", a.Error)
		}
		if a.DeleteError != "" {
			fmt.Fprintf(&out, "    delete : %s\n", a.DeleteError)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report for one run.
func BuildJSONReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", runID, err)
	}
	actions, err := src.Actions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	entries, err := src.Entries(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:       run.ID,
		Status:      string(run.Status),
		Server:      run.Server,
		User:        run.User,
		Destination: run.Destination,
		SinkKind:    run.SinkKind,
		Query:       run.Query,
		OlderDays:   run.OlderDays,
		Whose:       run.Whose,
		Workers:     run.Workers,
		BatchSize:   run.BatchSize,
		Delete:      run.Delete,
		Total:       run.Total,
		Processed:   run.Processed,
		Failed:      run.Failed,
		Deleted:     run.Deleted,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		LastError:   deref(run.LastError),
		Entries:     len(entries),
		Actions:     make([]Action, 0, len(actions)),
	}
	if run.FinishedAt != nil {
		report.Duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}

	for _, a := range actions {
		report.Actions = append(report.Actions, Action{
			ID:          a.ActionID,
			Name:        a.Name,
			State:       a.State,
			Issuer:      a.Issuer,
			Issued:      a.Issued,
			MAG:         a.MAG,
			Components:  a.Components,
			Batch:       a.Batch,
			Status:      string(a.Status),
			Error:       deref(a.Error),
			DeleteError: deref(a.DeleteError),
		})
	}
	return report, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderBatch(size int) string {
	if size <= 0 {
		return "off"
	}
	return fmt.Sprint(size)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
