package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/actionarchiver/internal/archive"
)

// VerifyResult compares the entries recorded for a run with what is stored at
// its destination now.
type VerifyResult struct {
	RunID       string   `json:"run_id"`
	Destination string   `json:"destination"`
	Checked     int      `json:"checked"`
	Passed      bool     `json:"passed"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Verify rehashes the run's destination and checks every recorded entry.
// Missing or changed entries are errors. Unrecorded files inside a container
// are warnings; a directory destination may legitimately hold other runs.
func Verify(ctx context.Context, src Source, runID string) (*VerifyResult, error) {
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", runID, err)
	}
	recorded, err := src.Entries(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{RunID: run.ID, Destination: run.Destination, Passed: true}
	if len(recorded) == 0 {
		result.Warnings = append(result.Warnings, "run recorded no archive entries")
		return result, nil
	}

	stored, err := archive.Scan(run.Destination)
	if err != nil {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("cannot read destination: %v", err))
		return result, nil
	}

	// A directory entry may be rewritten by a later write in the same run;
	// only the last recorded digest counts.
	want := make(map[string]string, len(recorded))
	for _, e := range recorded {
		want[e.Name] = e.Digest
	}
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result.Checked++
		got, ok := stored[name]
		if !ok {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("entry %s is missing", name))
			continue
		}
		if got.Digest != want[name] {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", name, want[name], got.Digest))
		}
	}

	if archive.KindOf(run.Destination).IsContainer() {
		var extra []string
		for name := range stored {
			if _, ok := want[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		for _, name := range extra {
			result.Warnings = append(result.Warnings, fmt.Sprintf("entry %s not recorded by the run", name))
		}
	}
	return result, nil
}

// FormatVerify returns a human-readable verification report.
func FormatVerify(r *VerifyResult) string {
	var b strings.Builder
	if r.Passed {
		fmt.Fprintf(&b, "Archive verified: %d entries match (%s)\n", r.Checked, r.Destination)
	} else {
		fmt.Fprintf(&b, "Archive verification failed (%d error(s), %d checked) (%s)\n", len(r.Errors), r.Checked, r.Destination)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  %s\n", w)
	}
	return b.String()
}

// FormatVerifyJSON returns the verification result as indented JSON.
func FormatVerifyJSON(r *VerifyResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
