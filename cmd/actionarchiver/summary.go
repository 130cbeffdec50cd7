package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/actionarchiver/internal/archiver"
	"github.com/mattjoyce/actionarchiver/internal/tui"
)

// renderSummary prints the end-of-run report. Colors are applied only when
// styled is set.
func renderSummary(w io.Writer, s *archiver.Summary, styled bool) {
	if s == nil {
		return
	}

	theme := tui.NewDefaultTheme()
	okStyle, badStyle, dim := theme.StatusOK, theme.StatusFailed, theme.Dim
	if !styled {
		okStyle, badStyle, dim = lipgloss.NewStyle(), lipgloss.NewStyle(), lipgloss.NewStyle()
	}

	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%-15s %s\n", label+":", value)
	}
	count := func(n int, bad bool) string {
		text := fmt.Sprintf("%d", n)
		switch {
		case n == 0:
			return text
		case bad:
			return badStyle.Render(text)
		default:
			return okStyle.Render(text)
		}
	}

	b.WriteString("Archive run summary\n")
	if s.RunID != "" {
		row("Run", s.RunID)
	}
	if s.Destination != "" {
		row("Destination", fmt.Sprintf("%s %s", s.Destination, dim.Render("["+s.SinkKind+"]")))
	}
	selected := fmt.Sprintf("%d", s.Total)
	if s.Batched {
		selected += fmt.Sprintf(" in %d batches", s.Batches)
	}
	row("Selected", selected)
	row("Archived", count(s.Archived(), false))
	row("Failed", count(len(s.Failed()), true))
	row("Deleted", count(len(s.Deleted()), false))
	if n := len(s.DeleteFailures()); n > 0 {
		row("Delete errors", count(n, true))
	}
	row("Entries", fmt.Sprintf("%d", len(s.Entries)))
	row("Elapsed", s.Elapsed().Round(time.Millisecond).String())

	if failed := s.Failed(); len(failed) > 0 {
		b.WriteString("\nNot archived:\n")
		for _, o := range failed {
			fmt.Fprintf(&b, "  %d %s: %s\n", o.Descriptor.ID, o.Descriptor.Name, badStyle.Render(o.Err.Error()))
		}
	}
	if failed := s.DeleteFailures(); len(failed) > 0 {
		b.WriteString("\nNot deleted:\n")
		for _, o := range failed {
			fmt.Fprintf(&b, "  %d %s: %s\n", o.Descriptor.ID, o.Descriptor.Name, badStyle.Render(o.DeleteErr.Error()))
		}
	}
	if len(s.SkippedBatches) > 0 {
		nums := make([]string, len(s.SkippedBatches))
		for i, n := range s.SkippedBatches {
			nums[i] = fmt.Sprintf("%d", n+1)
		}
		fmt.Fprintf(&b, "\nDeletion skipped for batches: %s\n", strings.Join(nums, ", "))
	}

	fmt.Fprint(w, b.String())
}
