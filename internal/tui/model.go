package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/actionarchiver/internal/events"
)

// maxRecent bounds the failure list kept on screen.
const maxRecent = 8

type eventMsg events.Event

// closedMsg reports that the subscription channel was closed.
type closedMsg struct{}

// Model is the bubbletea model of the progress view.
type Model struct {
	events <-chan events.Event
	// onStop is called once when the user asks to stop the run.
	onStop func()

	width int

	runID        string
	destination  string
	workers      int
	total        int64
	processed    int64
	failed       int64
	deleted      int
	deleteFailed int
	batches      int
	batch        int
	started      time.Time
	finished     bool
	stopping     bool
	runErr       string
	failures     []string

	bar     progress.Model
	spinner spinner.Model
	theme   Theme
}

// New creates a model reading from ch. onStop may be nil.
func New(ch <-chan events.Event, onStop func()) Model {
	return Model{
		events:  ch,
		onStop:  onStop,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:   NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(receiveNextEvent(m.events), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.stopping && !m.finished && m.onStop != nil {
				m.onStop()
			}
			m.stopping = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-20, 10), 80)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, receiveNextEvent(m.events)

	case closedMsg:
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one hub event into the model.
func (m *Model) apply(e events.Event) {
	switch e.Type {
	case events.RunStarted:
		var d events.RunStartedData
		if e.Decode(&d) == nil {
			m.runID = d.RunID
			m.destination = d.Destination
			m.total = int64(d.Total)
			m.batches = d.Batches
			m.workers = d.Workers
			m.started = e.At
		}
	case events.BatchStarted:
		var d events.BatchData
		if e.Decode(&d) == nil {
			m.batch = d.Batch
		}
	case events.ActionProcessed:
		var d events.ActionData
		if e.Decode(&d) == nil {
			m.processed = max(m.processed, d.Processed)
			if d.Total > 0 {
				m.total = d.Total
			}
			if !d.OK {
				m.failed++
				m.remember(fmt.Sprintf("action %d: %s", d.ActionID, d.Error))
			}
		}
	case events.ActionDeleted:
		var d events.DeleteData
		if e.Decode(&d) == nil {
			if d.OK {
				m.deleted++
			} else {
				m.deleteFailed++
				m.remember(fmt.Sprintf("delete %d: %s", d.ActionID, d.Error))
			}
		}
	case events.RunFinished:
		var d events.RunFinishedData
		if e.Decode(&d) == nil {
			m.runErr = d.Error
		}
		m.finished = true
	}
}

func (m *Model) remember(line string) {
	m.failures = append(m.failures, line)
	if len(m.failures) > maxRecent {
		m.failures = m.failures[len(m.failures)-maxRecent:]
	}
}

func (m Model) percent() float64 {
	if m.total <= 0 {
		if m.finished {
			return 1
		}
		return 0
	}
	return float64(m.processed) / float64(m.total)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Starting archive run..."
	}

	status := m.spinner.View() + m.theme.StatusRunning.Render(" ARCHIVING")
	switch {
	case m.finished && (m.runErr != "" || m.failed > 0 || m.deleteFailed > 0):
		status = m.theme.StatusFailed.Render("● FINISHED WITH ERRORS")
	case m.finished:
		status = m.theme.StatusOK.Render("● FINISHED")
	case m.stopping:
		status = m.theme.StatusFailed.Render("◌ STOPPING")
	}

	batch := "single batch"
	if m.batches > 1 {
		batch = fmt.Sprintf("batch %d/%d", max(m.batch, 1), m.batches)
	}
	elapsed := ""
	if !m.started.IsZero() {
		elapsed = time.Since(m.started).Round(time.Second).String()
	}

	inner := m.width - 4
	header := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		status,
		m.theme.Dim.Render(fmt.Sprintf("run %s → %s", shortID(m.runID), m.destination)),
		m.theme.Dim.Render(fmt.Sprintf("%d workers, %s %s", m.workers, batch, elapsed)),
	))

	counts := fmt.Sprintf("%d/%d processed  %s  %d deleted",
		m.processed, m.total, m.renderFailed(), m.deleted)
	if m.deleteFailed > 0 {
		counts += "  " + m.theme.StatusFailed.Render(fmt.Sprintf("%d delete failures", m.deleteFailed))
	}
	progressBox := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Progress"),
		m.bar.ViewAs(m.percent()),
		counts,
	))

	parts := []string{header, progressBox}
	if len(m.failures) > 0 {
		lines := make([]string, 0, len(m.failures))
		for _, f := range m.failures {
			lines = append(lines, m.theme.StatusFailed.Render("✗ ")+f)
		}
		parts = append(parts, m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Failures"),
			strings.Join(lines, "\n"),
		)))
	}
	if m.runErr != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.runErr))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Stop the run"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderFailed() string {
	text := fmt.Sprintf("%d failed", m.failed)
	if m.failed > 0 {
		return m.theme.StatusFailed.Render(text)
	}
	return text
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}
