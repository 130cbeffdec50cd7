package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/actionarchiver/internal/events"
)

// Program runs the progress view alongside an archive run.
type Program struct {
	p      *tea.Program
	cancel func()
	done   chan struct{}
	err    error
}

// Start subscribes to hub and starts drawing. onStop is called when the user
// presses q. Call Wait once the run has returned.
func Start(ctx context.Context, hub *events.Hub, onStop func(), opts ...tea.ProgramOption) *Program {
	ch, cancel := hub.Subscribe()

	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	prog := &Program{
		p:      tea.NewProgram(New(ch, onStop), opts...),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(prog.done)
		if _, err := prog.p.Run(); err != nil &&
			!errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, context.Canceled) {
			prog.err = err
		}
	}()
	return prog
}

// Wait ends the subscription, which lets the view quit, and waits for the
// terminal to be restored.
func (p *Program) Wait() error {
	p.cancel()
	<-p.done
	return p.err
}
