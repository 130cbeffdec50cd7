package secret

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// ErrMismatch is returned by Confirm when the two entries never matched.
var ErrMismatch = errors.New("passwords did not match")

// Prompt asks for the password on the terminal without echo. It reports
// "not found" when stdin is not a terminal.
type Prompt struct {
	in  *os.File
	out io.Writer

	isTerminal   func(fd uintptr) bool
	readPassword func(fd int) ([]byte, error)
}

// NewPrompt reads from in and writes prompts to out.
func NewPrompt(in *os.File, out io.Writer) *Prompt {
	return &Prompt{
		in:  in,
		out: out,
		isTerminal: func(fd uintptr) bool {
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
		readPassword: term.ReadPassword,
	}
}

func (*Prompt) Name() string { return "prompt" }

func (p *Prompt) Lookup(_ context.Context, req Request) (string, bool, error) {
	if !p.interactive() {
		return "", false, nil
	}
	pw, err := p.read(fmt.Sprintf("BigFix password for %s: ", req.User))
	if err != nil {
		return "", false, err
	}
	return pw, pw != "", nil
}

// Confirm asks for a new password twice until both entries match, at most
// attempts times.
func (p *Prompt) Confirm(user string, attempts int) (string, error) {
	if !p.interactive() {
		return "", fmt.Errorf("a terminal is required to enter the password")
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := range attempts {
		if i > 0 {
			fmt.Fprintln(p.out, "\nPasswords did not match. Try again.")
		}
		first, err := p.read(fmt.Sprintf("BigFix password for %s: ", user))
		if err != nil {
			return "", err
		}
		second, err := p.read("Enter the password again: ")
		if err != nil {
			return "", err
		}
		if first != "" && first == second {
			return first, nil
		}
	}
	return "", ErrMismatch
}

func (p *Prompt) interactive() bool {
	return p.in != nil && p.isTerminal(p.in.Fd())
}

func (p *Prompt) read(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	b, err := p.readPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
