package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/inspect"
	"github.com/mattjoyce/actionarchiver/internal/journal"
)

func runJournalNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printJournalHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "list":
		return runJournalList(actionArgs)
	case "show":
		return runJournalShow(actionArgs)
	case "verify":
		return runJournalVerify(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", action)
		printJournalHelp(os.Stderr)
		return 1
	}
}

func printJournalHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: actionarchiver journal <action> [flags]

Actions:
  list [--limit N] [--json]   List recorded runs, newest first
  show <run-id> [--json]      Show one run and its actions
  verify <run-id> [--json]    Re-hash the run's archive and compare with the journal

Flags:
  --journal FILE   SQLite journal (or journal: in --config)
  --config FILE    YAML configuration supplying the journal path

A run id may be abbreviated to any unique prefix.
`)
}

type journalFlags struct {
	fs         *flag.FlagSet
	journal    string
	configPath string
	jsonOut    bool
}

func newJournalFlags(name string) *journalFlags {
	jf := &journalFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	jf.fs.SetOutput(io.Discard)
	jf.fs.StringVar(&jf.journal, "journal", "", "SQLite journal path")
	jf.fs.StringVar(&jf.configPath, "config", "", "YAML configuration")
	jf.fs.BoolVar(&jf.jsonOut, "json", false, "Output JSON")
	return jf
}

// open resolves the journal path and opens it. A missing file is an error;
// read commands never create a journal.
func (jf *journalFlags) open(ctx context.Context) (*journal.Journal, error) {
	path := jf.journal
	if path == "" && jf.configPath != "" {
		cfg, err := config.Load(jf.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Journal
	}
	if path == "" {
		return nil, fmt.Errorf("no journal configured: pass --journal or set journal: in --config")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	return journal.Open(ctx, path)
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func runJournalList(args []string) int {
	jf := newJournalFlags("journal list")
	limit := jf.fs.Int("limit", 20, "Maximum runs to list (0 for all)")
	if _, code, ok := parseJournalFlags(jf, args, 0); !ok {
		return code
	}

	ctx := context.Background()
	j, err := jf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	var out string
	if jf.jsonOut {
		out, err = inspect.BuildRunListJSON(ctx, j, *limit)
	} else {
		out, err = inspect.BuildRunList(ctx, j, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(withNewline(out))
	return 0
}

func runJournalShow(args []string) int {
	jf := newJournalFlags("journal show")
	positional, code, ok := parseJournalFlags(jf, args, 1)
	if !ok {
		return code
	}
	runID := positional[0]

	ctx := context.Background()
	j, err := jf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	var out string
	if jf.jsonOut {
		out, err = inspect.BuildJSONReport(ctx, j, runID)
	} else {
		out, err = inspect.BuildReport(ctx, j, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(withNewline(out))
	return 0
}

func runJournalVerify(args []string) int {
	jf := newJournalFlags("journal verify")
	positional, code, ok := parseJournalFlags(jf, args, 1)
	if !ok {
		return code
	}
	runID := positional[0]

	ctx := context.Background()
	j, err := jf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	result, err := inspect.Verify(ctx, j, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if jf.jsonOut {
		out, err := inspect.FormatVerifyJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(withNewline(inspect.FormatVerify(result)))
	}
	if !result.Passed {
		return 1
	}
	return 0
}

// parseJournalFlags parses args expecting exactly want positionals. ok is
// false when the caller should return code immediately.
func parseJournalFlags(jf *journalFlags, args []string, want int) (positional []string, code int, ok bool) {
	positional, err := parseInterspersed(jf.fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printJournalHelp(os.Stdout)
			return nil, 0, false
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return nil, 1, false
	}
	if len(positional) != want {
		if want == 0 {
			fmt.Fprintf(os.Stderr, "Unexpected arguments: %s\n", strings.Join(positional, " "))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s requires a run id\n", jf.fs.Name())
		}
		return nil, 1, false
	}
	return positional, 0, true
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
