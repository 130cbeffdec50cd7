package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/actionarchiver/internal/secret"
)

type confirmer interface {
	Confirm(user string, attempts int) (string, error)
}

const defaultCredAttempts = 3

var (
	newConfirmer = func() confirmer { return secret.NewPrompt(os.Stdin, os.Stderr) }
	storeSecret  = secret.Store
)

func runCredsNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printCredsHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "set":
		return runCredsSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown creds action: %s\n", action)
		printCredsHelp(os.Stderr)
		return 1
	}
}

func printCredsHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: actionarchiver creds set -k NAME -u USER [--attempts N]

Prompts twice for the BigFix password and stores it in the OS keyring under
NAME for USER. Pass the same -k NAME to archive runs.
`)
}

func runCredsSet(args []string) int {
	fs := flag.NewFlagSet("creds set", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var key, user string
	fs.StringVar(&key, "keycreds", "", "Keyring entry name")
	fs.StringVar(&key, "k", "", "Shorthand for --keycreds")
	fs.StringVar(&user, "bfuser", "", "BigFix operator name")
	fs.StringVar(&user, "u", "", "Shorthand for --bfuser")
	attempts := fs.Int("attempts", defaultCredAttempts, "How often to re-prompt on mismatch")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printCredsHelp(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if strings.TrimSpace(key) == "" || strings.TrimSpace(user) == "" {
		fmt.Fprintln(os.Stderr, "Error: creds set requires --keycreds and --bfuser")
		return 1
	}
	if *attempts < 1 {
		fmt.Fprintln(os.Stderr, "Error: --attempts must be at least 1")
		return 1
	}
	return storeCredentials(key, user, *attempts)
}

// storeCredentials prompts for the password of user and stores it under key.
// It backs both "creds set" and the archive --setcreds flag.
func storeCredentials(key, user string, attempts int) int {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(user) == "" {
		fmt.Fprintln(os.Stderr, "Error: storing credentials requires a key name and --bfuser")
		return 1
	}
	pw, err := newConfirmer().Confirm(user, attempts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := storeSecret(key, user, pw); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Stored password for %s in keyring entry %q\n", user, key)
	return 0
}
