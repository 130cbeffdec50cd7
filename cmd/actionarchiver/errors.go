package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattjoyce/actionarchiver/internal/archive"
	"github.com/mattjoyce/actionarchiver/internal/archiver"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/lock"
	"github.com/mattjoyce/actionarchiver/internal/secret"
)

// describeFatal returns a one-line hint for the error kinds a user can act on.
func describeFatal(err error) string {
	var (
		cfgErr  *config.ConfigurationError
		authErr *bigfix.AuthenticationError
		connErr *bigfix.ConnectionError
		apiErr  *bigfix.APIError
		destErr *archive.InvalidDestinationError
		procErr *archiver.ProcessingFailedError
		lockErr *lock.LockedError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "check the flag or config key " + cfgErr.Field
	case errors.As(err, &authErr):
		return "check --bfuser and the password source (--bfpass, --keycreds, " + secret.EnvVar + ")"
	case errors.As(err, &connErr):
		return "check --bfserver and --bfport, and that the server is reachable"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("the server rejected %s (HTTP %d)", apiErr.Method, apiErr.Status)
	case errors.As(err, &destErr):
		return "choose a directory or a .zip, .tar, .tar.gz or .tgz file for --folder"
	case errors.As(err, &procErr):
		return "rerun with --verbose to see each failure; the archive holds every action that succeeded"
	case errors.As(err, &lockErr):
		return "wait for the other run to finish or pick another --folder"
	case errors.Is(err, secret.ErrNotFound):
		return "pass --bfpass, set " + secret.EnvVar + ", or store one with 'actionarchiver creds set'"
	case errors.Is(err, context.Canceled):
		return "the run was interrupted; nothing further was deleted"
	}
	return ""
}

func printFatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := describeFatal(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
}
