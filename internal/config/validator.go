package config

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/actionarchiver/internal/archive"
)

// MaxWorkers is the hard upper bound on the worker pool size.
const MaxWorkers = 64

// RecommendedMaxWorkers is the soft cap above which the BigFix server is
// likely to be overloaded.
const RecommendedMaxWorkers = 10

// ConfigurationError reports an invalid or contradictory run configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration before anything touches the network or
// the filesystem. It returns a *ConfigurationError on the first problem.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return &ConfigurationError{Field: "server.host", Reason: "BigFix server is required (--bfserver)"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigurationError{Field: "server.port", Reason: fmt.Sprintf("port %d out of range", c.Server.Port)}
	}
	if strings.TrimSpace(c.Server.User) == "" {
		return &ConfigurationError{Field: "server.user", Reason: "BigFix user is required (--bfuser)"}
	}
	if strings.TrimSpace(c.Archive.Destination) == "" {
		return &ConfigurationError{Field: "archive.destination", Reason: "destination is empty"}
	}
	if c.Archive.OlderDays < 0 {
		return &ConfigurationError{Field: "archive.older_days", Reason: "must not be negative"}
	}
	if strings.TrimSpace(c.Archive.Whose) == "" {
		return &ConfigurationError{Field: "archive.whose", Reason: "whose clause is empty (use \"true\" for no filter)"}
	}
	if c.Pool.Workers < 1 {
		return &ConfigurationError{Field: "pool.workers", Reason: "at least one worker is required"}
	}
	if c.Pool.Workers > MaxWorkers {
		return &ConfigurationError{Field: "pool.workers", Reason: fmt.Sprintf("at most %d workers are allowed", MaxWorkers)}
	}
	if c.Pool.BatchSize < 0 {
		return &ConfigurationError{Field: "pool.batch_size", Reason: "must not be negative"}
	}
	if c.Pool.BatchSize > 0 && archive.KindOf(c.Archive.Destination).IsContainer() {
		return &ConfigurationError{
			Field: "pool.batch_size",
			Reason: fmt.Sprintf("batching requires a directory destination; %q is a %s container",
				c.Archive.Destination, archive.KindOf(c.Archive.Destination)),
		}
	}
	if c.Progress.Interval < 0 {
		return &ConfigurationError{Field: "progress.interval", Reason: "must not be negative"}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return &ConfigurationError{Field: "log.format", Reason: fmt.Sprintf("must be json or text (got %q)", c.Log.Format)}
	}
	return nil
}

// Warnings returns non-fatal observations about the configuration.
func (c *Config) Warnings() []string {
	var out []string
	if c.Pool.Workers > RecommendedMaxWorkers {
		out = append(out, fmt.Sprintf("%d workers exceeds the recommended maximum of %d and may overload the server",
			c.Pool.Workers, RecommendedMaxWorkers))
	}
	if c.Archive.Delete && c.Archive.OlderDays == 0 {
		out = append(out, "deleting actions with no age threshold (older_days=0)")
	}
	return out
}
