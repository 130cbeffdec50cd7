// Package doctor checks an archive run configuration before it is used.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/actionarchiver/internal/archive"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/secret"
	"github.com/mattjoyce/actionarchiver/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Prober verifies connectivity and credentials against the server.
type Prober interface {
	Login(ctx context.Context) error
}

// Doctor validates a run configuration.
type Doctor struct {
	cfg    *config.Config
	prober Prober
}

// New creates a Doctor. prober may be nil to skip the server probe.
func New(cfg *config.Config, prober Prober) *Doctor {
	return &Doctor{cfg: cfg, prober: prober}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.warnConfig(r)
	d.validateDestination(r)
	d.validateJournal(r)
	d.warnPassword(r)
	d.probeServer(ctx, r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports the first structural problem found by config.Validate.
func (d *Doctor) validateConfig(r *Result) {
	err := d.cfg.Validate()
	if err == nil {
		return
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		d.addError(r, "config", cfgErr.Field, cfgErr.Reason)
		return
	}
	d.addError(r, "config", "", err.Error())
}

func (d *Doctor) warnConfig(r *Result) {
	for _, w := range d.cfg.Warnings() {
		d.addWarning(r, "config", "", w)
	}
}

// validateDestination checks that the destination can be created and written
// without creating it.
func (d *Doctor) validateDestination(r *Result) {
	dest := strings.TrimSpace(d.cfg.Archive.Destination)
	if dest == "" {
		return
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		d.addError(r, "destination", "archive.destination", err.Error())
		return
	}

	kind := archive.KindOf(dest)
	info, err := os.Stat(abs)
	switch {
	case err == nil && kind.IsContainer() && info.IsDir():
		d.addError(r, "destination", "archive.destination",
			fmt.Sprintf("%s is a directory but the destination names a %s container", abs, kind))
		return
	case err == nil && !kind.IsContainer() && !info.IsDir():
		d.addError(r, "destination", "archive.destination", fmt.Sprintf("%s exists and is not a directory", abs))
		return
	case err == nil && kind.IsContainer():
		d.addWarning(r, "destination", "archive.destination",
			fmt.Sprintf("%s exists and will be overwritten", abs))
	case err != nil && !errors.Is(err, os.ErrNotExist):
		d.addError(r, "destination", "archive.destination", fmt.Sprintf("stat %s: %v", abs, err))
		return
	}

	probeDir := abs
	if kind.IsContainer() || err != nil {
		probeDir = filepath.Dir(abs)
	}
	existing, err := nearestExistingDir(probeDir)
	if err != nil {
		d.addError(r, "destination", "archive.destination", err.Error())
		return
	}
	if err := checkWritable(existing); err != nil {
		d.addError(r, "destination", "archive.destination",
			fmt.Sprintf("%s is not writable: %v", existing, err))
		return
	}
	if fsType, network, err := storage.NetworkFilesystem(existing); err == nil && network {
		d.addWarning(r, "destination", "archive.destination",
			fmt.Sprintf("%s is on network filesystem %s; the destination lock does not guard against runs on other hosts", existing, fsType))
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if strings.TrimSpace(d.cfg.Journal) == "" {
		return
	}
	if err := storage.CheckJournalPath(d.cfg.Journal); err != nil {
		d.addError(r, "journal", "journal", err.Error())
	}
}

// warnPassword flags a configuration that will need an interactive prompt.
func (d *Doctor) warnPassword(r *Result) {
	if d.cfg.Server.Password != "" {
		if d.cfg.Server.Password == config.RedactedPassword {
			d.addError(r, "credentials", "server.password",
				"password is the redaction placeholder; the configuration was copied from an archive manifest")
		}
		return
	}
	if d.cfg.Server.KeyCreds == "" && os.Getenv(secret.EnvVar) == "" {
		d.addWarning(r, "credentials", "server.password",
			"no password, key_creds or "+secret.EnvVar+"; the run will prompt on a terminal")
	}
}

func (d *Doctor) probeServer(ctx context.Context, r *Result) {
	if d.prober == nil {
		return
	}

	err := d.prober.Login(ctx)
	if err == nil {
		return
	}

	var (
		authErr *bigfix.AuthenticationError
		connErr *bigfix.ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		d.addError(r, "probe", "server.user", fmt.Sprintf("credentials rejected (HTTP %d)", authErr.Status))
	case errors.As(err, &connErr):
		d.addError(r, "probe", "server.host", fmt.Sprintf("server unreachable: %v", connErr.Err))
	default:
		d.addError(r, "probe", "server", err.Error())
	}
}

func nearestExistingDir(p string) (string, error) {
	candidate := p
	for {
		info, err := os.Stat(candidate)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("%s is not a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %s", p)
		}
		candidate = parent
	}
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".actionarchiver-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
