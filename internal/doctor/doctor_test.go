package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/secret"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Host = "bes.example.com"
	cfg.Server.User = "operator"
	cfg.Server.Password = "hunter2"
	cfg.Archive.Destination = filepath.Join(t.TempDir(), "aarchive")
	return cfg
}

type proberFunc func(ctx context.Context) error

func (f proberFunc) Login(ctx context.Context) error { return f(ctx) }

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), nil).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_ConfigError(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Server.Host = ""
	r := New(cfg, nil).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "config", "BigFix server is required")
	if r.Errors[0].Field != "server.host" {
		t.Fatalf("expected field server.host, got %q", r.Errors[0].Field)
	}
}

func TestValidate_BatchWithContainer(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Archive.Destination = filepath.Join(t.TempDir(), "actions.zip")
	cfg.Pool.BatchSize = 5
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "config", "batching requires a directory destination")
}

func TestValidate_WarnsAboutWorkerCountAndDelete(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Pool.Workers = 20
	cfg.Archive.Delete = true
	cfg.Archive.OlderDays = 0
	r := New(cfg, nil).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("warnings must not invalidate: %v", r.Errors)
	}
	assertHasWarning(t, r, "config", "exceeds the recommended maximum")
	assertHasWarning(t, r, "config", "no age threshold")
}

func TestValidate_DestinationIsFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Archive.Destination = file
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "destination", "is not a directory")
}

func TestValidate_ContainerIsDirectory(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	dir := filepath.Join(t.TempDir(), "actions.tar.gz")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Archive.Destination = dir
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "destination", "tar.gz container")
}

func TestValidate_ExistingContainerWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	zip := filepath.Join(t.TempDir(), "actions.zip")
	if err := os.WriteFile(zip, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Archive.Destination = zip
	r := New(cfg, nil).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	assertHasWarning(t, r, "destination", "will be overwritten")
}

func TestValidate_DestinationUnderMissingParents(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Archive.Destination = filepath.Join(t.TempDir(), "a", "b", "actions.tar")
	r := New(cfg, nil).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Archive.Destination)); !os.IsNotExist(err) {
		t.Fatal("validation must not create the destination")
	}
}

func TestValidate_RedactedPassword(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Server.Password = config.RedactedPassword
	r := New(cfg, nil).Validate(context.Background())
	assertHasError(t, r, "credentials", "redaction placeholder")
}

func TestValidate_WarnsWhenPasswordWillBePrompted(t *testing.T) {
	t.Setenv(secret.EnvVar, "")
	cfg := validConfig(t)
	cfg.Server.Password = ""
	r := New(cfg, nil).Validate(context.Background())
	assertHasWarning(t, r, "credentials", "will prompt")

	cfg.Server.KeyCreds = "bigfix"
	r = New(cfg, nil).Validate(context.Background())
	if len(r.Warnings) != 0 {
		t.Fatalf("key_creds must silence the warning, got %v", r.Warnings)
	}
}

func TestValidate_Probe(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		substr string
	}{
		{name: "auth", err: &bigfix.AuthenticationError{URL: "https://h/api/login", Status: 401}, substr: "credentials rejected (HTTP 401)"},
		{name: "connection", err: &bigfix.ConnectionError{Op: "GET", URL: "https://h/api/login", Err: errors.New("connection refused")}, substr: "server unreachable: connection refused"},
		{name: "other", err: errors.New("boom"), substr: "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := New(validConfig(t), proberFunc(func(context.Context) error { return tc.err })).Validate(context.Background())
			if r.Valid {
				t.Fatal("expected invalid")
			}
			assertHasError(t, r, "probe", tc.substr)
		})
	}

	r := New(validConfig(t), proberFunc(func(context.Context) error { return nil })).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "odd"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] odd") {
		t.Fatalf("expected error and warning in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
