package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config keeps defaults",
			yaml: `
server:
  host: bes.example.com
  user: operator
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Server.Host != "bes.example.com" {
					t.Error("server.host not parsed")
				}
				if cfg.Server.Port != 52311 {
					t.Errorf("server.port default = %d, want 52311", cfg.Server.Port)
				}
				if cfg.Archive.Destination != "./aarchive" {
					t.Errorf("archive.destination default = %q", cfg.Archive.Destination)
				}
				if cfg.Archive.OlderDays != 30 {
					t.Errorf("archive.older_days default = %d", cfg.Archive.OlderDays)
				}
				if cfg.Archive.Whose != "true" {
					t.Errorf("archive.whose default = %q", cfg.Archive.Whose)
				}
				if cfg.Progress.Interval != 10*time.Second {
					t.Errorf("progress.interval default = %v", cfg.Progress.Interval)
				}
			},
		},
		{
			name: "full config",
			yaml: `
server:
  host: bes.example.com
  port: 443
  user: operator
  key_creds: bigfix
archive:
  destination: /srv/archive/actions.zip
  older_days: 90
  whose: "name of it starts with \"Patch\""
  delete: true
pool:
  workers: 8
  batch_size: 0
log:
  level: debug
  format: text
journal: /var/lib/actionarchiver/journal.db
progress:
  interval: 30s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 443 {
					t.Error("server.port not parsed")
				}
				if cfg.Server.KeyCreds != "bigfix" {
					t.Error("server.key_creds not parsed")
				}
				if !cfg.Archive.Delete {
					t.Error("archive.delete not parsed")
				}
				if cfg.Archive.Whose != `name of it starts with "Patch"` {
					t.Errorf("archive.whose = %q", cfg.Archive.Whose)
				}
				if cfg.Pool.Workers != 8 {
					t.Error("pool.workers not parsed")
				}
				if cfg.Journal != "/var/lib/actionarchiver/journal.db" {
					t.Error("journal not parsed")
				}
				if cfg.Progress.Interval != 30*time.Second {
					t.Error("progress.interval not parsed")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
server:
  host: bes.example.com
  user: operator
  password: ${AA_TEST_PASSWORD}
`,
			env: map[string]string{"AA_TEST_PASSWORD": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Server.Password != "s3cret" {
					t.Errorf("password = %q, want interpolated value", cfg.Server.Password)
				}
			},
		},
		{
			name: "unset env var in password",
			yaml: `
server:
  host: bes.example.com
  user: operator
  password: ${AA_TEST_UNSET_PASSWORD}
`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			yaml:    "server: [unterminated",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && cfg != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadUnsetPasswordIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "server:\n  host: h\n  user: u\n  password: ${AA_TEST_NEVER_SET}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *ConfigurationError", err)
	}
	if cfgErr.Field != "server.password" {
		t.Errorf("Field = %q, want server.password", cfgErr.Field)
	}
}
