package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/actionarchiver/internal/archiver"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/config"
	"github.com/mattjoyce/actionarchiver/internal/events"
	"github.com/mattjoyce/actionarchiver/internal/journal"
	"github.com/mattjoyce/actionarchiver/internal/lock"
	"github.com/mattjoyce/actionarchiver/internal/log"
	"github.com/mattjoyce/actionarchiver/internal/secret"
	"github.com/mattjoyce/actionarchiver/internal/tui"
)

// shortFlags maps single-letter flags to their long names.
var shortFlags = map[string]string{
	"b": "bfserver",
	"p": "bfport",
	"u": "bfuser",
	"P": "bfpass",
	"k": "keycreds",
	"o": "older",
	"f": "folder",
	"d": "delete",
	"v": "verbose",
	"q": "quiet",
	"i": "interval",
	"w": "whose",
	"W": "workers",
	"B": "batch",
	"s": "setcreds",
}

func canonicalFlag(name string) string {
	if long, ok := shortFlags[name]; ok {
		return long
	}
	return name
}

// archiveFlags holds the run flags shared by "archive" and "config check".
type archiveFlags struct {
	fs *flag.FlagSet

	configPath  string
	host        string
	port        int
	user        string
	password    string
	keyCreds    string
	older       int
	destination string
	del         bool
	verbose     bool
	quiet       bool
	interval    int
	workers     int
	batch       int
	whose       string
	setCreds    string
	journal     string
	tui         bool
	logFormat   string
}

func newArchiveFlags(name string) *archiveFlags {
	d := config.Defaults()
	a := &archiveFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	fs := a.fs
	fs.SetOutput(io.Discard)

	fs.StringVar(&a.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&a.host, "bfserver", "", "BigFix root server host")
	fs.StringVar(&a.host, "b", "", "Shorthand for --bfserver")
	fs.IntVar(&a.port, "bfport", d.Server.Port, "BigFix REST API port")
	fs.IntVar(&a.port, "p", d.Server.Port, "Shorthand for --bfport")
	fs.StringVar(&a.user, "bfuser", "", "BigFix operator name")
	fs.StringVar(&a.user, "u", "", "Shorthand for --bfuser")
	fs.StringVar(&a.password, "bfpass", "", "BigFix password (prefer --keycreds or "+secret.EnvVar+")")
	fs.StringVar(&a.password, "P", "", "Shorthand for --bfpass")
	fs.StringVar(&a.keyCreds, "keycreds", "", "OS keyring entry holding the password")
	fs.StringVar(&a.keyCreds, "k", "", "Shorthand for --keycreds")
	fs.IntVar(&a.older, "older", d.Archive.OlderDays, "Archive actions issued more than this many days ago")
	fs.IntVar(&a.older, "o", d.Archive.OlderDays, "Shorthand for --older")
	fs.StringVar(&a.destination, "folder", d.Archive.Destination, "Destination directory or .zip/.tar/.tar.gz/.tgz file")
	fs.StringVar(&a.destination, "f", d.Archive.Destination, "Shorthand for --folder")
	fs.BoolVar(&a.del, "delete", false, "Delete archived actions from the server")
	fs.BoolVar(&a.del, "d", false, "Shorthand for --delete")
	fs.BoolVar(&a.verbose, "verbose", false, "Debug logging")
	fs.BoolVar(&a.verbose, "v", false, "Shorthand for --verbose")
	fs.BoolVar(&a.quiet, "quiet", false, "Warnings and errors only")
	fs.BoolVar(&a.quiet, "q", false, "Shorthand for --quiet")
	interval := int(d.Progress.Interval / time.Second)
	fs.IntVar(&a.interval, "interval", interval, "Progress report interval in seconds (0 disables)")
	fs.IntVar(&a.interval, "i", interval, "Shorthand for --interval")
	fs.IntVar(&a.workers, "workers", d.Pool.Workers, "Concurrent workers")
	fs.IntVar(&a.workers, "W", d.Pool.Workers, "Shorthand for --workers")
	fs.IntVar(&a.batch, "batch", d.Pool.BatchSize, "Actions per batch, deleting after each clean batch (0 disables)")
	fs.IntVar(&a.batch, "B", d.Pool.BatchSize, "Shorthand for --batch")
	fs.StringVar(&a.whose, "whose", d.Archive.Whose, "Extra relevance predicate on bes actions")
	fs.StringVar(&a.whose, "w", d.Archive.Whose, "Shorthand for --whose")
	fs.StringVar(&a.setCreds, "setcreds", "", "Store the password in the keyring under this name and exit")
	fs.StringVar(&a.setCreds, "s", "", "Shorthand for --setcreds")
	fs.StringVar(&a.journal, "journal", "", "Record the run in this SQLite journal")
	fs.BoolVar(&a.tui, "tui", false, "Show a live progress view")
	fs.StringVar(&a.logFormat, "log-format", d.Log.Format, "Log format: json or text")
	return a
}

// config layers explicitly set flags over the config file (or defaults).
func (a *archiveFlags) config() (*config.Config, error) {
	if a.verbose && a.quiet {
		return nil, &config.ConfigurationError{Field: "log.level", Reason: "--verbose and --quiet are mutually exclusive"}
	}

	cfg := config.Defaults()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	a.fs.Visit(func(f *flag.Flag) {
		switch canonicalFlag(f.Name) {
		case "bfserver":
			cfg.Server.Host = a.host
		case "bfport":
			cfg.Server.Port = a.port
		case "bfuser":
			cfg.Server.User = a.user
		case "bfpass":
			cfg.Server.Password = a.password
		case "keycreds":
			cfg.Server.KeyCreds = a.keyCreds
		case "older":
			cfg.Archive.OlderDays = a.older
		case "folder":
			cfg.Archive.Destination = a.destination
		case "delete":
			cfg.Archive.Delete = a.del
		case "verbose":
			if a.verbose {
				cfg.Log.Level = "debug"
			}
		case "quiet":
			if a.quiet {
				cfg.Log.Level = "warn"
			}
		case "interval":
			cfg.Progress.Interval = time.Duration(a.interval) * time.Second
		case "workers":
			cfg.Pool.Workers = a.workers
		case "batch":
			cfg.Pool.BatchSize = a.batch
		case "whose":
			cfg.Archive.Whose = a.whose
		case "journal":
			cfg.Journal = a.journal
		case "tui":
			cfg.Progress.TUI = a.tui
		case "log-format":
			cfg.Log.Format = a.logFormat
		}
	})
	return cfg, nil
}

func runArchive(args []string) int {
	af := newArchiveFlags("archive")
	if err := af.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printArchiveHelp(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if af.fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected arguments: %s\n", strings.Join(af.fs.Args(), " "))
		return 1
	}

	cfg, err := af.config()
	if err != nil {
		printFatal(err)
		return 1
	}
	if af.setCreds != "" {
		return storeCredentials(af.setCreds, cfg.Server.User, defaultCredAttempts)
	}

	styled := stdoutIsTerminal()
	useTUI := cfg.Progress.TUI && styled
	level := cfg.Log.Level
	if useTUI && !strings.EqualFold(level, "debug") {
		// The view owns the terminal; only errors go to stderr.
		level = "error"
	}
	log.Setup(level, cfg.Log.Format)
	logger := log.WithComponent("main")
	if cfg.Progress.TUI && !useTUI {
		logger.Warn("progress view disabled: stdout is not a terminal")
	}

	if err := cfg.Validate(); err != nil {
		printFatal(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	password, err := resolvePassword(ctx, cfg)
	if err != nil {
		printFatal(err)
		return 1
	}
	cfg.Server.Password = password

	destLock, err := lock.AcquireDestination(cfg.Archive.Destination)
	if err != nil {
		printFatal(err)
		return 1
	}
	defer func() { _ = destLock.Release() }()
	logger.Debug("acquired destination lock", "path", destLock.Path())

	client, err := newClient(cfg)
	if err != nil {
		printFatal(err)
		return 1
	}

	hub := events.NewHub(256)
	opts := []archiver.Option{archiver.WithEvents(hub)}
	if cfg.Journal != "" {
		j, err := journal.Open(ctx, cfg.Journal)
		if err != nil {
			printFatal(err)
			return 1
		}
		defer j.Close()
		opts = append(opts, archiver.WithJournal(j))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var view *tui.Program
	if useTUI {
		view = tui.Start(runCtx, hub, cancelRun)
	}

	summary, runErr := archiver.New(cfg, client, opts...).Run(runCtx)

	if view != nil {
		if err := view.Wait(); err != nil {
			logger.Warn("progress view failed", "error", err)
		}
		if n := hub.Dropped(); n > 0 {
			logger.Debug("progress view skipped events", "count", n)
		}
	}

	renderSummary(os.Stdout, summary, styled)
	if runErr != nil {
		printFatal(runErr)
		return 1
	}
	return 0
}

func newClient(cfg *config.Config) (*bigfix.Client, error) {
	return bigfix.New(bigfix.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		User:     cfg.Server.User,
		Password: cfg.Server.Password,
		MaxConns: cfg.Pool.Workers,
	})
}

// resolvePassword tries, in order: --bfpass (or the config file), the
// environment, the OS keyring entry named by --keycreds, then a terminal
// prompt.
func resolvePassword(ctx context.Context, cfg *config.Config) (string, error) {
	chain := secret.NewChain(
		secret.Static(cfg.Server.Password),
		secret.Env{},
		secret.Keyring{},
		secret.NewPrompt(os.Stdin, os.Stderr),
	)
	pw, err := chain.Resolve(ctx, secret.Request{Key: cfg.Server.KeyCreds, User: cfg.Server.User})
	if err != nil {
		return "", fmt.Errorf("resolve password for %s: %w", cfg.Server.User, err)
	}
	return pw, nil
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printArchiveHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: actionarchiver [archive] [flags]

Archives closed (Expired or Stopped) top-level BigFix actions older than
--older days, then optionally deletes them from the server.

Flags:
  -b, --bfserver HOST     BigFix root server (required)
  -p, --bfport PORT       REST API port (default 52311)
  -u, --bfuser USER       Operator name (required)
  -P, --bfpass PASS       Password; prefer -k or `+secret.EnvVar+`
  -k, --keycreds NAME     OS keyring entry holding the password
  -o, --older DAYS        Minimum age in days (default 30)
  -f, --folder PATH       Directory, or .zip/.tar/.tar.gz/.tgz file (default ./aarchive)
  -d, --delete            Delete actions once archived
  -W, --workers N         Concurrent workers, 1-64 (default 4)
  -B, --batch N           Actions per batch; directory destinations only (default 0, off)
  -w, --whose EXPR        Extra relevance predicate (default true)
  -s, --setcreds NAME     Prompt for the password, store it in the keyring under NAME, exit
  -i, --interval SECS     Progress report interval (default 10, 0 disables)
  -v, --verbose           Debug logging
  -q, --quiet             Warnings and errors only
      --log-format FMT    json (default) or text
      --config FILE       YAML configuration; flags override it
      --journal FILE      Record the run in a SQLite journal
      --tui               Live progress view (terminal only)
`)
}
