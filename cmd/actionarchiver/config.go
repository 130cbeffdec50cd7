package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/actionarchiver/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printConfigHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigHelp(os.Stderr)
		return 1
	}
}

func printConfigHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: actionarchiver config <action> [archive flags]

Actions:
  check [--probe] [--json]   Validate the run configuration without archiving
  show [--json]              Print the effective configuration, password redacted

Both actions accept the archive flags (see 'actionarchiver archive --help').
--probe also logs in to the server to check connectivity and credentials.
`)
}

func runConfigCheck(args []string) int {
	af := newArchiveFlags("config check")
	probe := af.fs.Bool("probe", false, "Log in to the server")
	jsonOut := af.fs.Bool("json", false, "Output JSON")
	if err := af.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printConfigHelp(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := af.config()
	if err != nil {
		printFatal(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var prober doctor.Prober
	if *probe {
		probeCfg := *cfg
		pw, err := resolvePassword(ctx, cfg)
		if err != nil {
			printFatal(err)
			return 1
		}
		probeCfg.Server.Password = pw
		// An invalid host or port is reported by the configuration checks.
		if client, err := newClient(&probeCfg); err == nil {
			prober = client
		}
	}

	result := doctor.New(cfg, prober).Validate(ctx)
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	af := newArchiveFlags("config show")
	jsonOut := af.fs.Bool("json", false, "Output JSON")
	if err := af.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printConfigHelp(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := af.config()
	if err != nil {
		printFatal(err)
		return 1
	}

	if *jsonOut {
		out, err := cfg.ManifestJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	out, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal config: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}
