// Package cmd wires up the CLI flags and dispatches to the run modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"jobrelay/config"
	"jobrelay/internal/core"
	"jobrelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X jobrelay/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected jobrelay mode.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("jobrelay", flag.ContinueOnError)

	// ── hop ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Hop name used in logs and child names")
	fs.StringVar(&cfg.Workspace, "workspace", cfg.Workspace, "Root directory of service workspaces")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Ping idle children this often (0 disables)")
	fs.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Longest single relay pass")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "Serve /metrics, /healthz and /state on this address")

	// ── children ─────────────────────────────────────────────────
	fs.IntVar(&cfg.BreakerFailures, "breaker-failures", cfg.BreakerFailures, "Failed connects before a child's breaker opens (0 disables)")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", cfg.BreakerCooldown, "How long an open breaker refuses connects")
	fs.DurationVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "SSH keepalive interval of ssh stages (0 disables)")
	fs.StringVar(&cfg.Binary, "binary", cfg.Binary, "Local jobrelay executable started by exec stages")

	// ── call ─────────────────────────────────────────────────────
	fs.StringVarP(&cfg.Topology, "topology", "t", cfg.Topology, "Topology file (YAML or JSON)")
	fs.StringVar(&cfg.Stage, "stage", cfg.Stage, "First stage of the topology (default: first entry)")
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "Route below the first hop, e.g. 0,1")
	fs.StringVar(&cfg.Action, "action", cfg.Action, "Lifecycle action to send")
	fs.StringVarP(&cfg.Data, "data", "d", cfg.Data, "JSON payload of the action")
	fs.DurationVarP(&cfg.CallTimeout, "timeout", "w", cfg.CallTimeout, "Timeout of the call")
	fs.IntVar(&cfg.ConnectAttempts, "connect-attempts", cfg.ConnectAttempts, "Attempts to bring up the first hop")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Append logs to this file instead of stderr")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Validate the configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("jobrelay %s\n", version)
		return nil
	}

	// ── positional arguments ─────────────────────────────────────
	switch fs.NArg() {
	case 0:
		return fmt.Errorf("mode required (use --help for usage)")
	case 1:
		cfg.Mode = fs.Arg(0)
	default:
		return fmt.Errorf("unexpected arguments after mode: %v", fs.Args()[1:])
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logOut, closeLog, err := openLog(cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := util.NewLoggerTo(logOut, cfg.Verbose)

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		logger.Info("dry run: %s configuration is valid", cfg.Mode)
		return nil
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// openLog returns the log destination.  Logs never go to stdout, which
// carries the relay protocol in delegator and forward mode.
func openLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `jobrelay – remote job relay v%s

Starts, monitors and stops jobs on hosts reached through chains of
SSH and launcher hops.

Usage:
  jobrelay [options] delegator                 Serve a hop on stdio
  jobrelay [options] forward                   Relay stdio to the next stage
  jobrelay -t <topology> [options] call        Send one lifecycle action

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Actions:
  get_state, get_status, delegator_start_service, delegator_kill_service,
  delegator_clean_workspace, request_stop, request_start_child,
  request_stop_child (--data '{"child_id":N}'), ping

Examples:
  jobrelay -t cluster.yaml call                               State of the first hop
  jobrelay -t cluster.yaml --action delegator_start_service call
  jobrelay -t cluster.yaml -a 0 --action request_stop call    Stop the job one hop down
  jobrelay -v --workspace /scratch/jobs delegator             Run a hop by hand
`)
}
