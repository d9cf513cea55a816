// The justnews binary operates the platform: it starts services in the
// foreground, stops them over their shutdown endpoints, applies store
// migrations, and exposes one-shot scheduler and orchestrator controls.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/fault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes. Scripts branch on these, so the mapping is part of the
// CLI contract.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitUsage        = 2
	exitPrecondition = 3
	exitTimeout      = 4
)

type cliConfig struct {
	configPath string
	jsonOutput bool
}

func main() {
	cli, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(exitUsage)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(exitUsage)
	}

	if command == "version" {
		fmt.Printf("justnews %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}
	if command == "help" || command == "--help" || command == "-h" {
		printUsage()
		return
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitGeneric)
	}

	ctx := context.Background()

	switch command {
	case "start":
		err = runStart(ctx, cfg, cli, args)
	case "stop":
		err = runStop(ctx, cfg, cli, args)
	case "health":
		err = runHealth(ctx, cfg, cli, args)
	case "migrate":
		err = runMigrate(ctx, cfg, cli, args)
	case "scheduler":
		err = runScheduler(ctx, cfg, cli, args)
	case "orchestrator":
		err = runOrchestrator(ctx, cfg, cli, args)
	default:
		err = usagef("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var errShowUsage = errors.New("show usage")

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// exitCode maps an error to the CLI exit contract: 2 for bad arguments,
// 4 for timeouts, 3 for retryable state conflicts such as a follower
// replica, an open breaker, or degraded platform health, and 1 for
// everything else.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, context.DeadlineExceeded) || fault.Is(err, fault.KindDeadline):
		return exitTimeout
	case fault.Is(err, fault.KindPrecondition) || fault.Is(err, fault.KindConflict) || fault.Is(err, fault.KindTransient):
		return exitPrecondition
	default:
		return exitGeneric
	}
}

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cli := cliConfig{}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cli, "", nil, errShowUsage
		case "--config", "-c":
			if idx+1 >= len(args) {
				return cli, "", nil, usagef("--config requires a value")
			}
			cli.configPath = args[idx+1]
			idx += 2
		case "--json":
			cli.jsonOutput = true
			idx++
		default:
			return cli, "", nil, usagef("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cli, "", nil, errShowUsage
	}

	return cli, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: justnews [--config <path>] [--json] <command>

Commands:
  start <service>           Run a service in the foreground
                            (mcp_bus, orchestrator, crawler, memory,
                            dashboard, or all)
  stop <service>            Ask a running service to shut down
  health                    Show platform health as seen by the bus
  migrate                   Apply store migrations (backs up sqlite first)
  scheduler run --dry-run   Print the crawl plan without dispatching
  scheduler run --live      Execute one scheduling pass
  orchestrator reclaim      Reclaim expired leases and stuck jobs
  orchestrator leases list  List active GPU leases
  version                   Print build metadata

Configuration comes from --config, then JUSTNEWS_CONFIG, then
environment variables over built-in defaults.
`)
}
