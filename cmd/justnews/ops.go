package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/busclient"
	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/ingest"
	"github.com/justnews/fabric/internal/orchestrator"
	"github.com/justnews/fabric/internal/scheduler"
	"github.com/justnews/fabric/internal/store"
)

func runStop(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) != 1 {
		return usagef("usage: justnews stop <mcp_bus|orchestrator|crawler|memory|dashboard>")
	}
	name := args[0]
	addr, err := serviceAddr(cfg, name)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp struct {
		Status string `json:"status"`
	}
	if err := callJSON(cctx, http.MethodPost, serviceURL(addr)+"/shutdown", name+".stop", &resp); err != nil {
		return err
	}
	if cli.jsonOutput {
		return PrintJSON(os.Stdout, map[string]string{"service": name, "status": resp.Status})
	}
	fmt.Printf("%s: %s\n", name, resp.Status)
	return nil
}

func serviceAddr(cfg config.Config, name string) (string, error) {
	switch name {
	case "mcp_bus":
		return cfg.Bus.Addr, nil
	case "orchestrator":
		return cfg.Orchestrator.Addr, nil
	case "crawler":
		return cfg.Crawl.Addr, nil
	case "memory":
		return cfg.Memory.Addr, nil
	case "dashboard":
		return cfg.Dashboard.Addr, nil
	default:
		return "", usagef("unknown service: %s", name)
	}
}

// serviceURL turns a listen address into a dialable base URL. Wildcard
// hosts bind every interface but cannot be dialed, so they map to
// loopback.
func serviceURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) != 0 {
		return usagef("usage: justnews health")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	report, err := busclient.New(cfg.Bus.URL).Health(cctx)
	if err != nil {
		return err
	}

	if cli.jsonOutput {
		if err := PrintJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Overall: %s\n", ColorStatus(report.OverallStatus))
		fmt.Printf("Checked: %s\n", FormatTimeOrDash(report.CheckedAt))
		if report.CircuitBreakerActive {
			fmt.Println("Circuit breakers: active")
		}

		names := make([]string, 0, len(report.Agents))
		for name := range report.Agents {
			names = append(names, name)
		}
		sort.Strings(names)

		if len(names) > 0 {
			headers := []string{"AGENT", "STATUS", "RESPONSE", "ERROR"}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				h := report.Agents[name]
				rows = append(rows, []string{
					name,
					ColorStatus(h.Status),
					fmt.Sprintf("%.0fms", h.ResponseTime*1000),
					Truncate(h.Error, 40),
				})
			}
			fmt.Println()
			RenderTable(os.Stdout, headers, rows)
		}
	}

	if report.OverallStatus != "healthy" {
		return fault.New(fault.KindPrecondition, "health", "platform is %s", report.OverallStatus)
	}
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) != 0 {
		return usagef("usage: justnews migrate")
	}

	url := cfg.Store.URL
	backupPath := ""
	if !strings.HasPrefix(url, "postgres://") && !strings.HasPrefix(url, "postgresql://") {
		path := strings.TrimPrefix(url, "sqlite://")
		if _, statErr := os.Stat(path); statErr == nil {
			bp, err := store.Backup(path)
			if err != nil {
				return fmt.Errorf("backup before migrate: %w", err)
			}
			backupPath = bp
		}
	}

	db, err := store.Open(url)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for _, runner := range []*store.Runner{orchestrator.Migrations(), ingest.Migrations()} {
		if err := runner.Migrate(db); err != nil {
			return err
		}
	}

	versions := map[string]int{}
	for _, name := range []string{"ingest", "orchestrator"} {
		v, err := store.CurrentVersionFor(db, name)
		if err != nil {
			return err
		}
		versions[name] = v
	}

	if cli.jsonOutput {
		return PrintJSON(os.Stdout, map[string]any{
			"backup":   backupPath,
			"versions": versions,
		})
	}
	if backupPath != "" {
		fmt.Printf("Backup: %s\n", backupPath)
	}
	rows := make([][]string, 0, len(versions))
	for _, name := range []string{"ingest", "orchestrator"} {
		rows = append(rows, []string{name, strconv.Itoa(versions[name])})
	}
	RenderTable(os.Stdout, []string{"STORE", "VERSION"}, rows)
	return nil
}

func runScheduler(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) == 0 || args[0] != "run" {
		return usagef("usage: justnews scheduler run --dry-run|--live")
	}

	dryRun := false
	live := false
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--live":
			live = true
		default:
			return usagef("unknown flag: %s", args[i])
		}
	}
	if dryRun == live {
		return usagef("exactly one of --dry-run or --live is required")
	}

	logger := zap.NewNop()
	if live {
		var err error
		logger, err = buildLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	svc, err := scheduler.NewService(cfg, events.NewBus(256), logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if dryRun {
		candidates := svc.Scheduler().Plan(time.Now().UTC())
		if cli.jsonOutput {
			return PrintJSON(os.Stdout, map[string]any{
				"count":      len(candidates),
				"candidates": candidates,
			})
		}
		headers := []string{"DOMAIN", "BUDGET", "ADAPTIVE", "CADENCE"}
		rows := make([][]string, 0, len(candidates))
		for _, c := range candidates {
			cadence := c.Cadence
			if cadence == "" {
				cadence = "-"
			}
			rows = append(rows, []string{
				c.Domain,
				strconv.Itoa(c.Budget),
				strconv.FormatBool(c.Adaptive),
				cadence,
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d domains\n", len(candidates))
		return nil
	}

	passCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := svc.Scheduler().RunPass(passCtx)
	if err != nil {
		return err
	}

	if cli.jsonOutput {
		return PrintJSON(os.Stdout, map[string]any{
			"pass":    report,
			"domains": report.Domains(),
			"totals":  report.Totals(),
			"failed":  report.FailedRuns(),
		})
	}

	totals := report.Totals()
	fmt.Printf("Dispatched: %d domains in %s\n",
		len(report.Dispatched), report.Finished.Sub(report.Started).Round(time.Millisecond))
	fmt.Printf("Attempted: %d  Ingested: %d  Duplicates: %d  Errors: %d\n",
		totals.Attempted, totals.Ingested, totals.Duplicates, totals.Errors)
	if len(report.Paused) > 0 {
		fmt.Printf("Paused: %s\n", strings.Join(report.Paused, ", "))
	}
	if len(report.Deferred) > 0 {
		fmt.Printf("Deferred: %s\n", strings.Join(report.Deferred, ", "))
	}
	if failed := report.FailedRuns(); failed > 0 {
		fmt.Printf("Failed runs: %d\n", failed)
	}
	return nil
}

func runOrchestrator(ctx context.Context, cfg config.Config, cli cliConfig, args []string) error {
	if len(args) == 0 {
		return usagef("usage: justnews orchestrator reclaim|leases list")
	}
	base := serviceURL(cfg.Orchestrator.Addr)

	switch args[0] {
	case "reclaim":
		if len(args) != 1 {
			return usagef("usage: justnews orchestrator reclaim")
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		var stats orchestrator.ReclaimStats
		if err := callJSON(cctx, http.MethodPost, base+"/control/reclaim", "orchestrator.reclaim", &stats); err != nil {
			return err
		}
		if cli.jsonOutput {
			return PrintJSON(os.Stdout, stats)
		}
		fmt.Printf("Reclaimed leases: %d\n", stats.ReclaimedLeases)
		fmt.Printf("Reclaimed jobs: %d\n", stats.ReclaimedJobs)
		fmt.Printf("Dead-lettered: %d\n", stats.DeadLettered)
		return nil
	case "leases":
		if len(args) != 2 || args[1] != "list" {
			return usagef("usage: justnews orchestrator leases list")
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var resp struct {
			Leases []orchestrator.Lease `json:"leases"`
		}
		if err := callJSON(cctx, http.MethodGet, base+"/leases", "orchestrator.leases", &resp); err != nil {
			return err
		}
		if cli.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}
		headers := []string{"TOKEN", "AGENT", "GPU", "MODE", "EXPIRES", "LAST HEARTBEAT"}
		rows := make([][]string, 0, len(resp.Leases))
		for _, l := range resp.Leases {
			gpu := strconv.Itoa(l.GPUIndex)
			if l.GPUIndex == orchestrator.CPUIndex {
				gpu = "-"
			}
			rows = append(rows, []string{
				Truncate(l.Token, 18),
				l.AgentName,
				gpu,
				l.Mode,
				FormatTimeOrDash(l.ExpiresAt),
				FormatTimeOrDash(l.LastHeartbeat),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d leases\n", len(resp.Leases))
		return nil
	default:
		return usagef("unknown orchestrator command: %s", args[0])
	}
}

// callJSON performs one request against a service endpoint and decodes
// the response into out. Error envelopes from the services carry a kind
// label, which maps back onto a fault so exit codes stay faithful.
func callJSON(ctx context.Context, method, url, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fault.Wrap(fault.KindValidation, op, err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrap(fault.KindDeadline, op, err)
		}
		return fault.Wrap(fault.KindUpstream, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fault.Wrap(fault.KindUpstream, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Detail string `json:"detail"`
			Kind   string `json:"kind"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Kind != "" {
			return fault.FromEnvelope(op, resp.StatusCode, envelope.Kind, envelope.Detail)
		}
		return fault.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.Wrap(fault.KindUpstream, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
