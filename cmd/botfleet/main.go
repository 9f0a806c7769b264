// ABOUTME: Entry point for the botfleet control process
// ABOUTME: Serves the fleet and offers admin subcommands against the same database

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/botfleet/internal/config"
	"github.com/2389/botfleet/internal/gateway"
	"github.com/2389/botfleet/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _           _    __ _           _
 | |__   ___ | |_ / _| | ___  ___| |_
 | '_ \ / _ \| __| |_| |/ _ \/ _ \ __|
 | |_) | (_) | |_|  _| |  __/  __/ |_
 |_.__/ \___/ \__|_| |_|\___|\___|\__|
`

// getDataPath returns the path to the botfleet data directory.
// Priority: XDG_DATA_HOME/botfleet > ~/.local/share/botfleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "botfleet")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: botfleet <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Run the fleet for the configured tenant")
	fmt.Fprintln(w, "  init                               Create a new config file interactively")
	fmt.Fprintln(w, "  health                             Check a running process")
	fmt.Fprintln(w, "  tenants                            List tenants and their load")
	fmt.Fprintln(w, "  check <identity>                   Show who owns an identity")
	fmt.Fprintln(w, "  bots [--tenant NAME]               List bots")
	fmt.Fprintln(w, "  move-identity <identity> <tenant>  Reassign an identity to another tenant")
	fmt.Fprintln(w, "  set-capacity <tenant> <n>          Change a tenant's maximum")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	out := os.Stdout

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, out)
	case "health":
		err = runHealth(ctx, out)
	case "tenants":
		err = runTenants(ctx, out)
	case "check":
		err = runCheck(ctx, out, args)
	case "bots":
		err = runBots(ctx, out, args)
	case "move-identity":
		err = runMoveIdentity(ctx, out, args)
	case "set-capacity":
		err = runSetCapacity(ctx, out, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Tenant:    %s (max %d)\n", cfg.Tenant.Name, cfg.Tenant.MaxCapacity)
	for _, tc := range cfg.HostedTenants {
		green.Print("    ▶ ")
		fmt.Printf("Hosting:   %s (max %d)\n", tc.Name, tc.MaxCapacity)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	if cfg.Session.BridgeURL != "" {
		fmt.Printf("Bridge:    %s\n", cfg.Session.BridgeURL)
	} else {
		fmt.Print("Bridge:    ")
		yellow.Println("loopback")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s%s\n", cfg.Metrics.HTTPAddr, cfg.Metrics.Path)
	}
	if !cfg.Resume.IsEnabled() {
		gray.Println("    resume disabled")
	}

	fmt.Println()

	logger.Info("starting botfleet",
		"config", configPath,
		"tenant", cfg.Tenant.Name,
		"hosted_tenants", len(cfg.HostedTenants),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// openGateway loads config and wires a gateway for a one-shot admin
// command. The caller must Shutdown it.
func openGateway(ctx context.Context) (*gateway.Gateway, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	quiet := cfg.Logging
	quiet.Level = "error"

	gw, err := gateway.New(cfg, setupLogger(quiet))
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	if err := gw.EnsureTenants(ctx); err != nil {
		_ = gw.Shutdown(ctx)
		return nil, err
	}
	return gw, nil
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Metrics.Enabled {
		return fmt.Errorf("metrics.enabled is false, no HTTP endpoint to check")
	}

	url := fmt.Sprintf("http://%s/ready", cfg.Metrics.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, string(body))
	return nil
}

func runTenants(ctx context.Context, out io.Writer) error {
	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.WithoutCancel(ctx)) }()

	tenants, err := gw.Fleet().ListTenants(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tSTATUS\tBOTS\tMAX\tDESCRIPTION")
	for _, t := range tenants {
		load := fmt.Sprintf("%d", t.ObservedCount)
		switch {
		case t.ObservedCount >= t.MaxCapacity:
			load = color.RedString(load)
		case t.ObservedCount*10 >= t.MaxCapacity*8:
			load = color.YellowString(load)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.Name, t.Status, load, t.MaxCapacity, t.Description)
	}
	return tw.Flush()
}

func runCheck(ctx context.Context, out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: botfleet check <identity>")
	}

	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.WithoutCancel(ctx)) }()

	status, err := gw.Fleet().CheckIdentity(ctx, args[0])
	if err != nil {
		return err
	}

	if !status.Owned {
		color.New(color.FgGreen).Fprintf(out, "%s is available\n", status.Identity)
		return nil
	}
	color.New(color.FgYellow).Fprintf(out, "%s is registered to tenant %s\n", status.Identity, status.Tenant)
	if status.HasInstance {
		inst := status.Instance
		fmt.Fprintf(out, "  bot:      %s (%s)\n", inst.ID, inst.DisplayName)
		fmt.Fprintf(out, "  status:   %s\n", inst.Status)
		fmt.Fprintf(out, "  approval: %s\n", inst.ApprovalStatus)
	}
	return nil
}

// parseTenantFlag accepts "--tenant NAME" and "--tenant=NAME", repeatable.
func parseTenantFlag(args []string) ([]string, error) {
	var tenants []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--tenant" || arg == "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--tenant requires a value")
			}
			tenants = append(tenants, args[i+1])
			i++
		case strings.HasPrefix(arg, "--tenant="):
			tenants = append(tenants, strings.TrimPrefix(arg, "--tenant="))
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unknown flag: %s", arg)
		default:
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return tenants, nil
}

func runBots(ctx context.Context, out io.Writer, args []string) error {
	tenants, err := parseTenantFlag(args)
	if err != nil {
		return err
	}

	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.WithoutCancel(ctx)) }()

	bots, err := gw.Fleet().ListBots(ctx, store.BotFilter{Tenants: tenants})
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		fmt.Fprintln(out, "no bots")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tIDENTITY\tSTATUS\tAPPROVAL\tEXPIRES")
	for _, b := range bots {
		expires := "-"
		if at, ok := b.ExpiresAt(); ok {
			expires = at.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Tenant, b.Identity, colorStatus(b.Status), b.ApprovalStatus, expires)
	}
	return tw.Flush()
}

func colorStatus(s store.BotStatus) string {
	switch s {
	case store.StatusOnline:
		return color.GreenString(string(s))
	case store.StatusError:
		return color.RedString(string(s))
	case store.StatusLoading:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func runMoveIdentity(ctx context.Context, out io.Writer, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: botfleet move-identity <identity> <tenant>")
	}

	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.WithoutCancel(ctx)) }()

	entry, err := gw.Fleet().AdminMoveIdentity(ctx, args[0], args[1], adminActor())
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "  ✓ %s now belongs to %s\n", entry.Identity, entry.Tenant)
	return nil
}

func runSetCapacity(ctx context.Context, out io.Writer, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: botfleet set-capacity <tenant> <n>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return fmt.Errorf("capacity must be a non-negative integer: %q", args[1])
	}

	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Shutdown(context.WithoutCancel(ctx)) }()

	t, err := gw.Fleet().SetCapacity(ctx, args[0], n, adminActor())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("tenant %s does not exist", args[0])
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "  ✓ %s max capacity %d (%d in use)\n", t.Name, t.MaxCapacity, t.ObservedCount)
	return nil
}

// adminActor names the operator in activity records.
func adminActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "botfleet configuration setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	defaultDbPath := filepath.Join(getDataPath(), "botfleet.db")

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Tenant Configuration ---")
	tenantName := prompt(reader, out, "Tenant name", "")
	if tenantName == "" {
		return fmt.Errorf("tenant name is required")
	}
	maxCapacity := prompt(reader, out, "Max bots", strconv.Itoa(config.DefaultMaxCapacity))
	if _, err := strconv.Atoi(maxCapacity); err != nil {
		return fmt.Errorf("max bots must be a number: %q", maxCapacity)
	}

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", defaultDbPath)

	fmt.Fprintln(out, "\n--- Session Configuration ---")
	bridgeURL := prompt(reader, out, "Bridge websocket URL (leave empty for loopback)", "")

	fmt.Fprintln(out, "\n--- Metrics Configuration ---")
	metricsEnabled := isYes(prompt(reader, out, "Enable /metrics, /health and /ready?", "yes"))
	httpAddr := "localhost:9090"
	if metricsEnabled {
		httpAddr = prompt(reader, out, "HTTP address", httpAddr)
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# botfleet configuration\n")
	cfg.WriteString("# Generated by botfleet init\n\n")

	cfg.WriteString("tenant:\n")
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", tenantName))
	cfg.WriteString(fmt.Sprintf("  max_capacity: %s\n", maxCapacity))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString(fmt.Sprintf("  bridge_url: \"%s\"\n", bridgeURL))
	cfg.WriteString("  connect_timeout: \"30s\"\n")
	cfg.WriteString("  send_timeout: \"15s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("resume:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  stagger_interval: \"3s\"\n")
	cfg.WriteString("  grace_period: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("expiry:\n")
	cfg.WriteString(fmt.Sprintf("  schedule: \"%s\"\n", config.DefaultExpirySchedule))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", metricsEnabled))
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", config.DefaultMetricsPath))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the fleet:")
	fmt.Fprintln(out, "  botfleet serve")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// setupLogger builds the process logger from logging.level and logging.format.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(os.Stdout, level)
	}

	return slog.New(handler)
}
