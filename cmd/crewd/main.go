// ABOUTME: Entry point for the crewd worker process
// ABOUTME: Wires store, steering, channel manager, scheduler, and the HTTP API

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/crewd/internal/agent"
	"github.com/2389/crewd/internal/api"
	"github.com/2389/crewd/internal/channel"
	"github.com/2389/crewd/internal/channel/feishu"
	"github.com/2389/crewd/internal/channel/telegram"
	"github.com/2389/crewd/internal/config"
	"github.com/2389/crewd/internal/scheduler"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                           _
  ___ _ __ _____      ____| |
 / __| '__/ _ \ \ /\ / / _' |
| (__| | |  __/\ V  V / (_| |
 \___|_|  \___| \_/\_/ \__,_|
`

// getConfigPath returns the path to the crewd config file.
// Priority: CREWD_CONFIG env var > XDG_CONFIG_HOME/crewd/config.yaml > ~/.config/crewd/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CREWD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crewd", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: crewd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start a worker process")
		fmt.Println("  health    Check worker health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	role := "follower"
	if cfg.Worker.Leader {
		role = "leader"
	}
	fmt.Printf("Role:     %s\n\n", role)

	logger.Info("starting crewd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"leader", cfg.Worker.Leader,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	streams := stream.NewRegistry()
	steer := steering.NewTransport(cfg.Steering.Root, logger)
	if cfg.Steering.PollInterval > 0 {
		steer.SetPollInterval(cfg.Steering.PollInterval)
	}

	// The reasoning loop is pluggable behind agent.Runner; the built-in
	// runner echoes prompts so a worker can be deployed and exercised
	// end to end before a real loop is wired in.
	runner := &agent.ScriptedRunner{}

	mgr := channel.NewManager(st, runner, adapterFactory, streams, steer, cfg.Worker.Leader)
	if cfg.Runs.HeartbeatInterval > 0 {
		mgr.SetHeartbeatInterval(cfg.Runs.HeartbeatInterval)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting channel manager: %w", err)
	}
	defer mgr.Stop()

	sched := scheduler.New(st, runner, mgr, streams, steer, cfg.Scheduler.PollInterval)
	if cfg.Runs.HeartbeatInterval > 0 {
		sched.SetHeartbeatInterval(cfg.Runs.HeartbeatInterval)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
	}
	srv := api.NewServer(st, streams, steer, mgr, sched, api.Options{
		Addr:        cfg.Server.HTTPAddr,
		MetricsPath: metricsPath,
	})

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	var wg sync.WaitGroup
	if cfg.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(schedCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	schedCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	wg.Wait()

	logger.Info("crewd stopped")
	return nil
}

// adapterFactory builds platform adapters from binding credentials. It
// is the only place platform SDK constructors are reachable from.
func adapterFactory(channelType string, cfg map[string]string) (channel.Adapter, error) {
	switch channelType {
	case "feishu":
		return feishu.New(cfg["app_id"], cfg["app_secret"])
	case "telegram":
		return telegram.New(cfg["bot_token"])
	default:
		return nil, fmt.Errorf("unsupported channel type %q", channelType)
	}
}

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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
