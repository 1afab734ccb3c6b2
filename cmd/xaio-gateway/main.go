// ABOUTME: Entry point for the xaio gateway control plane
// ABOUTME: Subcommands for serving, config management, pairing, and health checks

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/xaio-protocol/xaio-cli/internal/config"
	"github.com/xaio-protocol/xaio-cli/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
 __  ____ _(_) ___
 \ \/ / _' | |/ _ \
  >  < (_| | | (_) |
 /_/\_\__,_|_|\___/
`

func usage() {
	fmt.Println("Usage: xaio-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the gateway")
	fmt.Println("  init                         Write a default config file")
	fmt.Println("  health                       Check gateway health")
	fmt.Println("  status                       Show gateway status")
	fmt.Println("  pair list                    List pending pairing requests")
	fmt.Println("  pair approve <channel> <code> Approve a pairing request")
	fmt.Println("  config get <key>             Read a config value")
	fmt.Println("  config set <key> <value>     Set a config value")
}

// getConfigPath resolves the config file location.
// Priority: XAIO_CONFIG env var > XDG_CONFIG_HOME/xaio/gateway.yaml > ~/.config/xaio/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("XAIO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "xaio", "gateway.yaml")
}

func main() {
	// Secrets like XAIO_GROK_API_KEY and bot tokens commonly live in .env
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "pair":
		err = runPair(ctx, os.Args[2:])
	case "config":
		err = runConfig(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
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

	cfg, err := loadOrDefault(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Bind:     %s\n", cfg.BindAddr())
	green.Print("    ▶ ")
	fmt.Printf("Model:    %s\n", cfg.Agent.Model)
	green.Print("    ▶ ")
	fmt.Printf("DM policy: %s\n", cfg.Security.DmPolicy)
	fmt.Println()

	logger.Info("starting xaio-gateway",
		"config", configPath,
		"bind", cfg.BindAddr(),
		"model", cfg.Agent.Model,
	)

	gw, err := gateway.New(cfg, configPath, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// loadOrDefault falls back to the stock config when no file exists yet, so
// "serve" works out of the box on a fresh install.
func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	cfg := config.Default()
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("\nTo start the gateway:")
	fmt.Println("  xaio-gateway serve")
	return nil
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

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level}
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
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}

// adminClient issues requests against the local gateway's control plane,
// attaching the configured credential when auth is enabled.
type adminClient struct {
	base string
	cfg  *config.Config
}

func newAdminClient() (*adminClient, error) {
	cfg, err := loadOrDefault(getConfigPath())
	if err != nil {
		return nil, err
	}
	return &adminClient{base: "http://" + cfg.BindAddr(), cfg: cfg}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch c.cfg.Gateway.Auth.Mode {
	case "password":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Gateway.Auth.Password)
	case "token":
		if tok := os.Getenv("XAIO_ADMIN_TOKEN"); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func runHealth(ctx context.Context) error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
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

func runStatus(ctx context.Context) error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runPair(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: xaio-gateway pair <list|approve>")
	}

	c, err := newAdminClient()
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		data, err := c.do(ctx, http.MethodGet, "/pairing", nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	case "approve":
		if len(args) != 3 {
			return fmt.Errorf("usage: xaio-gateway pair approve <channel> <code>")
		}
		data, err := c.do(ctx, http.MethodPost, "/pairing/approve",
			map[string]string{"channelType": args[1], "code": args[2]})
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen)
		green.Print("  ✓ ")
		fmt.Println("approved")
		return printJSON(data)
	default:
		return fmt.Errorf("unknown pair subcommand: %s", args[0])
	}
}

func runConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: xaio-gateway config <get|set> <key> [value]")
	}

	switch args[0] {
	case "get":
		// Read locally so "config get" works without a running gateway.
		cfg, err := loadOrDefault(getConfigPath())
		if err != nil {
			return err
		}
		val, err := cfg.Get(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", val)
		return nil
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: xaio-gateway config set <key> <value>")
		}
		// Try the running gateway first so it can persist and log; fall
		// back to editing the file directly when it is not up.
		if c, err := newAdminClient(); err == nil {
			if _, err := c.do(ctx, http.MethodPost, "/config/set",
				map[string]string{"key": args[1], "value": args[2]}); err == nil {
				fmt.Printf("%s = %s\n", args[1], args[2])
				return nil
			}
		}
		cfg, err := loadOrDefault(getConfigPath())
		if err != nil {
			return err
		}
		if err := cfg.Set(args[1], args[2]); err != nil {
			return err
		}
		if err := cfg.Save(getConfigPath()); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[1], args[2])
		return nil
	default:
		return fmt.Errorf("unknown config subcommand: %s", args[0])
	}
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
