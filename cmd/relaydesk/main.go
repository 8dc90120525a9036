// ABOUTME: Entry point for the relaydesk support engine
// ABOUTME: Wires storage, permissions, workplace providers and the backend facade

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/relaydesk/relaydesk/internal/backend"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/eventlog"
	"github.com/relaydesk/relaydesk/internal/permissions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/workplace"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                _           _
 _ __ ___| | __ _ _   _ __| | ___  ___| | __
| '__/ _ \ |/ _' | | | / _' |/ _ \/ __| |/ /
| | |  __/ | (_| | |_| \ (_| |  __/\__ \   <
|_|  \___|_|\__,_|\__, |\__,_|\___||___/_|\_\
                  |___/
`

// getConfigPath returns the path to the relaydesk config file.
// Priority: RELAYDESK_CONFIG env var > XDG_CONFIG_HOME/relaydesk/config.yaml > ~/.config/relaydesk/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAYDESK_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "relaydesk", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relaydesk <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the support engine")
		fmt.Println("  init    Write a starter config file")
		fmt.Println("  check   Validate config and open the database")
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
	case "check":
		err = runCheck(ctx)
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
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	for _, ch := range cfg.Channels {
		green.Print("    ▶ ")
		fmt.Printf("Channel:  %s (%d endpoints)\n", ch.Name, len(ch.Endpoints))
	}
	if cfg.Events.AMQP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Events:   ")
		cyan.Println(cfg.Events.AMQP.Exchange)
	}
	fmt.Println()

	logger.Info("starting relaydesk",
		"config", configPath,
		"database", cfg.Database.Path,
		"channels", len(cfg.Channels),
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	b := backend.New(st, checkersFromConfig(cfg), providersFromConfig(cfg), logger)

	if cfg.Events.AMQP.Enabled {
		relay, err := eventlog.New(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connecting event relay: %w", err)
		}
		defer relay.Close()
		relay.Attach(b)
		logger.Info("event relay attached", "exchange", cfg.Events.AMQP.Exchange)
	}

	// Channel adapters subscribe to the backend's observables from here.
	// The engine itself just runs until interrupted.
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// checkersFromConfig builds the permission checkers the backend consults.
func checkersFromConfig(cfg *config.Config) []permissions.Checker {
	entries := make([]permissions.RosterEntry, 0, len(cfg.Roster))
	for _, entry := range cfg.Roster {
		roles := make([]permissions.Role, 0, len(entry.Roles))
		for _, role := range entry.Roles {
			roles = append(roles, permissions.Role(role))
		}
		entries = append(entries, permissions.RosterEntry{
			Channel:       entry.Channel,
			ChannelUserID: entry.ChannelUserID,
			Roles:         roles,
		})
	}
	return []permissions.Checker{permissions.NewRosterChecker(entries, cfg.Agents.AllowUnknown)}
}

// providersFromConfig builds one workplace provider per configured channel.
func providersFromConfig(cfg *config.Config) []workplace.Provider {
	providers := make([]workplace.Provider, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		providers = append(providers, workplace.NewPoolProvider(ch.Name, ch.Endpoints))
	}
	return providers
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := `# relaydesk configuration
# Generated by relaydesk init

database:
  path: "relaydesk.db"

logging:
  level: "info"
  format: "text"

events:
  amqp:
    enabled: false
    url: "${RELAYDESK_AMQP_URL}"
    exchange: "support.events"

agents:
  allow_unknown: false

channels:
  - name: "telegram"
    endpoints:
      - "primary-bot"

roster:
  - channel: "telegram"
    channel_user_id: "change-me"
    roles: ["manage"]
`

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Edit the roster before starting the engine.")
	return nil
}

func runCheck(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Config valid: %s\n", configPath)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tags, err := st.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("querying store: %w", err)
	}

	green.Printf("  ✓ Database open: %s (%d tags)\n", cfg.Database.Path, len(tags))
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

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
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
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(_ string) slog.Handler {
	return h
}
