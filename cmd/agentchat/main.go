package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"agentchat/internal/agent"
	"agentchat/internal/blob"
	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/domain"
	"agentchat/internal/memory"
	"agentchat/internal/metrics"
	"agentchat/internal/provider"
	"agentchat/internal/transport"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "agentchat",
		Short: "agentchat: chat with a remote command-running agent",
		Long: `agentchat talks to an agent that proposes and executes multi-step
command-line tasks. Messages, task approvals and attachments are kept in a
local or Postgres message store.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.agentchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(approveCmd())
	root.AddCommand(rejectCmd())
	root.AddCommand(tasksCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(attachCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet, and reconfigures the logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(cfgPath); !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
	}
	logger = newLogger(cfg.General)
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes to stderr, and to general.logFile as well when set.
func newLogger(gc config.GeneralConfig) *slog.Logger {
	var out io.Writer = os.Stderr
	if gc.LogFile != "" {
		path := config.ExpandPath(gc.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(gc.LogLevel)}))
}

// openStore opens the configured message store.
func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := memory.OpenPostgres(ctx, cfg.Store.DSN, int32(cfg.Store.MaxConns), logger)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, nil
	case "", "sqlite":
		s, err := memory.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	store    domain.Store
	blobs    *blob.FSStore
	agent    *provider.AgentClient
	sessions *agent.SessionManager
	turns    *agent.TurnRunner
	metrics  *metrics.Metrics
	factory  *transport.Factory
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	blobs, err := blob.NewFSStore(blob.FSConfig{
		Root:       config.ExpandPath(cfg.Attachments.StorageDir),
		SigningKey: cfg.Attachments.SigningKey,
		BaseURL:    attachmentBaseURL(cfg),
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	client := provider.NewAgentClient(provider.AgentClientConfig{
		TurnTimeout: cfg.Agent.TurnTimeout(),
		Metrics:     m,
		Logger:      logger,
	})
	sessions := agent.NewSessionManager(store, agent.SessionConfig{
		FallbackAgentURL: cfg.Agent.URL,
		FallbackAgentID:  cfg.Agent.DefaultCounterpartID,
		CacheTTL:         cfg.Cache.TTL(),
		Logger:           logger,
	})
	var limiter *agent.TurnLimiter
	if cfg.Agent.TurnsPerMinute > 0 {
		limiter = agent.NewTurnLimiter(cfg.Agent.TurnBurst, cfg.Agent.TurnsPerMinute)
	}
	turns := agent.NewTurnRunner(sessions, store, client, agent.TurnConfig{
		HistoryLimit:   cfg.Agent.HistoryLimit,
		MaxOutputChars: cfg.Agent.MaxOutputChars,
		Limiter:        limiter,
		Metrics:        m,
		Logger:         logger,
	})

	rt := &app{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		agent:    client,
		sessions: sessions,
		turns:    turns,
		metrics:  m,
	}
	rt.factory = transport.NewFactory(cfg, transport.Deps{
		Store:   store,
		Turns:   turns,
		Blobs:   blobs,
		Metrics: m,
		Logger:  logger,
	})
	return rt, nil
}

func attachmentBaseURL(cfg *config.Config) string {
	if cfg.Attachments.BaseURL != "" {
		return cfg.Attachments.BaseURL
	}
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// client builds a chat client over the configured transport.
func (rt *app) client(onMessage func(domain.Message)) (*chat.Client, error) {
	p, err := rt.factory.Get("")
	if err != nil {
		return nil, err
	}
	cc := chat.ClientConfig{
		UserID:     rt.cfg.General.UserID,
		Liveness:   rt.store,
		FileGrace:  rt.cfg.Realtime.FileGrace(),
		StaleAfter: rt.cfg.Liveness.StaleAfter(),
		OnMessage:  onMessage,
		Metrics:    rt.metrics,
		Logger:     logger,
	}
	// Remote transports keep their rows on the server, so tasks are derived
	// from what the client loads instead of the local store.
	if p.Name() == "store" {
		cc.Tasks = rt.store
	}
	return chat.NewClient(p, cc), nil
}

func (rt *app) Close() {
	rt.factory.Close()
	if err := rt.store.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
}

// withApp loads config, wires the app and runs fn with it.
func withApp(ctx context.Context, fn func(ctx context.Context, rt *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
