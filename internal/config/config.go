package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for agentchat.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Realtime    RealtimeConfig    `json:"realtime" yaml:"realtime"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Liveness    LivenessConfig    `json:"liveness" yaml:"liveness"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	// UserID is the opaque identity of the human using this client.
	UserID    string `json:"userId" yaml:"userId"`
	Transport string `json:"transport" yaml:"transport"` // "store" | "websocket" | "polling"
}

type StoreConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DBPath   string `json:"dbPath" yaml:"dbPath"`
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	MaxConns int    `json:"maxConns,omitempty" yaml:"maxConns,omitempty"`
}

type AgentConfig struct {
	URL                  string  `json:"url" yaml:"url"`
	TurnTimeoutSeconds   int     `json:"turnTimeoutSeconds" yaml:"turnTimeoutSeconds"`
	HistoryLimit         int     `json:"historyLimit" yaml:"historyLimit"`
	MaxOutputChars       int     `json:"maxOutputChars" yaml:"maxOutputChars"`
	DefaultCounterpartID string  `json:"defaultCounterpartId" yaml:"defaultCounterpartId"`
	TurnsPerMinute       float64 `json:"turnsPerMinute,omitempty" yaml:"turnsPerMinute,omitempty"` // 0 = unthrottled
	TurnBurst            int     `json:"turnBurst" yaml:"turnBurst"`
	HealthIntervalSecs   int     `json:"healthIntervalSeconds" yaml:"healthIntervalSeconds"`
}

type RealtimeConfig struct {
	FileGraceMillis    int    `json:"fileGraceMillis" yaml:"fileGraceMillis"`
	PollIntervalMillis int    `json:"pollIntervalMillis" yaml:"pollIntervalMillis"`
	WebSocketURL       string `json:"websocketURL,omitempty" yaml:"websocketURL,omitempty"`
	APIBase            string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	ReconnectAttempts  int    `json:"reconnectAttempts" yaml:"reconnectAttempts"`
}

type AttachmentsConfig struct {
	StorageDir    string `json:"storageDir" yaml:"storageDir"`
	SigningKey    string `json:"signingKey,omitempty" yaml:"signingKey,omitempty"`
	URLTTLSeconds int    `json:"urlTTLSeconds" yaml:"urlTTLSeconds"`
	MaxSizeBytes  int64  `json:"maxSizeBytes" yaml:"maxSizeBytes"`
	// BaseURL prefixes signed attachment URLs, e.g. the serve address.
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
}

type LivenessConfig struct {
	StaleAfterSeconds int `json:"staleAfterSeconds" yaml:"staleAfterSeconds"`
}

type CacheConfig struct {
	TTLSeconds int `json:"ttlSeconds" yaml:"ttlSeconds"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// MetricsConfig configures the Prometheus endpoint on serve.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.agentchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentchat"
	}
	return filepath.Join(home, ".agentchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Attachments.StorageDir = ExpandPath(cfg.Attachments.StorageDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.UserID) == "" {
		errs = append(errs, "general.userId is required")
	}
	switch cfg.General.Transport {
	case "store":
	case "websocket":
		if cfg.Realtime.WebSocketURL == "" {
			errs = append(errs, "realtime.websocketURL is required for the websocket transport")
		}
	case "polling":
		if cfg.Realtime.APIBase == "" {
			errs = append(errs, "realtime.apiBase is required for the polling transport")
		}
	default:
		errs = append(errs, "general.transport must be one of: store, websocket, polling")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" && os.Getenv("DATABASE_URL") == "" {
			errs = append(errs, "store.dsn (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.TurnTimeoutSeconds < 1 || cfg.Agent.TurnTimeoutSeconds > 3600 {
		errs = append(errs, "agent.turnTimeoutSeconds must be between 1 and 3600")
	}
	if cfg.Agent.HistoryLimit < 0 || cfg.Agent.HistoryLimit > 500 {
		errs = append(errs, "agent.historyLimit must be between 0 and 500")
	}
	if cfg.Agent.MaxOutputChars < 1 {
		errs = append(errs, "agent.maxOutputChars must be >= 1")
	}
	if cfg.Agent.TurnsPerMinute < 0 {
		errs = append(errs, "agent.turnsPerMinute must be >= 0")
	}
	if cfg.Agent.TurnBurst < 1 || cfg.Agent.TurnBurst > 100 {
		errs = append(errs, "agent.turnBurst must be between 1 and 100")
	}

	if cfg.Realtime.FileGraceMillis < 0 {
		errs = append(errs, "realtime.fileGraceMillis must be >= 0")
	}
	if cfg.Realtime.PollIntervalMillis < 100 {
		errs = append(errs, "realtime.pollIntervalMillis must be >= 100")
	}
	if cfg.Realtime.ReconnectAttempts < 0 {
		errs = append(errs, "realtime.reconnectAttempts must be >= 0")
	}

	if cfg.Attachments.URLTTLSeconds < 1 {
		errs = append(errs, "attachments.urlTTLSeconds must be >= 1")
	}
	if cfg.Attachments.MaxSizeBytes < 1 {
		errs = append(errs, "attachments.maxSizeBytes must be >= 1")
	}
	if cfg.Liveness.StaleAfterSeconds < 1 {
		errs = append(errs, "liveness.staleAfterSeconds must be >= 1")
	}
	if cfg.Cache.TTLSeconds < 1 {
		errs = append(errs, "cache.ttlSeconds must be >= 1")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
