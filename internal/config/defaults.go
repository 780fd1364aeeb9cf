package config

import "time"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			UserID:    "local-user",
			Transport: "store",
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			DBPath:   "~/.agentchat/chat.db",
			MaxConns: 8,
		},
		Agent: AgentConfig{
			URL:                  "http://localhost:3737",
			TurnTimeoutSeconds:   120,
			HistoryLimit:         50,
			MaxOutputChars:       500,
			DefaultCounterpartID: "agent",
			TurnBurst:            3,
			HealthIntervalSecs:   60,
		},
		Realtime: RealtimeConfig{
			FileGraceMillis:    300,
			PollIntervalMillis: 2000,
			ReconnectAttempts:  5,
		},
		Attachments: AttachmentsConfig{
			StorageDir:    "~/.agentchat/attachments",
			URLTTLSeconds: 300,
			MaxSizeBytes:  10 << 20,
		},
		Liveness: LivenessConfig{
			StaleAfterSeconds: 300,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

func (c AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

func (c AgentConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSecs) * time.Second
}

func (c RealtimeConfig) FileGrace() time.Duration {
	return time.Duration(c.FileGraceMillis) * time.Millisecond
}

func (c RealtimeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c AttachmentsConfig) URLTTL() time.Duration {
	return time.Duration(c.URLTTLSeconds) * time.Second
}

func (c LivenessConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
