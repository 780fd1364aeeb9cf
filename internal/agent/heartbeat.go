package agent

import (
	"context"
	"log/slog"
	"time"

	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

// HealthChecker probes one agent endpoint.
type HealthChecker interface {
	Health(ctx context.Context, agentURL string) (domain.LivenessStatus, error)
}

// ProbeStore is what the prober reads targets from and reports into.
type ProbeStore interface {
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	ReportLiveness(ctx context.Context, rec domain.LivenessRecord) error
}

// HealthProberConfig configures the liveness prober.
type HealthProberConfig struct {
	Enabled bool
	// Interval between probe rounds. Defaults to one minute.
	Interval time.Duration
	// UserID selects whose conversations are probed.
	UserID  string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// HealthProber periodically probes the agents behind a user's conversations
// and writes the result to the observability feed.
type HealthProber struct {
	enabled  bool
	interval time.Duration
	userID   string
	store    ProbeStore
	checker  HealthChecker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewHealthProber(cfg HealthProberConfig, store ProbeStore, checker HealthChecker) *HealthProber {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HealthProber{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		userID:   cfg.UserID,
		store:    store,
		checker:  checker,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Start probes once, then on every tick. Blocks until ctx is cancelled.
func (p *HealthProber) Start(ctx context.Context) {
	if !p.enabled {
		return
	}

	p.logger.Info("health prober started", "interval", p.interval, "user", p.userID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks every distinct counterpart once and returns the number of
// records written.
func (p *HealthProber) ProbeOnce(ctx context.Context) int {
	convs, err := p.store.ListConversations(ctx, p.userID)
	if err != nil {
		p.logger.Warn("health probe: list conversations", "error", err)
		return 0
	}

	seen := make(map[string]bool)
	written := 0
	for _, c := range convs {
		if c.CounterpartID == "" || c.AgentURL == "" || seen[c.CounterpartID] {
			continue
		}
		seen[c.CounterpartID] = true

		status, err := p.checker.Health(ctx, c.AgentURL)
		if ctx.Err() != nil {
			return written
		}
		if err != nil {
			p.logger.Debug("agent unhealthy", "counterpart", c.CounterpartID, "status", status, "error", err)
		}
		p.metrics.HealthCheck(string(status))

		rec := domain.LivenessRecord{
			CounterpartID: c.CounterpartID,
			Status:        status,
			UpdatedAt:     p.now().UTC(),
		}
		if err := p.store.ReportLiveness(ctx, rec); err != nil {
			p.logger.Warn("health probe: report liveness", "counterpart", c.CounterpartID, "error", err)
			continue
		}
		written++
	}
	return written
}
