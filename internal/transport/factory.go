package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agentchat/internal/agent"
	"agentchat/internal/config"
	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

// Deps are the shared components a transport may be built from.
type Deps struct {
	Store   domain.Store
	Turns   *agent.TurnRunner
	Blobs   domain.BlobStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Constructor builds a transport from configuration.
type Constructor func(cfg *config.Config, deps Deps) (domain.ChatProvider, error)

// Factory creates and caches transports by name.
type Factory struct {
	cfg          *config.Config
	deps         Deps
	constructors map[string]Constructor
	cache        map[string]domain.ChatProvider
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in transports registered.
func NewFactory(cfg *config.Config, deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		deps:         deps,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.ChatProvider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a transport constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["store"] = func(cfg *config.Config, deps Deps) (domain.ChatProvider, error) {
		if deps.Store == nil {
			return nil, fmt.Errorf("store transport needs a message store")
		}
		return NewStoreProvider(StoreConfig{
			Store:              deps.Store,
			Turns:              deps.Turns,
			Blobs:              deps.Blobs,
			URLTTL:             cfg.Attachments.URLTTL(),
			MaxAttachmentBytes: cfg.Attachments.MaxSizeBytes,
			StaleAfter:         cfg.Liveness.StaleAfter(),
			Metrics:            deps.Metrics,
			Logger:             deps.Logger.With("transport", "store"),
		}), nil
	}

	f.constructors["websocket"] = func(cfg *config.Config, deps Deps) (domain.ChatProvider, error) {
		if cfg.Realtime.WebSocketURL == "" {
			return nil, fmt.Errorf("websocket transport needs realtime.websocketURL")
		}
		return NewWebSocketProvider(WebSocketConfig{
			URL:               cfg.Realtime.WebSocketURL,
			ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
			Metrics:           deps.Metrics,
			Logger:            deps.Logger.With("transport", "websocket"),
		}), nil
	}

	f.constructors["polling"] = func(cfg *config.Config, deps Deps) (domain.ChatProvider, error) {
		if cfg.Realtime.APIBase == "" {
			return nil, fmt.Errorf("polling transport needs realtime.apiBase")
		}
		return NewPollingProvider(PollingConfig{
			APIBase:      cfg.Realtime.APIBase,
			PollInterval: cfg.Realtime.PollInterval(),
			Metrics:      deps.Metrics,
			Logger:       deps.Logger.With("transport", "polling"),
		}), nil
	}
}

// Names lists the registered transports.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the transport with the given name, or the configured one if
// name is empty. Created transports are cached.
func (f *Factory) Get(name string) (domain.ChatProvider, error) {
	if name == "" {
		name = f.cfg.General.Transport
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	ctor, ok := f.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	p, err := ctor(f.cfg, f.deps)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", name, err)
	}
	f.cache[name] = p
	return p, nil
}

// Close disconnects every transport created so far.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, p := range f.cache {
		p.Disconnect()
		delete(f.cache, name)
	}
}
