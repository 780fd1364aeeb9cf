package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentchat/internal/domain"
)

const (
	defaultTitle    = "New conversation"
	defaultCacheTTL = 5 * time.Minute
)

// Metadata is the per-conversation routing data a turn needs.
type Metadata struct {
	ConversationID string
	AgentURL       string
	AgentUserID    string
	cachedAt       time.Time
}

// SessionManager owns conversation lookups for turns. Metadata is cached for
// a bounded TTL; writers that change a conversation must call ClearCache.
type SessionManager struct {
	store           domain.ConversationStore
	fallbackURL     string
	fallbackAgentID string
	ttl             time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu    sync.RWMutex
	cache map[string]Metadata
}

type SessionConfig struct {
	// FallbackAgentURL is used for conversations stored without an agent URL.
	FallbackAgentURL string
	// FallbackAgentID is used for conversations stored without a counterpart.
	FallbackAgentID string
	CacheTTL        time.Duration
	Logger          *slog.Logger
}

func NewSessionManager(store domain.ConversationStore, cfg SessionConfig) *SessionManager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		store:           store,
		fallbackURL:     strings.TrimRight(cfg.FallbackAgentURL, "/"),
		fallbackAgentID: cfg.FallbackAgentID,
		ttl:             cfg.CacheTTL,
		logger:          cfg.Logger,
		now:             time.Now,
		cache:           make(map[string]Metadata),
	}
}

// Metadata returns routing data for convID, from cache when fresh.
func (sm *SessionManager) Metadata(ctx context.Context, convID string) (Metadata, error) {
	now := sm.now()

	sm.mu.RLock()
	cached, ok := sm.cache[convID]
	sm.mu.RUnlock()
	if ok && now.Sub(cached.cachedAt) < sm.ttl {
		return cached, nil
	}

	conv, err := sm.store.GetConversation(ctx, convID)
	if err != nil {
		return Metadata{}, fmt.Errorf("load conversation %s: %w", convID, err)
	}
	if conv == nil {
		return Metadata{}, fmt.Errorf("conversation %s not found", convID)
	}

	meta := Metadata{
		ConversationID: conv.ID,
		AgentURL:       strings.TrimRight(conv.AgentURL, "/"),
		AgentUserID:    conv.CounterpartID,
		cachedAt:       now,
	}
	if meta.AgentURL == "" {
		meta.AgentURL = sm.fallbackURL
	}
	if meta.AgentUserID == "" {
		meta.AgentUserID = sm.fallbackAgentID
	}
	if meta.AgentURL == "" {
		return Metadata{}, fmt.Errorf("conversation %s has no agent URL configured", convID)
	}

	sm.mu.Lock()
	sm.cache[convID] = meta
	sm.mu.Unlock()
	return meta, nil
}

// ClearCache drops cached metadata for the given conversations, or for all
// conversations when none are given.
func (sm *SessionManager) ClearCache(convIDs ...string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(convIDs) == 0 {
		sm.cache = make(map[string]Metadata)
		return
	}
	for _, id := range convIDs {
		delete(sm.cache, id)
	}
}

// CreateConversation opens a conversation between userID and the agent.
func (sm *SessionManager) CreateConversation(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	if conv.UserID == "" {
		return nil, fmt.Errorf("conversation needs a user id")
	}
	conv.Title = strings.TrimSpace(conv.Title)
	if conv.Title == "" {
		conv.Title = defaultTitle
	}
	if conv.CounterpartID == "" {
		conv.CounterpartID = sm.fallbackAgentID
	}
	if conv.CounterpartKind == "" {
		conv.CounterpartKind = domain.CounterpartComputer
	}
	if conv.AgentURL == "" {
		conv.AgentURL = sm.fallbackURL
	}

	created, err := sm.store.CreateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	sm.ClearCache(created.ID)
	sm.logger.Info("created conversation",
		"conversation", created.ID,
		"user", created.UserID,
		"counterpart", created.CounterpartID,
	)
	return created, nil
}

// DeleteConversation removes a conversation and invalidates its metadata.
func (sm *SessionManager) DeleteConversation(ctx context.Context, convID string) error {
	if err := sm.store.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	sm.ClearCache(convID)
	sm.logger.Info("conversation deleted", "conversation", convID)
	return nil
}

// TitleFromMessage derives a conversation title from its first message.
func TitleFromMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return defaultTitle
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		cut := strings.LastIndex(msg[:60], " ")
		if cut < 20 {
			cut = 60
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
