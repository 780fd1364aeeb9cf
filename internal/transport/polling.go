package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentchat/internal/bus"
	"agentchat/internal/domain"
	"agentchat/internal/metrics"
	"agentchat/internal/provider"
)

const defaultPollInterval = 2 * time.Second

type PollingConfig struct {
	// APIBase is the chat API root, e.g. http://127.0.0.1:8080/api/chat.
	APIBase      string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// PollingProvider reads new messages from the chat API on a fixed interval.
// Each room keeps an after-cursor so a poll that follows an outage replays
// everything missed.
type PollingProvider struct {
	apiBase  string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	status   *StatusTracker
	events   *bus.EventBus

	mu     sync.Mutex
	rooms  map[string]*pollRoom
	cancel context.CancelFunc
}

type pollRoom struct {
	subscribers int
	after       string
}

func NewPollingProvider(cfg PollingConfig) *PollingProvider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PollingProvider{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		interval: cfg.PollInterval,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		status:   NewStatusTracker("polling", cfg.Metrics, cfg.Logger),
		events:   bus.NewEventBus(cfg.Logger),
		rooms:    make(map[string]*pollRoom),
	}
}

func (p *PollingProvider) Name() string { return "polling" }

func (p *PollingProvider) messagesURL(roomID, after string) string {
	q := url.Values{}
	q.Set("roomId", roomID)
	if after != "" {
		q.Set("after", after)
	}
	return p.apiBase + "/messages?" + q.Encode()
}

// Send posts the message; the server runs the agent turn before answering.
// When the turn fails after the message was stored, the stored message is
// returned together with the error.
func (p *PollingProvider) Send(ctx context.Context, req domain.SendRequest, obs *domain.TurnObserver) (*domain.SendResult, error) {
	body, err := json.Marshal(PostMessageRequest{
		RoomID:  req.ConversationID,
		UserID:  req.SenderID,
		Content: req.Content,
	})
	if err != nil {
		return nil, err
	}
	obs.Status("sending", "Sending message...")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out PostMessageResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && out.Message.ID != "" {
			return &domain.SendResult{Message: out.Message}, fmt.Errorf("agent turn failed: %s", out.Error)
		}
		return nil, &provider.StatusError{StatusCode: resp.StatusCode, URL: httpReq.URL.String()}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &domain.SendResult{Message: out.Message, Reply: out.Reply}, nil
}

// Messages fetches the whole room.
func (p *PollingProvider) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return p.fetch(ctx, conversationID, "")
}

func (p *PollingProvider) fetch(ctx context.Context, roomID, after string) ([]domain.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.messagesURL(roomID, after), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	var msgs []domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// Subscribe starts polling on the first subscription. Polling stops when the
// last subscription is cancelled; a poll already in flight may still deliver.
func (p *PollingProvider) Subscribe(conversationID string, onMessage func(domain.Message)) domain.Unsubscribe {
	cancelSub := p.events.Subscribe(bus.MessageTopic(conversationID), func(ev bus.Event) {
		if msg, ok := ev.Payload.(domain.Message); ok {
			onMessage(msg)
		}
	})

	p.mu.Lock()
	room := p.rooms[conversationID]
	if room == nil {
		room = &pollRoom{}
		p.rooms[conversationID] = room
	}
	room.subscribers++
	var ctx context.Context
	if p.cancel == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		p.cancel = cancel
	}
	p.mu.Unlock()

	if ctx != nil {
		p.status.Set(domain.ConnConnecting)
		go p.loop(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelSub()
			p.mu.Lock()
			if r := p.rooms[conversationID]; r != nil {
				if r.subscribers--; r.subscribers <= 0 {
					delete(p.rooms, conversationID)
				}
			}
			idle := len(p.rooms) == 0
			p.mu.Unlock()
			if idle {
				p.stop()
			}
		})
	}
}

func (p *PollingProvider) loop(ctx context.Context) {
	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *PollingProvider) pollAll(ctx context.Context) {
	p.mu.Lock()
	rooms := make(map[string]string, len(p.rooms))
	for id, r := range p.rooms {
		rooms[id] = r.after
	}
	p.mu.Unlock()

	for roomID, after := range rooms {
		msgs, err := p.fetch(ctx, roomID, after)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var se *provider.StatusError
			if errors.As(err, &se) {
				p.logger.Warn("poll rejected", "room", roomID, "status", se.StatusCode)
			} else {
				p.logger.Debug("poll failed", "room", roomID, "error", err)
			}
			p.status.Set(domain.ConnError)
			continue
		}
		p.status.Set(domain.ConnConnected)

		for _, msg := range msgs {
			p.mu.Lock()
			if r := p.rooms[roomID]; r != nil {
				r.after = msg.ID
			}
			p.mu.Unlock()
			p.events.Emit(bus.Event{
				Type:    bus.MessageTopic(roomID),
				Source:  "polling",
				Payload: msg,
			})
		}
	}
}

func (p *PollingProvider) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *PollingProvider) OnConnectionChange(fn func(domain.ConnectionStatus)) domain.Unsubscribe {
	return p.status.OnChange(fn)
}

func (p *PollingProvider) ConnectionStatus() domain.ConnectionStatus {
	return p.status.Status()
}

// Disconnect stops polling and forgets every cursor and callback.
func (p *PollingProvider) Disconnect() {
	p.stop()
	p.mu.Lock()
	p.rooms = make(map[string]*pollRoom)
	p.mu.Unlock()
	p.events.ClearAll()
	p.status.Set(domain.ConnDisconnected)
	p.status.Reset()
}
