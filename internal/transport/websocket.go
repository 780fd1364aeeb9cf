package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentchat/internal/bus"
	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

const (
	defaultReconnectAttempts = 5
	historyTimeout           = 5 * time.Second
	maxReconnectDelay        = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

var ErrNotConnected = errors.New("websocket: not connected")

type WebSocketConfig struct {
	URL               string
	ReconnectAttempts int
	Dialer            *websocket.Dialer
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// WebSocketProvider speaks the JSON room protocol to a chat server. Sends are
// fire-and-forget: the server persists the message and any reply arrives
// through Subscribe.
type WebSocketProvider struct {
	url         string
	maxAttempts int
	dialer      *websocket.Dialer
	logger      *slog.Logger
	status      *StatusTracker
	events      *bus.EventBus

	// backoff is swapped in tests.
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	rooms    map[string]int
	history  map[string][]chan []domain.Message
	attempts int
	closed   bool
	timer    *time.Timer

	writeMu sync.Mutex
}

func NewWebSocketProvider(cfg WebSocketConfig) *WebSocketProvider {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketProvider{
		url:         cfg.URL,
		maxAttempts: cfg.ReconnectAttempts,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		status:      NewStatusTracker("websocket", cfg.Metrics, cfg.Logger),
		events:      bus.NewEventBus(cfg.Logger),
		backoff:     reconnectDelay,
		rooms:       make(map[string]int),
		history:     make(map[string][]chan []domain.Message),
	}
}

// reconnectDelay is min(1s * 2^attempt, 30s).
func reconnectDelay(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < maxReconnectDelay; i++ {
		d *= 2
	}
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

func (p *WebSocketProvider) Name() string { return "websocket" }

// connect dials if there is no live connection. Rooms joined earlier are
// joined again on the new connection.
func (p *WebSocketProvider) connect(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.closed = false
	p.mu.Unlock()

	p.status.Set(domain.ConnConnecting)
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		p.status.Set(domain.ConnError)
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}

	p.mu.Lock()
	if p.conn != nil {
		// Lost a race with another dial.
		existing := p.conn
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	p.conn = conn
	p.attempts = 0
	rooms := make([]string, 0, len(p.rooms))
	for room := range p.rooms {
		rooms = append(rooms, room)
	}
	p.mu.Unlock()

	p.status.Set(domain.ConnConnected)
	go p.readLoop(conn)

	for _, room := range rooms {
		if err := p.write(conn, FrameJoin, RoomPayload{RoomID: room}); err != nil {
			p.logger.Warn("rejoin room failed", "room", room, "error", err)
		}
	}
	return conn, nil
}

func (p *WebSocketProvider) write(conn *websocket.Conn, frameType string, payload any) error {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *WebSocketProvider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("websocket read error", "error", err)
			}
			p.handleClose(conn)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.logger.Warn("invalid websocket frame", "error", err)
			continue
		}
		p.dispatch(frame)
	}
}

func (p *WebSocketProvider) dispatch(frame Frame) {
	switch frame.Type {
	case FrameMessage:
		var msg domain.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			p.logger.Warn("invalid message payload", "error", err)
			return
		}
		p.events.Emit(bus.Event{
			Type:    bus.MessageTopic(msg.ConversationID),
			Source:  "websocket",
			Payload: msg,
		})

	case FrameHistory:
		var msgs []domain.Message
		if err := json.Unmarshal(frame.Payload, &msgs); err != nil {
			p.logger.Warn("invalid history payload", "error", err)
			return
		}
		room := ""
		if len(msgs) > 0 {
			room = msgs[0].ConversationID
		}
		p.resolveHistory(room, msgs)

	case FrameError:
		var e ErrorPayload
		_ = json.Unmarshal(frame.Payload, &e)
		p.logger.Error("chat server error", "message", e.Message)

	default:
		p.logger.Debug("ignoring websocket frame", "type", frame.Type)
	}
}

// resolveHistory hands msgs to the oldest waiter for room. An empty history
// carries no room id and goes to the oldest waiter of any room.
func (p *WebSocketProvider) resolveHistory(room string, msgs []domain.Message) {
	p.mu.Lock()
	var ch chan []domain.Message
	if room == "" {
		for r, waiters := range p.history {
			if len(waiters) > 0 {
				room = r
				break
			}
		}
	}
	if waiters := p.history[room]; len(waiters) > 0 {
		ch = waiters[0]
		p.history[room] = waiters[1:]
	}
	p.mu.Unlock()

	if ch != nil {
		ch <- msgs
	}
}

func (p *WebSocketProvider) handleClose(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	closed := p.closed
	p.mu.Unlock()

	conn.Close()
	p.status.Set(domain.ConnDisconnected)
	if !closed {
		p.scheduleReconnect()
	}
}

func (p *WebSocketProvider) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.attempts >= p.maxAttempts {
		if !p.closed {
			p.logger.Warn("websocket reconnect attempts exhausted", "attempts", p.attempts)
		}
		return
	}
	p.attempts++
	delay := p.backoff(p.attempts)
	p.logger.Info("websocket reconnecting", "attempt", p.attempts, "delay", delay)
	p.timer = time.AfterFunc(delay, func() {
		if _, err := p.connect(context.Background()); err != nil {
			p.logger.Warn("websocket reconnect failed", "error", err)
			p.scheduleReconnect()
		}
	})
}

// Send writes the message frame with a client-minted id. The returned
// message is what the server will persist; Reply is always nil.
func (p *WebSocketProvider) Send(ctx context.Context, req domain.SendRequest, obs *domain.TurnObserver) (*domain.SendResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("message content is empty")
	}
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	obs.Status("sending", "Sending message...")

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Role:           domain.RoleUser,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
		Status:         domain.StatusSent,
	}
	if err := p.write(conn, FrameMessage, msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &domain.SendResult{Message: msg}, nil
}

// Messages asks the server for a room's history. A server that does not
// answer within five seconds yields an empty history.
func (p *WebSocketProvider) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan []domain.Message, 1)
	p.mu.Lock()
	p.history[conversationID] = append(p.history[conversationID], ch)
	p.mu.Unlock()
	defer p.dropWaiter(conversationID, ch)

	if err := p.write(conn, FrameGetHistory, RoomPayload{RoomID: conversationID}); err != nil {
		return nil, fmt.Errorf("request history: %w", err)
	}

	timer := time.NewTimer(historyTimeout)
	defer timer.Stop()
	select {
	case msgs := <-ch:
		return msgs, nil
	case <-timer.C:
		p.logger.Warn("history request timed out", "conversation", conversationID)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *WebSocketProvider) dropWaiter(room string, ch chan []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.history[room]
	for i, w := range waiters {
		if w == ch {
			p.history[room] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(p.history[room]) == 0 {
		delete(p.history, room)
	}
}

// Subscribe joins the room and delivers its message frames to onMessage.
// Joining happens in the background; failures surface as status changes.
func (p *WebSocketProvider) Subscribe(conversationID string, onMessage func(domain.Message)) domain.Unsubscribe {
	cancel := p.events.Subscribe(bus.MessageTopic(conversationID), func(ev bus.Event) {
		if msg, ok := ev.Payload.(domain.Message); ok {
			onMessage(msg)
		}
	})

	p.mu.Lock()
	p.rooms[conversationID]++
	first := p.rooms[conversationID] == 1
	conn := p.conn
	p.mu.Unlock()

	if conn != nil && first {
		if err := p.write(conn, FrameJoin, RoomPayload{RoomID: conversationID}); err != nil {
			p.logger.Warn("join room failed", "room", conversationID, "error", err)
		}
	} else if conn == nil {
		go func() {
			if _, err := p.connect(context.Background()); err != nil {
				p.logger.Warn("websocket connect failed", "error", err)
				p.scheduleReconnect()
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			p.mu.Lock()
			if p.rooms[conversationID]--; p.rooms[conversationID] <= 0 {
				delete(p.rooms, conversationID)
			}
			p.mu.Unlock()
		})
	}
}

func (p *WebSocketProvider) OnConnectionChange(fn func(domain.ConnectionStatus)) domain.Unsubscribe {
	return p.status.OnChange(fn)
}

func (p *WebSocketProvider) ConnectionStatus() domain.ConnectionStatus {
	return p.status.Status()
}

// Disconnect closes the socket, cancels any pending reconnect and drops every
// callback.
func (p *WebSocketProvider) Disconnect() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	conn := p.conn
	p.conn = nil
	p.rooms = make(map[string]int)
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		conn.Close()
	}
	p.events.ClearAll()
	p.status.Set(domain.ConnDisconnected)
	p.status.Reset()
}
