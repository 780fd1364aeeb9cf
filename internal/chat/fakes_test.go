package chat

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"agentchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeProvider is an in-memory transport. Inserts are pushed to
// subscribers by the test through push.
type fakeProvider struct {
	mu       sync.Mutex
	rows     map[string]domain.Message
	history  map[string][]domain.Message
	subs     map[string][]func(domain.Message)
	seq      int
	sendErr  error
	keepRow  bool
	reply    string
	fetches  int
	convList []domain.ConversationSummary
	// during runs before Send stores anything.
	during func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		rows:    make(map[string]domain.Message),
		history: make(map[string][]domain.Message),
		subs:    make(map[string][]func(domain.Message)),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) store(m domain.Message) domain.Message {
	f.seq++
	if m.ID == "" {
		m.ID = "m" + strconv.Itoa(f.seq)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t0.Add(time.Duration(f.seq) * time.Second)
	}
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	f.rows[m.ID] = m
	f.history[m.ConversationID] = append(f.history[m.ConversationID], m)
	return m
}

func (f *fakeProvider) Send(_ context.Context, req domain.SendRequest, _ *domain.TurnObserver) (*domain.SendResult, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil && !f.keepRow {
		return nil, f.sendErr
	}
	msg := f.store(domain.Message{ConversationID: req.ConversationID, SenderID: req.SenderID, Role: domain.RoleUser, Content: req.Content})
	if f.sendErr != nil {
		return &domain.SendResult{Message: msg}, f.sendErr
	}
	res := &domain.SendResult{Message: msg}
	if f.reply != "" {
		r := f.store(domain.Message{ConversationID: req.ConversationID, SenderID: "agent-1", Role: domain.RoleAssistant, Content: f.reply, Status: domain.StatusDelivered})
		res.Reply = &r
	}
	return res, nil
}

func (f *fakeProvider) Messages(_ context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.history[conversationID]...), nil
}

func (f *fakeProvider) Message(_ context.Context, id string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	m, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *fakeProvider) Subscribe(conversationID string, onMessage func(domain.Message)) domain.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[conversationID] = append(f.subs[conversationID], onMessage)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[conversationID] = nil
	}
}

func (f *fakeProvider) push(m domain.Message) {
	f.mu.Lock()
	subs := slices.Clone(f.subs[m.ConversationID])
	f.mu.Unlock()
	for _, fn := range subs {
		fn(m)
	}
}

func (f *fakeProvider) subscribers(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

func (f *fakeProvider) OnConnectionChange(fn func(domain.ConnectionStatus)) domain.Unsubscribe {
	fn(domain.ConnConnected)
	return func() {}
}

func (f *fakeProvider) ConnectionStatus() domain.ConnectionStatus { return domain.ConnConnected }

func (f *fakeProvider) Disconnect() {}

func (f *fakeProvider) Conversations(context.Context, string) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConversationSummary(nil), f.convList...), nil
}

// fakeLiveness is a fixed liveness feed.
type fakeLiveness map[string]domain.LivenessRecord

func (l fakeLiveness) Liveness(_ context.Context, ids []string) (map[string]domain.LivenessRecord, error) {
	out := make(map[string]domain.LivenessRecord)
	for _, id := range ids {
		if r, ok := l[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (l fakeLiveness) ReportLiveness(context.Context, domain.LivenessRecord) error { return nil }
