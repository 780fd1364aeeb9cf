// Package chat is the conversation client: optimistic sends reconciled
// against the transport's authoritative rows, task decisions, realtime
// fan-in and the derived conversation list.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentchat/internal/domain"
	"agentchat/internal/ledger"
	"agentchat/internal/metrics"
)

var (
	ErrInvalidBudget = errors.New("maxCommands must be a positive integer")
	ErrNoAttachments = errors.New("transport does not support attachments")
	ErrEmptyMessage  = errors.New("message content is empty")
)

type ClientConfig struct {
	UserID string
	// Tasks answers ledger queries directly. Without it tasks are derived
	// from the loaded timelines.
	Tasks ledger.Source
	// Liveness overrides sticky online flags when it has a record.
	Liveness   domain.LivenessFeed
	FileGrace  time.Duration
	StaleAfter time.Duration
	// OnMessage runs for every row the realtime fan-in adds.
	OnMessage func(domain.Message)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Client holds per-conversation timelines and summaries for one user.
type Client struct {
	provider   domain.ChatProvider
	userID     string
	tasks      ledger.Source
	liveness   domain.LivenessFeed
	fileGrace  time.Duration
	staleAfter time.Duration
	onMessage  func(domain.Message)
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	timelines map[string]*Timeline
	fanIns    map[string]*FanIn
	summaries map[string]*domain.ConversationSummary
	online    map[string]bool
	active    string
}

func NewClient(provider domain.ChatProvider, cfg ClientConfig) *Client {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = domain.DefaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		provider:   provider,
		userID:     cfg.UserID,
		tasks:      cfg.Tasks,
		liveness:   cfg.Liveness,
		fileGrace:  cfg.FileGrace,
		staleAfter: cfg.StaleAfter,
		onMessage:  cfg.OnMessage,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
		timelines:  make(map[string]*Timeline),
		fanIns:     make(map[string]*FanIn),
		summaries:  make(map[string]*domain.ConversationSummary),
		online:     make(map[string]bool),
	}
}

func (c *Client) Provider() domain.ChatProvider { return c.provider }

// Timeline returns the conversation's timeline, creating an empty one.
func (c *Client) Timeline(conversationID string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timelineLocked(conversationID)
}

func (c *Client) timelineLocked(conversationID string) *Timeline {
	tl, ok := c.timelines[conversationID]
	if !ok {
		tl = NewTimeline()
		c.timelines[conversationID] = tl
	}
	return tl
}

// Open loads the conversation, makes it the active one, clears its unread
// count and starts realtime fan-in for it.
func (c *Client) Open(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := c.provider.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	c.mu.Lock()
	tl := c.timelineLocked(conversationID)
	c.active = conversationID
	if s := c.summaries[conversationID]; s != nil {
		s.UnreadCount = 0
	}
	fi := c.fanIns[conversationID]
	if fi == nil {
		fi = NewFanIn(FanInConfig{
			Provider:  c.provider,
			Timeline:  tl,
			Grace:     c.fileGrace,
			OnDeliver: func(m domain.Message) { c.observe(conversationID, m) },
			Metrics:   c.metrics,
			Logger:    c.logger,
		})
		c.fanIns[conversationID] = fi
	}
	c.mu.Unlock()

	for _, m := range msgs {
		if m.Visible() {
			tl.Upsert(m)
		}
	}
	if last, ok := tl.Last(); ok {
		c.touchSummary(conversationID, last)
	}
	fi.Start(conversationID)
	return tl.Messages(), nil
}

// Close stops fan-in for the conversation. The timeline is kept.
func (c *Client) Close(conversationID string) {
	c.mu.Lock()
	fi := c.fanIns[conversationID]
	delete(c.fanIns, conversationID)
	if c.active == conversationID {
		c.active = ""
	}
	c.mu.Unlock()
	if fi != nil {
		fi.Stop()
	}
}

// Shutdown stops every fan-in and disconnects the transport.
func (c *Client) Shutdown() {
	c.mu.Lock()
	fanIns := c.fanIns
	c.fanIns = make(map[string]*FanIn)
	c.mu.Unlock()
	for _, fi := range fanIns {
		fi.Stop()
	}
	c.provider.Disconnect()
}

// Send shows content immediately under a temporary id, then swaps in the
// transport's rows. On failure the entry stays with status error; if the
// transport already stored the message, the stored row is shown instead.
func (c *Client) Send(ctx context.Context, conversationID, content string, obs *domain.TurnObserver) (*domain.SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	tl := c.Timeline(conversationID)
	local := domain.Message{
		ID:             domain.LocalIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		Role:           domain.RoleUser,
		Content:        content,
		CreatedAt:      c.now().UTC(),
		Status:         domain.StatusSending,
		Kind:           domain.KindMessage,
	}
	if d, ok := ledger.ParseDecision(content); ok && d.Verdict == ledger.VerdictApproved {
		local.Kind = domain.KindTaskApproval
		local.TaskID = d.TaskID
	}
	tl.Upsert(local)
	c.touchSummary(conversationID, local)

	res, err := c.provider.Send(ctx, domain.SendRequest{
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
	}, obs)
	if err != nil {
		if res != nil && res.Message.ID != "" {
			stored := res.Message
			stored.Status = domain.StatusError
			tl.Replace(local.ID, stored)
		} else {
			tl.SetStatus(local.ID, domain.StatusError)
		}
		c.logger.Warn("send failed", "conversation", conversationID, "error", err)
		return res, err
	}

	tl.Replace(local.ID, res.Message)
	c.touchSummary(conversationID, res.Message)
	if res.Reply != nil {
		tl.Upsert(*res.Reply)
		c.touchSummary(conversationID, *res.Reply)
	}
	return res, nil
}

// SendAttachment uploads a file message through the transport.
func (c *Client) SendAttachment(ctx context.Context, req domain.AttachmentRequest) (*domain.Message, error) {
	sender, ok := c.provider.(domain.AttachmentSender)
	if !ok {
		return nil, ErrNoAttachments
	}
	if req.SenderID == "" {
		req.SenderID = c.userID
	}
	msg, err := sender.SendAttachment(ctx, req)
	if err != nil {
		return nil, err
	}
	c.Timeline(req.ConversationID).Upsert(*msg)
	c.touchSummary(req.ConversationID, *msg)
	return msg, nil
}

// ApproveTask grants taskID a budget of maxCommands. The UI offers 5 to 50
// in steps of 5; any positive value is accepted.
func (c *Client) ApproveTask(ctx context.Context, conversationID, taskID string, maxCommands int, obs *domain.TurnObserver) (*domain.SendResult, error) {
	if maxCommands <= 0 {
		return nil, ErrInvalidBudget
	}
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	return c.Send(ctx, conversationID, ledger.ApproveCommand(taskID, maxCommands), obs)
}

func (c *Client) RejectTask(ctx context.Context, conversationID, taskID string) (*domain.SendResult, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	return c.Send(ctx, conversationID, ledger.RejectCommand(taskID), nil)
}

// Tasks derives the task views of the given conversations.
func (c *Client) Tasks(ctx context.Context, conversationIDs ...string) ([]ledger.Task, error) {
	if c.tasks != nil {
		return ledger.Load(ctx, c.tasks, conversationIDs)
	}
	var rows []domain.Message
	for _, id := range conversationIDs {
		msgs, err := c.provider.Messages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", id, err)
		}
		rows = append(rows, msgs...)
	}
	return ledger.Derive(rows), nil
}

// Conversations refreshes the conversation list from the transport and
// overlays local state: unread counts and counterparts seen speaking.
func (c *Client) Conversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	lister, ok := c.provider.(domain.ConversationLister)
	if !ok {
		return c.Summaries(), nil
	}
	fresh, err := lister.Conversations(ctx, c.userID)
	if err != nil {
		return nil, err
	}

	var records map[string]domain.LivenessRecord
	if c.liveness != nil {
		ids := make([]string, 0, len(fresh))
		for _, s := range fresh {
			ids = append(ids, s.CounterpartID)
		}
		if records, err = c.liveness.Liveness(ctx, ids); err != nil {
			c.logger.Warn("liveness lookup failed", "error", err)
			records = nil
		}
	}

	now := c.now()
	c.mu.Lock()
	for i := range fresh {
		s := &fresh[i]
		if prev := c.summaries[s.ID]; prev != nil {
			s.UnreadCount = prev.UnreadCount
			if prev.LastMessageAt.After(s.LastMessageAt) {
				s.LastMessageAt = prev.LastMessageAt
				s.LastMessagePreview = prev.LastMessagePreview
			}
		}
		if rec, ok := records[s.CounterpartID]; ok {
			s.Online = rec.Online(now, c.staleAfter)
			c.online[s.ID] = s.Online
		} else if c.online[s.ID] {
			s.Online = true
		}
		copied := *s
		c.summaries[s.ID] = &copied
	}
	c.mu.Unlock()

	domain.SortSummaries(fresh)
	return fresh, nil
}

// Summaries returns the locally known conversation list, most recently
// active first.
func (c *Client) Summaries() []domain.ConversationSummary {
	c.mu.Lock()
	out := make([]domain.ConversationSummary, 0, len(c.summaries))
	for _, s := range c.summaries {
		out = append(out, *s)
	}
	c.mu.Unlock()
	domain.SortSummaries(out)
	return out
}

func (c *Client) observe(conversationID string, msg domain.Message) {
	c.touchSummary(conversationID, msg)

	c.mu.Lock()
	if s := c.summaries[conversationID]; s != nil && conversationID != c.active && msg.SenderID != c.userID {
		s.UnreadCount++
	}
	c.mu.Unlock()

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// touchSummary recomputes the derived fields msg affects.
func (c *Client) touchSummary(conversationID string, msg domain.Message) {
	if !msg.Visible() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summaries[conversationID]
	if s == nil {
		s = &domain.ConversationSummary{Conversation: domain.Conversation{ID: conversationID}}
		c.summaries[conversationID] = s
	}
	// A loaded timeline is authoritative: optimistic entries it no longer
	// holds must not linger in the preview.
	if tl := c.timelines[conversationID]; tl != nil && tl.Has(msg.ID) {
		if last, ok := tl.Last(); ok {
			s.LastMessageAt = last.CreatedAt
			s.LastMessagePreview = domain.PreviewText(last)
		}
	} else if !msg.CreatedAt.Before(s.LastMessageAt) {
		s.LastMessageAt = msg.CreatedAt
		s.LastMessagePreview = domain.PreviewText(msg)
	}
	if msg.Role == domain.RoleAssistant || (msg.SenderID != "" && msg.SenderID == s.CounterpartID) {
		c.online[conversationID] = true
		s.Online = true
	}
}
