package transport

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentchat/internal/agent"
	"agentchat/internal/blob"
	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

const (
	defaultURLTTL        = 300 * time.Second
	defaultMaxAttachment = 10 << 20
	summaryWindow        = 20
)

type StoreConfig struct {
	Store domain.Store
	Turns *agent.TurnRunner
	// Blobs holds attachment bytes. Nil disables attachments.
	Blobs              domain.BlobStore
	URLTTL             time.Duration
	MaxAttachmentBytes int64
	StaleAfter         time.Duration
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// StoreProvider talks to the message store directly and runs agent turns in
// process. Inserts from any writer reach subscribers through the store.
type StoreProvider struct {
	store      domain.Store
	turns      *agent.TurnRunner
	blobs      domain.BlobStore
	urlTTL     time.Duration
	maxBytes   int64
	staleAfter time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	status     *StatusTracker
	now        func() time.Time

	mu   sync.Mutex
	subs map[int]domain.Unsubscribe
	next int
}

func NewStoreProvider(cfg StoreConfig) *StoreProvider {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = defaultURLTTL
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachment
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = domain.DefaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreProvider{
		store:      cfg.Store,
		turns:      cfg.Turns,
		blobs:      cfg.Blobs,
		urlTTL:     cfg.URLTTL,
		maxBytes:   cfg.MaxAttachmentBytes,
		staleAfter: cfg.StaleAfter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		status:     NewStatusTracker("store", cfg.Metrics, cfg.Logger),
		now:        time.Now,
		subs:       make(map[int]domain.Unsubscribe),
	}
}

func (p *StoreProvider) Name() string { return "store" }

// Send runs a full agent turn for req.
func (p *StoreProvider) Send(ctx context.Context, req domain.SendRequest, obs *domain.TurnObserver) (*domain.SendResult, error) {
	if p.turns == nil {
		return nil, fmt.Errorf("store transport has no agent configured")
	}
	return p.turns.Run(ctx, req, obs)
}

// Messages returns the visible conversation in display order.
func (p *StoreProvider) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := p.store.ListSince(ctx, conversationID, "")
	if err != nil {
		return nil, err
	}
	msgs := rows[:0]
	for _, m := range rows {
		if !m.Visible() {
			continue
		}
		p.signAttachments(&m)
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Message re-reads one row with its attachments.
func (p *StoreProvider) Message(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := p.store.GetMessage(ctx, id)
	if err != nil || msg == nil {
		return msg, err
	}
	p.signAttachments(msg)
	return msg, nil
}

func (p *StoreProvider) Subscribe(conversationID string, onMessage func(domain.Message)) domain.Unsubscribe {
	unsub := p.store.SubscribeInserts(conversationID, onMessage)

	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = unsub
	p.mu.Unlock()

	p.status.Set(domain.ConnConnected)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			unsub()
		})
	}
}

func (p *StoreProvider) OnConnectionChange(fn func(domain.ConnectionStatus)) domain.Unsubscribe {
	return p.status.OnChange(fn)
}

func (p *StoreProvider) ConnectionStatus() domain.ConnectionStatus {
	return p.status.Status()
}

// Disconnect drops every subscription. The store itself stays open; its
// owner closes it.
func (p *StoreProvider) Disconnect() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[int]domain.Unsubscribe)
	p.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	p.status.Set(domain.ConnDisconnected)
	p.status.Reset()
}

// SendAttachment stores a file message. The message row, the attachment row
// and the blob are created in that order; any failure undoes the steps
// already done, in reverse.
func (p *StoreProvider) SendAttachment(ctx context.Context, req domain.AttachmentRequest) (*domain.Message, error) {
	if p.blobs == nil {
		return nil, fmt.Errorf("attachments are not configured")
	}
	if req.ConversationID == "" || req.SenderID == "" {
		return nil, fmt.Errorf("conversation and sender are required")
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("attachment %q is empty", req.Filename)
	}
	if int64(len(req.Data)) > p.maxBytes {
		return nil, fmt.Errorf("attachment %q is %d bytes, limit is %d", req.Filename, len(req.Data), p.maxBytes)
	}

	fileName := blob.SanitizeFileName(req.Filename)
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(fileName))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(req.Data)
	}
	content := strings.TrimSpace(req.Caption)
	if content == "" {
		content = fileName
	}

	msg, err := p.store.Append(ctx, domain.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Role:           domain.RoleUser,
		Content:        content,
		Kind:           domain.KindFile,
		Status:         domain.StatusSending,
	})
	if err != nil {
		return nil, fmt.Errorf("create file message: %w", err)
	}

	storagePath := blob.StoragePath(req.ConversationID, req.SenderID, msg.ID, fileName)
	uploaded := false
	rollback := func(cause error) error {
		cctx := context.WithoutCancel(ctx)
		if uploaded {
			if err := p.blobs.Delete(cctx, storagePath); err != nil {
				p.logger.Warn("attachment rollback: delete blob", "path", storagePath, "error", err)
			}
			p.metrics.AttachmentRollback("blob")
		}
		if err := p.store.DeleteAttachments(cctx, msg.ID); err != nil {
			p.logger.Warn("attachment rollback: delete attachment rows", "message", msg.ID, "error", err)
		}
		p.metrics.AttachmentRollback("attachment")
		if err := p.store.DeleteMessage(cctx, msg.ID); err != nil {
			p.logger.Warn("attachment rollback: delete message", "message", msg.ID, "error", err)
		}
		p.metrics.AttachmentRollback("message")
		return cause
	}

	if err := p.blobs.Put(ctx, storagePath, req.Data, mimeType); err != nil {
		return nil, rollback(fmt.Errorf("upload attachment: %w", err))
	}
	uploaded = true

	att := domain.Attachment{
		ID:          uuid.NewString(),
		MessageID:   msg.ID,
		Filename:    fileName,
		MimeType:    mimeType,
		SizeBytes:   int64(len(req.Data)),
		StoragePath: storagePath,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.AddAttachment(ctx, att); err != nil {
		return nil, rollback(fmt.Errorf("record attachment: %w", err))
	}
	if err := p.store.UpdateStatus(ctx, msg.ID, domain.StatusSent); err != nil {
		return nil, rollback(fmt.Errorf("mark file message sent: %w", err))
	}

	full, err := p.store.GetMessage(ctx, msg.ID)
	if err != nil || full == nil {
		p.logger.Warn("re-read file message", "message", msg.ID, "error", err)
		msg.Status = domain.StatusSent
		msg.Attachments = []domain.Attachment{att}
		full = msg
	}
	p.metrics.MessagePersisted(string(domain.KindFile))
	p.signAttachments(full)
	return full, nil
}

// signAttachments fills in short-lived links. A signing failure leaves the
// attachment without a link.
func (p *StoreProvider) signAttachments(msg *domain.Message) {
	if p.blobs == nil {
		return
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.StoragePath == "" {
			continue
		}
		url, expires, err := p.blobs.SignedURL(att.StoragePath, p.urlTTL)
		if err != nil {
			p.logger.Warn("sign attachment url", "attachment", att.ID, "error", err)
			continue
		}
		att.URL = url
		att.URLExpires = expires
	}
}

// Conversations lists the user's conversations with derived summaries, most
// recently active first. Unread counts are a client concern and stay zero.
func (p *StoreProvider) Conversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	convs, err := p.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.CounterpartID != "" {
			ids = append(ids, c.CounterpartID)
		}
	}
	liveness, err := p.store.Liveness(ctx, ids)
	if err != nil {
		p.logger.Warn("liveness lookup failed", "error", err)
		liveness = nil
	}

	now := p.now()
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		recent, err := p.store.ListRecent(ctx, c.ID, summaryWindow)
		if err != nil {
			return nil, fmt.Errorf("load recent messages for %s: %w", c.ID, err)
		}
		var rec *domain.LivenessRecord
		if r, ok := liveness[c.CounterpartID]; ok {
			rec = &r
		}
		out = append(out, domain.Summarize(c, recent, rec, now, p.staleAfter))
	}
	domain.SortSummaries(out)
	return out, nil
}
