package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

const DefaultFileGrace = 300 * time.Millisecond

// Fan-in dispositions, also used as metric labels.
const (
	FanInDelivered = "delivered"
	FanInDuplicate = "duplicate"
	FanInHandover  = "handover"
	FanInRefetched = "refetched"
)

type FanInConfig struct {
	Provider domain.ChatProvider
	Timeline *Timeline
	// Grace is how long a file row waits for its attachment rows before
	// being re-read. Zero means DefaultFileGrace.
	Grace time.Duration
	// OnDeliver runs for every row added to or refreshed in the timeline.
	OnDeliver func(domain.Message)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// FanIn merges rows inserted by other writers into one conversation's
// timeline.
type FanIn struct {
	provider  domain.ChatProvider
	fetcher   domain.MessageFetcher
	timeline  *Timeline
	grace     time.Duration
	onDeliver func(domain.Message)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	unsub domain.Unsubscribe
}

func NewFanIn(cfg FanInConfig) *FanIn {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultFileGrace
	}
	if cfg.Timeline == nil {
		cfg.Timeline = NewTimeline()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &FanIn{
		provider:  cfg.Provider,
		timeline:  cfg.Timeline,
		grace:     cfg.Grace,
		onDeliver: cfg.OnDeliver,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if fetcher, ok := cfg.Provider.(domain.MessageFetcher); ok {
		f.fetcher = fetcher
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Start subscribes to the conversation. Calling it twice is a no-op.
func (f *FanIn) Start(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsub != nil {
		return
	}
	f.unsub = f.provider.Subscribe(conversationID, f.Handle)
}

// Handle processes one inserted row.
func (f *FanIn) Handle(msg domain.Message) {
	if !msg.Visible() {
		f.metrics.FanIn(FanInHandover)
		return
	}
	if msg.EffectiveKind() != domain.KindFile {
		f.merge(msg, FanInDelivered)
		return
	}

	// Attachment rows land after the message row; give them a moment.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		timer := time.NewTimer(f.grace)
		defer timer.Stop()
		select {
		case <-f.ctx.Done():
			return
		case <-timer.C:
		}
		f.merge(f.refetch(msg), FanInRefetched)
	}()
}

// refetch re-reads a file row. Failures fall back to the row as received;
// its attachments may then be empty.
func (f *FanIn) refetch(msg domain.Message) domain.Message {
	if f.fetcher == nil {
		return msg
	}
	full, err := f.fetcher.Message(f.ctx, msg.ID)
	if err != nil {
		f.logger.Warn("re-read file message failed", "message", msg.ID, "error", err)
		return msg
	}
	if full == nil {
		return msg
	}
	return *full
}

func (f *FanIn) merge(msg domain.Message, result string) {
	if existing, ok := f.timeline.Get(msg.ID); ok {
		if result != FanInRefetched || len(msg.Attachments) <= len(existing.Attachments) {
			f.metrics.FanIn(FanInDuplicate)
			return
		}
	}
	f.timeline.Upsert(msg)
	f.metrics.FanIn(result)
	if f.onDeliver != nil {
		f.onDeliver(msg)
	}
}

// Stop unsubscribes and waits for pending file re-reads to finish.
func (f *FanIn) Stop() {
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	f.cancel()
	f.wg.Wait()
}
