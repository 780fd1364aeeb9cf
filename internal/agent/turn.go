// Package agent runs chat turns against a remote agent and records them in
// the message log.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"agentchat/internal/domain"
	"agentchat/internal/ledger"
	"agentchat/internal/metrics"
	"agentchat/internal/provider"
)

const (
	defaultHistoryLimit   = 50
	defaultMaxOutputChars = 500
)

// Streamer opens one streamed turn against an agent.
type Streamer interface {
	StreamTurn(ctx context.Context, agentURL string, req provider.TurnRequest, obs *domain.TurnObserver) (*provider.TurnResult, error)
}

// TurnStore is the slice of the message log a turn touches.
type TurnStore interface {
	Append(ctx context.Context, msg domain.Message) (*domain.Message, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	TaskMessages(ctx context.Context, taskID string) ([]domain.Message, error)
}

type TurnConfig struct {
	HistoryLimit   int
	MaxOutputChars int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger

	// Limiter throttles turns per conversation. Nil disables throttling.
	Limiter *TurnLimiter
}

// TurnRunner executes the send sequence for a human message: persist it,
// stream the agent's answer, then persist the answer.
type TurnRunner struct {
	sessions       *SessionManager
	store          TurnStore
	streamer       Streamer
	historyLimit   int
	maxOutputChars int
	limiter        *TurnLimiter
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func NewTurnRunner(sessions *SessionManager, store TurnStore, streamer Streamer, cfg TurnConfig) *TurnRunner {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = defaultMaxOutputChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TurnRunner{
		sessions:       sessions,
		store:          store,
		streamer:       streamer,
		historyLimit:   cfg.HistoryLimit,
		maxOutputChars: cfg.MaxOutputChars,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
}

// Sessions exposes the metadata cache so callers can invalidate it.
func (r *TurnRunner) Sessions() *SessionManager { return r.sessions }

// Run executes one turn. When the agent fails after the human message was
// stored, the returned result still carries that message alongside the error.
// A failed or cancelled turn never stores a partial assistant reply.
func (r *TurnRunner) Run(ctx context.Context, req domain.SendRequest, obs *domain.TurnObserver) (*domain.SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("message content is empty")
	}
	if req.ConversationID == "" || req.SenderID == "" {
		return nil, fmt.Errorf("conversation and sender are required")
	}
	if err := r.limiter.Wait(ctx, req.ConversationID); err != nil {
		return nil, err
	}

	obs.Status(provider.PhaseSending, "Sending message...")

	meta, err := r.sessions.Metadata(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	history, err := r.history(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := domain.Message{
		ID:             req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Role:           domain.RoleUser,
		Content:        content,
		Kind:           domain.KindMessage,
		Status:         domain.StatusSent,
	}
	decision, isDecision := ledger.ParseDecision(content)
	if isDecision && decision.Verdict == ledger.VerdictApproved {
		userMsg.Kind = domain.KindTaskApproval
		userMsg.TaskID = decision.TaskID
	}

	stored, err := r.store.Append(ctx, userMsg)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	r.metrics.MessagePersisted(string(stored.EffectiveKind()))
	result := &domain.SendResult{Message: *stored}

	obs.Status(provider.PhaseRouting, "Connecting to agent...")

	var approval *domain.TaskProposal
	if isDecision && decision.Verdict == ledger.VerdictApproved {
		approval = r.resolveApproval(ctx, decision)
	}

	obs.Status(provider.PhaseThinking, "Agent is thinking...")

	turn, err := r.streamer.StreamTurn(ctx, meta.AgentURL, provider.TurnRequest{
		Message:        content,
		ConversationID: req.ConversationID,
		History:        history,
		TaskApproval:   approval,
	}, obs)
	if err != nil {
		r.logger.Warn("agent turn failed",
			"conversation", req.ConversationID,
			"message", stored.ID,
			"error", err,
		)
		return result, err
	}

	obs.Status(provider.PhaseSaving, "Saving response...")

	reply := r.buildReply(meta, turn, approval, decision.TaskID)
	savedReply, err := r.store.Append(ctx, reply)
	if err != nil {
		return result, fmt.Errorf("save agent response: %w", err)
	}
	r.metrics.MessagePersisted(string(savedReply.EffectiveKind()))
	result.Reply = savedReply

	r.logger.Info("turn complete",
		"conversation", req.ConversationID,
		"reply", savedReply.ID,
		"kind", savedReply.EffectiveKind(),
		"commands", turn.Complete.CommandsExecuted,
	)
	return result, nil
}

// history returns the recent visible messages, read before the new human
// message is stored.
func (r *TurnRunner) history(ctx context.Context, convID string) ([]provider.HistoryEntry, error) {
	recent, err := r.store.ListRecent(ctx, convID, r.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	entries := make([]provider.HistoryEntry, 0, len(recent))
	for _, m := range recent {
		if !m.Visible() {
			continue
		}
		entries = append(entries, provider.HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return entries, nil
}

// resolveApproval rebuilds the approved task from its proposal row, stamped
// with the granted budget and the commands already consumed. A lookup
// failure downgrades the turn to a plain message.
func (r *TurnRunner) resolveApproval(ctx context.Context, d ledger.Decision) *domain.TaskProposal {
	rows, err := r.store.TaskMessages(ctx, d.TaskID)
	if err != nil {
		r.logger.Warn("task lookup failed", "task", d.TaskID, "error", err)
		return nil
	}

	var proposal, lastExec *domain.Message
	for i := range rows {
		switch rows[i].Kind {
		case domain.KindTaskProposal:
			if proposal == nil && rows[i].TaskPayload != nil {
				proposal = &rows[i]
			}
		case domain.KindTaskExecution:
			if lastExec == nil || lastExec.Before(rows[i]) {
				lastExec = &rows[i]
			}
		}
	}
	if proposal == nil {
		r.logger.Warn("approval refers to unknown task", "task", d.TaskID)
		return nil
	}

	approval := proposal.TaskPayload.Clone()
	approval.MaxCommands = d.Budget
	approval.CommandsUsed = 0
	if lastExec != nil && lastExec.TaskPayload != nil {
		approval.CommandsUsed = lastExec.TaskPayload.CommandsUsed
	}
	return approval
}

// buildReply shapes the assistant row. An execution under an approved budget
// wins over a fresh proposal; a proposal starts with a zero budget.
func (r *TurnRunner) buildReply(meta Metadata, turn *provider.TurnResult, approval *domain.TaskProposal, taskID string) domain.Message {
	complete := turn.Complete
	msg := domain.Message{
		ConversationID: meta.ConversationID,
		SenderID:       meta.AgentUserID,
		Role:           domain.RoleAssistant,
		Content:        complete.Response + FormatTranscript(turn.Executions, r.maxOutputChars),
		Kind:           domain.KindMessage,
		Status:         domain.StatusDelivered,
	}

	switch {
	case approval != nil && complete.CommandsUsed > 0:
		payload := approval.Clone()
		payload.CommandsUsed = approval.CommandsUsed + complete.CommandsUsed
		msg.Kind = domain.KindTaskExecution
		msg.TaskID = taskID
		msg.TaskPayload = payload
	case complete.RequiresApproval && complete.TaskProposal != nil:
		payload := complete.TaskProposal.Clone()
		payload.MaxCommands = 0
		payload.CommandsUsed = 0
		msg.Kind = domain.KindTaskProposal
		msg.TaskID = uuid.NewString()
		msg.TaskPayload = payload
	}
	return msg
}

// FormatTranscript renders executed commands as a markdown appendix. Each
// output is cut to maxChars.
func FormatTranscript(execs []domain.Execution, maxChars int) string {
	if len(execs) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(execs))
	for _, ex := range execs {
		output := ex.Output
		if runes := []rune(output); maxChars > 0 && len(runes) > maxChars {
			output = string(runes[:maxChars]) + "..."
		}
		blocks = append(blocks, fmt.Sprintf("```bash\n$ %s\n%s\n```", ex.Command, output))
	}
	return "\n\n---\n**📋 Commands executed:**\n\n" + strings.Join(blocks, "\n\n")
}
