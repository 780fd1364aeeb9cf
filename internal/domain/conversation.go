package domain

import (
	"sort"
	"time"
)

type CounterpartKind string

const (
	CounterpartHuman    CounterpartKind = "human"
	CounterpartLLM      CounterpartKind = "llm"
	CounterpartComputer CounterpartKind = "computer"
)

// Conversation is a channel between one human and one counterpart.
type Conversation struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Title           string          `json:"title"`
	CounterpartID   string          `json:"counterpart_id"`
	CounterpartKind CounterpartKind `json:"counterpart_kind,omitempty"`
	CounterpartName string          `json:"counterpart_name,omitempty"`
	AgentURL        string          `json:"agent_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ConversationSummary carries the derived fields shown in a conversation
// list. None of them is stored as independent truth.
type ConversationSummary struct {
	Conversation
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	Online             bool      `json:"online"`
	UnreadCount        int       `json:"unread_count"`
}

type LivenessStatus string

const (
	LivenessHealthy  LivenessStatus = "healthy"
	LivenessWarning  LivenessStatus = "warning"
	LivenessCritical LivenessStatus = "critical"
)

// LivenessRecord is one row of the counterpart observability feed.
type LivenessRecord struct {
	CounterpartID string         `json:"counterpart_id"`
	Status        LivenessStatus `json:"status"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DefaultStaleAfter is how long a liveness signal or an assistant message
// keeps a counterpart online.
const DefaultStaleAfter = 5 * time.Minute

// Online reports whether the record marks its counterpart as reachable at now.
func (r LivenessRecord) Online(now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return r.Status == LivenessHealthy && now.Sub(r.UpdatedAt) < staleAfter
}

const (
	PreviewFile          = "📎 File"
	PreviewTaskProposal  = "📋 Task approval"
	PreviewTaskExecution = "⚙️ Task execution"
)

// PreviewText renders the conversation-list preview for a message.
func PreviewText(m Message) string {
	switch m.EffectiveKind() {
	case KindFile:
		if len(m.Attachments) > 0 && m.Attachments[0].Filename != "" {
			return "📎 " + m.Attachments[0].Filename
		}
		return PreviewFile
	case KindTaskProposal:
		return PreviewTaskProposal
	case KindTaskExecution:
		return PreviewTaskExecution
	}
	return m.Content
}

// Summarize derives a conversation-list entry from the conversation's recent
// messages. rec is the counterpart's liveness record, nil when the feed has
// none; then the counterpart counts as online if it spoke within staleAfter.
func Summarize(conv Conversation, recent []Message, rec *LivenessRecord, now time.Time, staleAfter time.Duration) ConversationSummary {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	s := ConversationSummary{Conversation: conv}
	var lastCounterpart time.Time
	for _, m := range recent {
		if !m.Visible() {
			continue
		}
		if !m.CreatedAt.Before(s.LastMessageAt) {
			s.LastMessageAt = m.CreatedAt
			s.LastMessagePreview = PreviewText(m)
		}
		if m.Role == RoleAssistant && m.CreatedAt.After(lastCounterpart) {
			lastCounterpart = m.CreatedAt
		}
	}
	if rec != nil {
		s.Online = rec.Online(now, staleAfter)
	} else {
		s.Online = !lastCounterpart.IsZero() && now.Sub(lastCounterpart) < staleAfter
	}
	return s
}

// SortTime is the instant a summary is ordered by.
func (s ConversationSummary) SortTime() time.Time {
	if s.LastMessageAt.IsZero() {
		return s.UpdatedAt
	}
	return s.LastMessageAt
}

// SortSummaries orders summaries most recently active first.
func SortSummaries(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SortTime().After(list[j].SortTime())
	})
}
