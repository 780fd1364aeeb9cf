package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the sender-side delivery indicator. Only the sender's own
// view relies on it.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// MessageKind discriminates the payload shape of a message row.
type MessageKind string

const (
	KindMessage       MessageKind = "message"
	KindTaskProposal  MessageKind = "task_proposal"
	KindTaskApproval  MessageKind = "task_approval"
	KindTaskExecution MessageKind = "task_execution"
	KindHandover      MessageKind = "handover"
	KindFile          MessageKind = "file"
)

// IsTask reports whether rows of this kind carry a task id.
func (k MessageKind) IsTask() bool {
	return k == KindTaskProposal || k == KindTaskApproval || k == KindTaskExecution
}

// LocalIDPrefix marks ids minted by the client for optimistic entries.
const LocalIDPrefix = "local-"

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status,omitempty"`
	Kind           MessageKind   `json:"kind,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	TaskPayload    *TaskProposal `json:"task_payload,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// IsLocal reports whether the message only exists as an optimistic entry.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Visible reports whether the message may be shown to the human participant.
func (m Message) Visible() bool {
	return m.Kind != KindHandover
}

// EffectiveKind treats an empty kind as a plain message.
func (m Message) EffectiveKind() MessageKind {
	if m.Kind == "" {
		return KindMessage
	}
	return m.Kind
}

// Before orders messages by (CreatedAt, ID).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type Attachment struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	URL         string    `json:"url,omitempty"`
	URLExpires  time.Time `json:"url_expires,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TaskProposal is a multi-step operation the agent wants permission to run.
// MaxCommands stays zero until a human approves a budget.
type TaskProposal struct {
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	Steps             []string  `json:"steps"`
	EstimatedCommands int       `json:"estimated_commands"`
	RiskLevel         RiskLevel `json:"risk_level,omitempty"`
	MaxCommands       int       `json:"max_commands,omitempty"`
	CommandsUsed      int       `json:"commands_used,omitempty"`
}

// Clone returns a deep copy so callers can stamp budgets without touching
// the stored snapshot.
func (p *TaskProposal) Clone() *TaskProposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = append([]string(nil), p.Steps...)
	return &c
}
