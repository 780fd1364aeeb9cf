package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentchat/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

// prepareInsert fills the fields a store assigns on insert.
func prepareInsert(msg domain.Message, now time.Time) domain.Message {
	if msg.ID == "" || msg.IsLocal() {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.CreatedAt = fromUnix(toUnix(msg.CreatedAt))
	if msg.Kind == "" {
		msg.Kind = domain.KindMessage
	}
	if msg.Status == "" {
		msg.Status = domain.StatusSent
	}
	msg.Attachments = nil
	return msg
}

func prepareConversation(conv domain.Conversation, now time.Time) domain.Conversation {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	conv.CreatedAt = fromUnix(toUnix(conv.CreatedAt))
	conv.UpdatedAt = fromUnix(toUnix(conv.UpdatedAt))
	return conv
}

func scanMessage(row scanner) (*domain.Message, error) {
	var m domain.Message
	var role, status, kind, payload string
	var created int64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content,
		&status, &kind, &m.TaskID, &payload, &created); err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	m.Status = domain.MessageStatus(status)
	m.Kind = domain.MessageKind(kind)
	m.CreatedAt = fromUnix(created)
	p, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.TaskPayload = p
	return &m, nil
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var kind string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CounterpartID, &kind,
		&c.CounterpartName, &c.AgentURL, &created, &updated); err != nil {
		return nil, err
	}
	c.CounterpartKind = domain.CounterpartKind(kind)
	c.CreatedAt = fromUnix(created)
	c.UpdatedAt = fromUnix(updated)
	return &c, nil
}

func encodePayload(p *domain.TaskProposal) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(s string) (*domain.TaskProposal, error) {
	if s == "" {
		return nil, nil
	}
	var p domain.TaskProposal
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	return &p, nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
