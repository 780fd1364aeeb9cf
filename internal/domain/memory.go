package domain

import (
	"context"
	"time"
)

// Unsubscribe cancels a subscription. Calling it more than once is safe.
type Unsubscribe func()

// MessageStore is the durable, ordered message log. Appends are atomic and
// visible to ListSince immediately; SubscribeInserts fans out to every
// subscriber of the conversation, including the appending client.
type MessageStore interface {
	// Append persists msg. An empty ID or CreatedAt is assigned by the store.
	Append(ctx context.Context, msg Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// ListSince returns the conversation ordered by (created_at, insertion),
	// starting after afterID when it is non-empty.
	ListSince(ctx context.Context, conversationID, afterID string) ([]Message, error)
	// ListRecent returns the last limit messages, oldest first.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListByKind returns messages of the given kinds across conversations,
	// newest first.
	ListByKind(ctx context.Context, conversationIDs []string, kinds ...MessageKind) ([]Message, error)
	// ListDecisions returns user rows whose content starts with APPROVED: or
	// REJECTED: (case-insensitive), newest first.
	ListDecisions(ctx context.Context, conversationIDs []string) ([]Message, error)
	// TaskMessages returns every row stamped with taskID, oldest first.
	TaskMessages(ctx context.Context, taskID string) ([]Message, error)
	UpdateStatus(ctx context.Context, id string, status MessageStatus) error
	DeleteMessage(ctx context.Context, id string) error
	SubscribeInserts(conversationID string, onInsert func(Message)) Unsubscribe
}

// AttachmentIndex records attachment metadata next to message rows.
type AttachmentIndex interface {
	AddAttachment(ctx context.Context, att Attachment) error
	DeleteAttachments(ctx context.Context, messageID string) error
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns the user's conversations, most recently
	// active first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// LivenessFeed is the optional counterpart observability signal.
type LivenessFeed interface {
	Liveness(ctx context.Context, counterpartIDs []string) (map[string]LivenessRecord, error)
	ReportLiveness(ctx context.Context, rec LivenessRecord) error
}

// Store bundles everything a persistent backend provides.
type Store interface {
	MessageStore
	AttachmentIndex
	ConversationStore
	LivenessFeed
	Close() error
}

// BlobStore holds attachment bytes.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, mimeType string) error
	Delete(ctx context.Context, path string) error
	// SignedURL returns a locator valid for ttl.
	SignedURL(path string, ttl time.Duration) (string, time.Time, error)
}
