package domain

import "context"

// ConnectionStatus is the realtime link state surfaced to observers.
type ConnectionStatus string

const (
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnError        ConnectionStatus = "error"
)

// SendRequest is one human message handed to a transport.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	// MessageID is an optional client-minted id the store keeps, so the
	// sender can recognize its own message when it comes back.
	MessageID string
}

// SendResult holds the authoritative rows produced by a send. Reply is nil
// for transports that only persist the human message.
type SendResult struct {
	Message Message
	Reply   *Message
}

// TurnObserver receives incremental progress of an agent turn. Any field may
// be nil.
type TurnObserver struct {
	OnStatus     func(status, message string)
	OnToken      func(text, accumulated string)
	OnExecutions func(executions []Execution)
}

func (o *TurnObserver) Status(status, message string) {
	if o != nil && o.OnStatus != nil {
		o.OnStatus(status, message)
	}
}

func (o *TurnObserver) Token(text, accumulated string) {
	if o != nil && o.OnToken != nil {
		o.OnToken(text, accumulated)
	}
}

func (o *TurnObserver) Executions(execs []Execution) {
	if o != nil && o.OnExecutions != nil {
		o.OnExecutions(execs)
	}
}

// Execution is one command the agent ran during a turn.
type Execution struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

// ChatProvider is the capability every transport implements. Callers hold
// the interface; the concrete transport is picked at the composition root.
type ChatProvider interface {
	Name() string
	Send(ctx context.Context, req SendRequest, obs *TurnObserver) (*SendResult, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	Subscribe(conversationID string, onMessage func(Message)) Unsubscribe
	OnConnectionChange(fn func(ConnectionStatus)) Unsubscribe
	ConnectionStatus() ConnectionStatus
	Disconnect()
}

// AttachmentRequest carries one file to upload.
type AttachmentRequest struct {
	ConversationID string
	SenderID       string
	Filename       string
	MimeType       string
	Data           []byte
	Caption        string
}

// AttachmentSender is implemented by transports that can upload files.
type AttachmentSender interface {
	SendAttachment(ctx context.Context, req AttachmentRequest) (*Message, error)
}

// MessageFetcher is implemented by transports that can re-read a single row.
type MessageFetcher interface {
	Message(ctx context.Context, id string) (*Message, error)
}

// ConversationLister is implemented by transports with a conversation index.
type ConversationLister interface {
	Conversations(ctx context.Context, userID string) ([]ConversationSummary, error)
}
