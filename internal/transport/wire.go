package transport

import (
	"encoding/json"
	"fmt"

	"agentchat/internal/domain"
)

// Frame types of the WebSocket chat protocol.
const (
	FrameJoin       = "join"
	FrameMessage    = "message"
	FrameGetHistory = "get_history"
	FrameHistory    = "history"
	FrameError      = "error"
)

// Frame is one JSON text message on the chat WebSocket.
//
//	client -> server: join {roomId}, message <Message>, get_history {roomId}
//	server -> client: message <Message>, history [<Message>], error {message}
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// PostMessageRequest is the body of POST /api/chat/messages.
type PostMessageRequest struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

// PostMessageResponse carries the persisted rows of a send. Error is set when
// the agent turn failed after the user message was stored.
type PostMessageResponse struct {
	Message domain.Message  `json:"message"`
	Reply   *domain.Message `json:"reply,omitempty"`
	Error   string          `json:"error,omitempty"`
}
