package provider

import (
	"time"

	"agentchat/internal/domain"
)

// Event names on the agent turn stream.
const (
	EventStatus     = "status"
	EventToken      = "token"
	EventExecutions = "executions"
	EventComplete   = "complete"
	EventError      = "error"
)

// Turn phases reported through TurnObserver.OnStatus.
const (
	PhaseSending   = "sending"
	PhaseRouting   = "routing"
	PhaseThinking  = "thinking"
	PhaseExecuting = "executing"
	PhaseSaving    = "saving"
)

// HistoryEntry is one prior message sent along with a turn.
type HistoryEntry struct {
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// TurnRequest is the JSON body posted to the agent's stream endpoint.
type TurnRequest struct {
	Message        string               `json:"message"`
	ConversationID string               `json:"conversationId"`
	History        []HistoryEntry       `json:"history"`
	TaskApproval   *domain.TaskProposal `json:"taskApproval,omitempty"`
}

type StatusFrame struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type TokenFrame struct {
	Text        string `json:"text"`
	Accumulated string `json:"accumulated"`
}

type ExecutionsFrame struct {
	Executions []domain.Execution `json:"executions"`
}

// CompleteFrame is the terminal success payload of a turn.
type CompleteFrame struct {
	Response         string               `json:"response"`
	CommandsExecuted int                  `json:"commandsExecuted"`
	RequiresApproval bool                 `json:"requiresApproval,omitempty"`
	TaskProposal     *domain.TaskProposal `json:"taskProposal,omitempty"`
	CommandsUsed     int                  `json:"commandsUsed,omitempty"`
	Executions       []domain.Execution   `json:"executions,omitempty"`
}

type ErrorFrame struct {
	Error string `json:"error"`
}

// TurnResult is what a finished turn hands back: the terminal payload and
// every execution batch seen on the way.
type TurnResult struct {
	Complete   CompleteFrame
	Executions []domain.Execution
	Frames     int
}
