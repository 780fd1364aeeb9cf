// Package ledger derives task lifecycles from the message log. It keeps no
// state of its own: every view is recomputed from proposal, decision and
// execution rows that share a task id.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agentchat/internal/domain"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Task is the derived view of one proposal and everything that refers to it.
type Task struct {
	TaskID            string              `json:"task_id"`
	ConversationID    string              `json:"conversation_id"`
	ProposalMessageID string              `json:"proposal_message_id"`
	Proposal          domain.TaskProposal `json:"proposal"`
	Status            Status              `json:"status"`
	MaxCommands       int                 `json:"max_commands"`
	CommandsUsed      int                 `json:"commands_used"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Source is the slice of the message store the ledger reads.
type Source interface {
	ListByKind(ctx context.Context, conversationIDs []string, kinds ...domain.MessageKind) ([]domain.Message, error)
	ListDecisions(ctx context.Context, conversationIDs []string) ([]domain.Message, error)
}

// Load queries the rows relevant to tasks in the given conversations and
// derives the task views.
func Load(ctx context.Context, src Source, conversationIDs []string) ([]Task, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := src.ListByKind(ctx, conversationIDs, domain.KindTaskProposal, domain.KindTaskExecution)
	if err != nil {
		return nil, fmt.Errorf("list task rows: %w", err)
	}
	decisions, err := src.ListDecisions(ctx, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return Derive(append(rows, decisions...)), nil
}

type decisionRow struct {
	Decision
	msg domain.Message
}

type group struct {
	proposal  *domain.Message
	approval  *decisionRow
	rejection *decisionRow
	execution *domain.Message
}

// Derive builds one Task per proposal found in msgs. Rows of other kinds
// are ignored, so callers may pass a whole conversation. Tasks are returned
// newest proposal first.
func Derive(msgs []domain.Message) []Task {
	sorted := append([]domain.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	groups := make(map[string]*group)
	get := func(key string) *group {
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		return g
	}

	for i := range sorted {
		m := sorted[i]
		switch m.EffectiveKind() {
		case domain.KindTaskProposal:
			key := m.TaskID
			if key == "" {
				key = m.ID
			}
			if g := get(key); g.proposal == nil {
				g.proposal = &sorted[i]
			}
		case domain.KindTaskExecution:
			if m.TaskID == "" {
				continue
			}
			// Ascending order: the last one seen is the latest.
			get(m.TaskID).execution = &sorted[i]
		case domain.KindMessage, domain.KindTaskApproval:
			if m.Role != domain.RoleUser {
				continue
			}
			d, ok := ParseDecision(m.Content)
			if !ok {
				continue
			}
			g := get(d.TaskID)
			row := &decisionRow{Decision: d, msg: m}
			if d.Verdict == VerdictRejected {
				if g.rejection == nil {
					g.rejection = row
				}
			} else {
				g.approval = latestApproval(g.approval, row)
			}
		}
	}

	tasks := make([]Task, 0, len(groups))
	for key, g := range groups {
		if g.proposal == nil {
			continue
		}
		tasks = append(tasks, build(key, g))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].TaskID > tasks[j].TaskID
	})
	return tasks
}

// latestApproval keeps the most recent approval. Ties go to the higher
// message id.
func latestApproval(cur, next *decisionRow) *decisionRow {
	if cur == nil || next.msg.CreatedAt.After(cur.msg.CreatedAt) {
		return next
	}
	if next.msg.CreatedAt.Equal(cur.msg.CreatedAt) && cur.msg.ID < next.msg.ID {
		return next
	}
	return cur
}

func build(key string, g *group) Task {
	p := g.proposal
	t := Task{
		TaskID:            key,
		ConversationID:    p.ConversationID,
		ProposalMessageID: p.ID,
		Status:            StatusPending,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.CreatedAt,
	}
	if p.TaskPayload != nil {
		t.Proposal = *p.TaskPayload.Clone()
		t.MaxCommands = p.TaskPayload.MaxCommands
		t.CommandsUsed = p.TaskPayload.CommandsUsed
	}

	if a := g.approval; a != nil {
		if a.Budget > 0 {
			t.MaxCommands = a.Budget
		}
		t.UpdatedAt = later(t.UpdatedAt, a.msg.CreatedAt)
	}
	if r := g.rejection; r != nil {
		t.UpdatedAt = later(t.UpdatedAt, r.msg.CreatedAt)
	}
	if e := g.execution; e != nil {
		if e.TaskPayload != nil {
			if e.TaskPayload.MaxCommands > 0 {
				t.MaxCommands = e.TaskPayload.MaxCommands
			}
			t.CommandsUsed = e.TaskPayload.CommandsUsed
		}
		t.UpdatedAt = later(t.UpdatedAt, e.CreatedAt)
	}

	// Any rejection is final, whatever was decided after it.
	switch {
	case g.rejection != nil:
		t.Status = StatusRejected
	case g.execution != nil:
		t.Status = StatusCompleted
	case g.approval != nil:
		t.Status = StatusApproved
	}
	return t
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Find returns the task with the given id.
func Find(tasks []Task, taskID string) (Task, bool) {
	for _, t := range tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return Task{}, false
}
