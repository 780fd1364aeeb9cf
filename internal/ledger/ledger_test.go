package ledger

import (
	"testing"
	"time"

	"agentchat/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func proposal(id, taskID string, sec int, estimated int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           domain.RoleAssistant,
		Kind:           domain.KindTaskProposal,
		TaskID:         taskID,
		CreatedAt:      at(sec),
		TaskPayload: &domain.TaskProposal{
			Title:             "Deploy",
			Steps:             []string{"build", "push"},
			EstimatedCommands: estimated,
		},
	}
}

func decision(id, content string, sec int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           domain.RoleUser,
		Kind:           domain.KindMessage,
		Content:        content,
		CreatedAt:      at(sec),
	}
}

func execution(id, taskID string, sec, maxCommands, used int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           domain.RoleAssistant,
		Kind:           domain.KindTaskExecution,
		TaskID:         taskID,
		CreatedAt:      at(sec),
		TaskPayload:    &domain.TaskProposal{Title: "Deploy", MaxCommands: maxCommands, CommandsUsed: used},
	}
}

func only(t *testing.T, msgs []domain.Message) Task {
	t.Helper()
	tasks := Derive(msgs)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d: %+v", len(tasks), tasks)
	}
	return tasks[0]
}

// --- Status derivation ---

func TestDerive_PendingWithoutDecision(t *testing.T) {
	task := only(t, []domain.Message{proposal("m1", "T", 0, 5)})
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestDerive_ApprovedThenCompleted(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m2", "APPROVED:T:10", 1),
	}
	if got := only(t, msgs).Status; got != StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}

	msgs = append(msgs, execution("m3", "T", 2, 10, 3))
	if got := only(t, msgs).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

// A rejection outranks an execution row for the same task. This follows the
// derivation order rather than a product rule.
func TestDerive_RejectWinsOverExecution(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m2", "REJECTED:T", 1),
		execution("m3", "T", 2, 10, 3),
	}
	if got := only(t, msgs).Status; got != StatusRejected {
		t.Fatalf("expected rejected, got %s", got)
	}
}

func TestDerive_RejectWinsTimestampTie(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m9", "APPROVED:T:10", 4),
		decision("m2", "REJECTED:T", 4),
	}
	if got := only(t, msgs).Status; got != StatusRejected {
		t.Fatalf("expected rejected on tie, got %s", got)
	}
}

func TestDerive_RejectionIsFinal(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m2", "REJECTED:T", 1),
		decision("m3", "APPROVED:T:10", 2),
	}
	task := only(t, msgs)
	if task.Status != StatusRejected {
		t.Fatalf("status after REJECTED then APPROVED: %s", task.Status)
	}
	if !task.UpdatedAt.Equal(at(2)) {
		t.Fatalf("expected updatedAt of latest decision, got %v", task.UpdatedAt)
	}
}

func TestDerive_MostRecentApprovalSetsBudget(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m3", "approved:T:20", 2),
		decision("m2", "APPROVED:T:8", 1),
	}
	task := only(t, msgs)
	if task.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", task.Status)
	}
	if task.MaxCommands != 20 {
		t.Fatalf("expected max 20, got %d", task.MaxCommands)
	}
	if !task.UpdatedAt.Equal(at(2)) {
		t.Fatalf("expected updatedAt of latest decision, got %v", task.UpdatedAt)
	}
}

func TestDerive_FallsBackToProposalMessageID(t *testing.T) {
	msgs := []domain.Message{
		proposal("prop-7", "", 0, 2),
		decision("m2", "APPROVED:prop-7:5", 1),
	}
	task := only(t, msgs)
	if task.TaskID != "prop-7" || task.Status != StatusApproved {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestDerive_IgnoresAssistantDecisionsAndOrphans(t *testing.T) {
	agentEcho := decision("m2", "APPROVED:T:10", 1)
	agentEcho.Role = domain.RoleAssistant
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		agentEcho,
		decision("m3", "APPROVED:other:10", 2),
		execution("m4", "ghost", 3, 5, 1),
	}
	task := only(t, msgs)
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestDerive_ApprovalRowKindCounts(t *testing.T) {
	approval := decision("m2", "APPROVED:T:15", 1)
	approval.Kind = domain.KindTaskApproval
	approval.TaskID = "T"
	task := only(t, []domain.Message{proposal("m1", "T", 0, 5), approval})
	if task.Status != StatusApproved || task.MaxCommands != 15 {
		t.Fatalf("unexpected task: %+v", task)
	}
}

// --- Budget carry-over ---

func TestDerive_BudgetCarryOver(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "t1", 0, 5),
		decision("m2", "APPROVED:t1:10", 1),
	}
	task := only(t, msgs)
	if task.Status != StatusApproved || task.MaxCommands != 10 || task.CommandsUsed != 0 {
		t.Fatalf("after approval: %+v", task)
	}
	if task.Proposal.EstimatedCommands != 5 {
		t.Fatalf("proposal snapshot lost: %+v", task.Proposal)
	}

	msgs = append(msgs, execution("m3", "t1", 2, 10, 3))
	task = only(t, msgs)
	if task.Status != StatusCompleted || task.MaxCommands != 10 || task.CommandsUsed != 3 {
		t.Fatalf("after execution: %+v", task)
	}
}

func TestDerive_LatestExecutionWins(t *testing.T) {
	msgs := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m2", "APPROVED:T:10", 1),
		execution("m4", "T", 5, 10, 7),
		execution("m3", "T", 3, 10, 3),
	}
	if got := only(t, msgs).CommandsUsed; got != 7 {
		t.Fatalf("expected 7 commands used, got %d", got)
	}
}

func TestDerive_ArrivalOrderDoesNotMatter(t *testing.T) {
	a := []domain.Message{
		proposal("m1", "T", 0, 5),
		decision("m2", "APPROVED:T:10", 1),
		execution("m3", "T", 2, 10, 3),
	}
	b := []domain.Message{a[2], a[0], a[1]}
	ta, tb := only(t, a), only(t, b)
	if ta.Status != tb.Status || ta.CommandsUsed != tb.CommandsUsed || ta.MaxCommands != tb.MaxCommands {
		t.Fatalf("order dependent result: %+v vs %+v", ta, tb)
	}
}

func TestDerive_NewestFirst(t *testing.T) {
	tasks := Derive([]domain.Message{
		proposal("m1", "old", 0, 1),
		proposal("m2", "new", 10, 1),
	})
	if len(tasks) != 2 || tasks[0].TaskID != "new" {
		t.Fatalf("expected newest first, got %+v", tasks)
	}
	if _, ok := Find(tasks, "old"); !ok {
		t.Fatal("Find should locate old task")
	}
}
