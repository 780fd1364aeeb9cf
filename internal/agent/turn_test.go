package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentchat/internal/domain"
	"agentchat/internal/ledger"
	"agentchat/internal/memory"
	"agentchat/internal/provider"
)

// fakeStreamer records requests and replays a canned result.
type fakeStreamer struct {
	mu       sync.Mutex
	requests []provider.TurnRequest
	result   *provider.TurnResult
	err      error
}

func (f *fakeStreamer) StreamTurn(_ context.Context, _ string, req provider.TurnRequest, obs *domain.TurnObserver) (*provider.TurnResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newSQLite(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	s, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRunner(t *testing.T, store *memory.SQLiteStore, streamer Streamer, agentURL string) (*TurnRunner, *domain.Conversation) {
	t.Helper()
	sm := NewSessionManager(store, SessionConfig{Logger: testLogger()})
	conv, err := sm.CreateConversation(context.Background(), domain.Conversation{
		UserID:        "u1",
		CounterpartID: "agent-1",
		AgentURL:      agentURL,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return NewTurnRunner(sm, store, streamer, TurnConfig{Logger: testLogger()}), conv
}

func send(t *testing.T, r *TurnRunner, convID, content string) *domain.SendResult {
	t.Helper()
	res, err := r.Run(context.Background(), domain.SendRequest{ConversationID: convID, SenderID: "u1", Content: content}, nil)
	if err != nil {
		t.Fatalf("Run(%q): %v", content, err)
	}
	return res
}

func TestTurnRunner_PlainTurn(t *testing.T) {
	store := newSQLite(t)
	streamer := &fakeStreamer{result: &provider.TurnResult{
		Complete:   provider.CompleteFrame{Response: "All good.", CommandsExecuted: 1},
		Executions: []domain.Execution{{Command: "df -h", Output: "/dev/sda1 40%"}},
	}}
	r, conv := newRunner(t, store, streamer, "http://agent")

	var phases []string
	obs := &domain.TurnObserver{OnStatus: func(s, _ string) { phases = append(phases, s) }}
	res, err := r.Run(context.Background(), domain.SendRequest{ConversationID: conv.ID, SenderID: "u1", Content: " check disk "}, obs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "sending,routing,thinking,saving"
	if strings.Join(phases, ",") != want {
		t.Fatalf("phases = %v, want %s", phases, want)
	}
	if res.Message.Content != "check disk" || res.Message.Status != domain.StatusSent || res.Message.Kind != domain.KindMessage {
		t.Fatalf("unexpected user row: %+v", res.Message)
	}
	if res.Reply == nil || res.Reply.SenderID != "agent-1" || res.Reply.Role != domain.RoleAssistant ||
		res.Reply.Status != domain.StatusDelivered || res.Reply.Kind != domain.KindMessage {
		t.Fatalf("unexpected reply row: %+v", res.Reply)
	}
	if !strings.HasPrefix(res.Reply.Content, "All good.\n\n---\n**📋 Commands executed:**") ||
		!strings.Contains(res.Reply.Content, "```bash\n$ df -h\n/dev/sda1 40%\n```") {
		t.Fatalf("transcript not appended: %q", res.Reply.Content)
	}

	rows, _ := store.ListSince(context.Background(), conv.ID, "")
	if len(rows) != 2 || rows[0].ID != res.Message.ID || rows[1].ID != res.Reply.ID {
		t.Fatalf("unexpected log: %+v", rows)
	}
}

func TestTurnRunner_HistoryExcludesHandoverAndNewMessage(t *testing.T) {
	store := newSQLite(t)
	streamer := &fakeStreamer{result: &provider.TurnResult{Complete: provider.CompleteFrame{Response: "ok"}}}
	r, conv := newRunner(t, store, streamer, "http://agent")
	ctx := context.Background()

	store.Append(ctx, domain.Message{ConversationID: conv.ID, SenderID: "u1", Role: domain.RoleUser, Content: "earlier"})
	store.Append(ctx, domain.Message{ConversationID: conv.ID, SenderID: "bot", Role: domain.RoleSystem, Content: "routing", Kind: domain.KindHandover})

	send(t, r, conv.ID, "now")

	req := streamer.requests[0]
	if len(req.History) != 1 || req.History[0].Content != "earlier" {
		t.Fatalf("unexpected history: %+v", req.History)
	}
	if req.Message != "now" || req.ConversationID != conv.ID || req.TaskApproval != nil {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestTurnRunner_FailedTurnPersistsOnlyUserMessage(t *testing.T) {
	store := newSQLite(t)
	streamer := &fakeStreamer{err: provider.ErrStreamEnded}
	r, conv := newRunner(t, store, streamer, "http://agent")

	res, err := r.Run(context.Background(), domain.SendRequest{ConversationID: conv.ID, SenderID: "u1", Content: "hi"}, nil)
	if !errors.Is(err, provider.ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
	if res == nil || res.Message.ID == "" || res.Reply != nil {
		t.Fatalf("expected stored user message only, got %+v", res)
	}
	rows, _ := store.ListSince(context.Background(), conv.ID, "")
	if len(rows) != 1 || rows[0].Role != domain.RoleUser {
		t.Fatalf("partial turn must not persist a reply: %+v", rows)
	}
}

func TestTurnRunner_RejectsEmptyContent(t *testing.T) {
	store := newSQLite(t)
	r, conv := newRunner(t, store, &fakeStreamer{}, "http://agent")
	if _, err := r.Run(context.Background(), domain.SendRequest{ConversationID: conv.ID, SenderID: "u1", Content: "  "}, nil); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestTurnRunner_ProposalGetsFreshTaskAndZeroBudget(t *testing.T) {
	store := newSQLite(t)
	streamer := &fakeStreamer{result: &provider.TurnResult{Complete: provider.CompleteFrame{
		Response:         "This needs approval.",
		RequiresApproval: true,
		TaskProposal: &domain.TaskProposal{
			Title: "Rotate logs", Steps: []string{"a", "b"}, EstimatedCommands: 4,
			MaxCommands: 99, CommandsUsed: 7,
		},
	}}}
	r, conv := newRunner(t, store, streamer, "http://agent")

	res := send(t, r, conv.ID, "rotate logs")
	if res.Reply.Kind != domain.KindTaskProposal || res.Reply.TaskID == "" {
		t.Fatalf("expected proposal row, got %+v", res.Reply)
	}
	p := res.Reply.TaskPayload
	if p == nil || p.Title != "Rotate logs" || p.MaxCommands != 0 || p.CommandsUsed != 0 {
		t.Fatalf("unexpected proposal payload: %+v", p)
	}
}

func TestTurnRunner_ApprovalForUnknownTaskIsPlain(t *testing.T) {
	store := newSQLite(t)
	streamer := &fakeStreamer{result: &provider.TurnResult{Complete: provider.CompleteFrame{Response: "?", CommandsUsed: 2}}}
	r, conv := newRunner(t, store, streamer, "http://agent")

	res := send(t, r, conv.ID, ledger.ApproveCommand("ghost", 5))
	if res.Message.Kind != domain.KindTaskApproval || res.Message.TaskID != "ghost" {
		t.Fatalf("approval row not tagged: %+v", res.Message)
	}
	if streamer.requests[0].TaskApproval != nil {
		t.Fatal("unknown task must not be forwarded as an approval")
	}
	if res.Reply.Kind != domain.KindMessage {
		t.Fatalf("expected plain reply, got %s", res.Reply.Kind)
	}
}

func TestFormatTranscript(t *testing.T) {
	if FormatTranscript(nil, 500) != "" {
		t.Fatal("no executions should render nothing")
	}
	long := strings.Repeat("x", 600)
	out := FormatTranscript([]domain.Execution{{Command: "a", Output: "1"}, {Command: "b", Output: long}}, 500)
	want := "\n\n---\n**📋 Commands executed:**\n\n```bash\n$ a\n1\n```\n\n```bash\n$ b\n" + strings.Repeat("x", 500) + "...\n```"
	if out != want {
		t.Fatalf("FormatTranscript mismatch:\n%q\n%q", out, want)
	}
}

// scriptedAgent is an HTTP agent that proposes a task, then spends a fixed
// number of commands on each approved turn.
type scriptedAgent struct {
	mu       sync.Mutex
	requests []provider.TurnRequest
	spend    []int
}

func (a *scriptedAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req provider.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	var spend int
	if req.TaskApproval != nil && len(a.spend) > 0 {
		spend, a.spend = a.spend[0], a.spend[1:]
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	write := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	write(provider.EventStatus, provider.StatusFrame{Status: "thinking"})
	if req.TaskApproval == nil {
		write(provider.EventComplete, provider.CompleteFrame{
			Response:         "I can clean up old logs.",
			RequiresApproval: true,
			TaskProposal:     &domain.TaskProposal{Title: "Clean logs", Steps: []string{"find", "delete"}, EstimatedCommands: 5},
		})
		return
	}
	execs := make([]domain.Execution, spend)
	for i := range execs {
		execs[i] = domain.Execution{Command: fmt.Sprintf("step %d", i), Output: "ok"}
	}
	write(provider.EventExecutions, provider.ExecutionsFrame{Executions: execs})
	write(provider.EventComplete, provider.CompleteFrame{Response: "Done.", CommandsExecuted: spend, CommandsUsed: spend})
}

func TestTurnRunner_BudgetCarriesAcrossApprovals(t *testing.T) {
	agent := &scriptedAgent{spend: []int{3, 2}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	store := newSQLite(t)
	client := provider.NewAgentClient(provider.AgentClientConfig{TurnTimeout: 5 * time.Second, Logger: testLogger()})
	r, conv := newRunner(t, store, client, srv.URL)

	proposal := send(t, r, conv.ID, "clean up the disk").Reply
	if proposal.Kind != domain.KindTaskProposal {
		t.Fatalf("expected proposal, got %+v", proposal)
	}
	taskID := proposal.TaskID

	first := send(t, r, conv.ID, ledger.ApproveCommand(taskID, 10))
	if first.Message.Kind != domain.KindTaskApproval || first.Message.TaskID != taskID {
		t.Fatalf("approval row not tagged: %+v", first.Message)
	}
	if first.Reply.Kind != domain.KindTaskExecution || first.Reply.TaskID != taskID || first.Reply.TaskPayload.CommandsUsed != 3 {
		t.Fatalf("unexpected first execution: %+v %+v", first.Reply, first.Reply.TaskPayload)
	}

	second := send(t, r, conv.ID, ledger.ApproveCommand(taskID, 10))
	if second.Reply.TaskPayload.CommandsUsed != 5 || second.Reply.TaskPayload.MaxCommands != 10 {
		t.Fatalf("budget did not carry over: %+v", second.Reply.TaskPayload)
	}

	agent.mu.Lock()
	approvals := []*domain.TaskProposal{agent.requests[1].TaskApproval, agent.requests[2].TaskApproval}
	historyLen := len(agent.requests[2].History)
	agent.mu.Unlock()
	if approvals[0] == nil || approvals[0].MaxCommands != 10 || approvals[0].CommandsUsed != 0 || approvals[0].Title != "Clean logs" {
		t.Fatalf("first approval payload: %+v", approvals[0])
	}
	if approvals[1] == nil || approvals[1].CommandsUsed != 3 {
		t.Fatalf("second approval payload: %+v", approvals[1])
	}
	if historyLen != 4 {
		t.Fatalf("expected 4 prior messages in history, got %d", historyLen)
	}

	rows, err := store.ListSince(context.Background(), conv.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	tasks := ledger.Derive(rows)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.TaskID != taskID || task.Status != ledger.StatusCompleted || task.CommandsUsed != 5 || task.MaxCommands != 10 {
		t.Fatalf("unexpected task view: %+v", task)
	}
}

func TestTurnRunner_StreamEndsEarlyOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: token\ndata: {\"text\":\"par\",\"accumulated\":\"par\"}\n\n")
	}))
	defer srv.Close()

	store := newSQLite(t)
	client := provider.NewAgentClient(provider.AgentClientConfig{TurnTimeout: 5 * time.Second, Logger: testLogger()})
	r, conv := newRunner(t, store, client, srv.URL)

	var tokens []string
	obs := &domain.TurnObserver{OnToken: func(_, acc string) { tokens = append(tokens, acc) }}
	_, err := r.Run(context.Background(), domain.SendRequest{ConversationID: conv.ID, SenderID: "u1", Content: "hello"}, obs)
	if !errors.Is(err, provider.ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected the partial token to be observed, got %v", tokens)
	}
	rows, _ := store.ListSince(context.Background(), conv.ID, "")
	if len(rows) != 1 {
		t.Fatalf("expected only the user row, got %d", len(rows))
	}
}
