package channel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentchat/internal/domain"
	"agentchat/internal/transport"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func waitStatus(t *testing.T, p domain.ChatProvider, want domain.ConnectionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.ConnectionStatus() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", p.ConnectionStatus(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_ClientIDSurvivesRoundTrip(t *testing.T) {
	store := newSQLite(t)
	conv := newConv(t, store)
	srv := newTestServer(t, APIConfig{Store: store})

	p := transport.NewWebSocketProvider(transport.WebSocketConfig{URL: wsURL(srv.URL), Logger: testLogger()})
	defer p.Disconnect()

	got := make(chan domain.Message, 4)
	unsub := p.Subscribe(conv.ID, func(m domain.Message) { got <- m })
	defer unsub()
	waitStatus(t, p, domain.ConnConnected)

	res, err := p.Send(context.Background(), domain.SendRequest{ConversationID: conv.ID, SenderID: "u1", Content: "hello"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.ID != res.Message.ID || m.Content != "hello" {
			t.Fatalf("echo %+v does not match sent %+v", m, res.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo from server")
	}

	stored, err := store.GetMessage(context.Background(), res.Message.ID)
	if err != nil || stored == nil {
		t.Fatalf("client id not kept by the store: %v %v", stored, err)
	}

	history, err := p.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(history) != 1 || history[0].ID != res.Message.ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestWebSocket_HiddenRowsAndBadFrames(t *testing.T) {
	store := newSQLite(t)
	conv := newConv(t, store)
	srv := newTestServer(t, APIConfig{Store: store})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var f transport.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Type != transport.FrameError {
		t.Fatalf("expected error frame, got %+v %v", f, err)
	}

	join, _ := transport.NewFrame(transport.FrameJoin, transport.RoomPayload{RoomID: conv.ID})
	conn.WriteJSON(join)
	// Round-trip a history request so the join is known to be processed.
	hist, _ := transport.NewFrame(transport.FrameGetHistory, transport.RoomPayload{RoomID: conv.ID})
	conn.WriteJSON(hist)
	if err := conn.ReadJSON(&f); err != nil || f.Type != transport.FrameHistory {
		t.Fatalf("expected history frame, got %+v %v", f, err)
	}

	ctx := context.Background()
	store.Append(ctx, domain.Message{ConversationID: conv.ID, SenderID: "agent-1", Role: domain.RoleAssistant, Content: "handing over", Kind: domain.KindHandover})
	store.Append(ctx, domain.Message{ConversationID: conv.ID, SenderID: "agent-1", Role: domain.RoleAssistant, Content: "visible"})

	if err := conn.ReadJSON(&f); err != nil || f.Type != transport.FrameMessage {
		t.Fatalf("expected message frame, got %+v %v", f, err)
	}
	var m domain.Message
	json.Unmarshal(f.Payload, &m)
	if m.Content != "visible" {
		t.Fatalf("handover row leaked to the client: %+v", m)
	}
}
