package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"agentchat/internal/domain"
)

func TestOpenPostgres_requiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := OpenPostgres(context.Background(), "", 0, testLogger()); err == nil {
		t.Fatal("expected error without DSN")
	}
}

func TestPostgresStore_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	ctx := context.Background()
	st, err := OpenPostgres(ctx, dsn, 4, testLogger())
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer func() { _ = st.Close() }()

	conv, err := st.CreateConversation(ctx, domain.Conversation{UserID: "pg-test", Title: "pg"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	defer st.DeleteConversation(ctx, conv.ID)

	got := make(chan domain.Message, 1)
	unsub := st.SubscribeInserts(conv.ID, func(m domain.Message) { got <- m })
	defer unsub()
	// Give the listener a moment to issue LISTEN.
	time.Sleep(200 * time.Millisecond)

	saved, err := st.Append(ctx, domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case m := <-got:
		if m.ID != saved.ID {
			t.Fatalf("notified %s, want %s", m.ID, saved.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no insert notification")
	}

	msgs, err := st.ListSince(ctx, conv.ID, "")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListSince: %v %v", msgs, err)
	}
}
