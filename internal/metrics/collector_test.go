package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("complete", time.Second)
	m.ObserveFrame("token")
	m.FanIn("delivered")
	m.ConnectionStatus("store", "connected", []string{"connected"})
	m.AttachmentRollback("upload")
	m.HTTPRequest("/status", 200)
	m.WebSocketClients(1)
	if m.Uptime() != 0 || m.Registry() != nil {
		t.Fatal("nil metrics should report zero values")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ObserveFrame("token")
	m.ObserveFrame("token")
	m.ObserveFrame("complete")
	m.ObserveTurn("complete", 2*time.Second)

	if got := testutil.ToFloat64(m.frames.WithLabelValues("token")); got != 2 {
		t.Fatalf("expected 2 token frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("complete")); got != 1 {
		t.Fatalf("expected 1 complete turn, got %v", got)
	}
}

func TestMetrics_ConnectionStatusIsExclusive(t *testing.T) {
	m := New()
	all := []string{"connecting", "connected", "disconnected", "error"}
	m.ConnectionStatus("ws", "connecting", all)
	m.ConnectionStatus("ws", "connected", all)

	if got := testutil.ToFloat64(m.connection.WithLabelValues("ws", "connected")); got != 1 {
		t.Fatalf("connected gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.connection.WithLabelValues("ws", "connecting")); got != 0 {
		t.Fatalf("connecting gauge = %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.MessagePersisted("task_proposal")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "agentchat_messages_persisted_total") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
