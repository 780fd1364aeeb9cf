package blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func strconvI(n int64) string { return strconv.FormatInt(n, 10) }

func newTestStore(t *testing.T, baseURL string) *FSStore {
	t.Helper()
	s, err := NewFSStore(FSConfig{Root: t.TempDir(), SigningKey: "test-key", BaseURL: baseURL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestFSStore_PutOpenDelete(t *testing.T) {
	s := newTestStore(t, "http://files.local")
	ctx := context.Background()

	p := StoragePath("c1", "u1", "m1", "report.pdf")
	if err := s.Put(ctx, p, []byte("%PDF"), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	f, err := s.Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "%PDF" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := s.Delete(ctx, p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(p); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected blob to be gone, got %v", err)
	}
	if err := s.Delete(ctx, p); err != nil {
		t.Fatalf("deleting a missing blob should succeed: %v", err)
	}
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t, "http://files.local")
	for _, p := range []string{"../escape.txt", "a/../../b", "", "/"} {
		if err := s.Put(context.Background(), p, []byte("x"), "text/plain"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Put(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
	if err := s.Put(context.Background(), "c1/u1/m1/a..b.txt", []byte("x"), "text/plain"); err != nil {
		t.Fatalf("dots inside a name are fine: %v", err)
	}
}

func TestFSStore_SignedURLVerify(t *testing.T) {
	s := newTestStore(t, "http://files.local/")
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	link, expires, err := s.SignedURL("c1/u1/m1/a.txt", 300*time.Second)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !expires.Equal(now.Add(300 * time.Second)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
	if !strings.HasPrefix(link, "http://files.local/files/c1/u1/m1/a.txt?") {
		t.Fatalf("unexpected link %q", link)
	}

	exp := expires.Unix()
	sig := s.sign("c1/u1/m1/a.txt", exp)
	if err := s.Verify("c1/u1/m1/a.txt", strconvI(exp), sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := s.Verify("c1/u1/m1/b.txt", strconvI(exp), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for other path, got %v", err)
	}

	now = now.Add(301 * time.Second)
	if err := s.Verify("c1/u1/m1/a.txt", strconvI(exp), sig); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected expired link, got %v", err)
	}
}

func TestFSStore_SignedURLNeedsBase(t *testing.T) {
	s := newTestStore(t, "")
	if _, _, err := s.SignedURL("c1/a.txt", time.Minute); !errors.Is(err, ErrMissingSigner) {
		t.Fatalf("expected ErrMissingSigner, got %v", err)
	}
}

func TestFSStore_Handler(t *testing.T) {
	var s *FSStore
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	s = newTestStore(t, srv.URL)

	p := StoragePath("c1", "u1", "m1", "notes.txt")
	if err := s.Put(context.Background(), p, []byte("hello"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	link, _, err := s.SignedURL(p, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(link)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("GET signed link: %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + FilesPrefix + p + "?expires=1&sig=deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forged link should be forbidden, got %d", resp.StatusCode)
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"relatório final.pdf", "relatorio_final.pdf"},
		{"a  b??c.txt", "a_b_c.txt"},
		{"日本語", "file"},
		{"", "file"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"ﬁle.txt", "file.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("x", 300) + ".txt"
	if got := SanitizeFileName(long); len(got) != maxFileNameLen {
		t.Fatalf("expected %d chars, got %d", maxFileNameLen, len(got))
	}
}

func TestStoragePath(t *testing.T) {
	if got := StoragePath("c1", "u1", "m1", "my file.png"); got != "c1/u1/m1/my_file.png" {
		t.Fatalf("unexpected path %q", got)
	}
}
