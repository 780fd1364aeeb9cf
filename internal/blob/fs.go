// Package blob stores attachment bytes on the local filesystem and hands out
// short-lived HMAC-signed links to them.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FilesPrefix is the URL path under which signed files are served.
const FilesPrefix = "/files/"

var (
	ErrInvalidPath   = errors.New("blob: invalid path")
	ErrLinkExpired   = errors.New("blob: link expired")
	ErrBadSignature  = errors.New("blob: bad signature")
	ErrMissingSigner = errors.New("blob: no base URL configured for signed links")
)

type FSConfig struct {
	Root string
	// SigningKey authenticates links. Empty means a random per-process key.
	SigningKey string
	// BaseURL is prepended to signed links, e.g. http://127.0.0.1:8080.
	BaseURL string
	Logger  *slog.Logger
}

// FSStore keeps blobs under a root directory.
type FSStore struct {
	root    string
	key     []byte
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

func NewFSStore(cfg FSConfig) (*FSStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	return &FSStore{
		root:    cfg.Root,
		key:     key,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// resolve maps a slash-separated locator to a file under root.
func (s *FSStore) resolve(p string) (string, error) {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes data atomically: readers never see a partial file.
func (s *FSStore) Put(ctx context.Context, p string, data []byte, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	s.logger.Debug("blob stored", "path", p, "bytes", len(data), "mime", mimeType)
	return nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *FSStore) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Open returns a reader for a stored blob.
func (s *FSStore) Open(p string) (*os.File, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (s *FSStore) sign(p string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	io.WriteString(mac, p)
	io.WriteString(mac, "\n")
	io.WriteString(mac, strconv.FormatInt(expires, 10))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL returns a link to p that stops verifying after ttl.
func (s *FSStore) SignedURL(p string, ttl time.Duration) (string, time.Time, error) {
	if s.baseURL == "" {
		return "", time.Time{}, ErrMissingSigner
	}
	if _, err := s.resolve(p); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(ttl).UTC().Truncate(time.Second)
	exp := expiresAt.Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(p, exp))

	escaped := (&url.URL{Path: p}).EscapedPath()
	return s.baseURL + FilesPrefix + escaped + "?" + q.Encode(), expiresAt, nil
}

// Verify checks a signature produced by SignedURL.
func (s *FSStore) Verify(p, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.sign(p, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrLinkExpired
	}
	return nil
}

// Handler serves signed links under FilesPrefix.
func (s *FSStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, FilesPrefix)
		q := r.URL.Query()
		if err := s.Verify(p, q.Get("expires"), q.Get("sig")); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrLinkExpired) {
				status = http.StatusGone
			}
			http.Error(w, err.Error(), status)
			return
		}

		f, err := s.Open(p)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}
		if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, path.Base(p), info.ModTime(), f)
	})
}
