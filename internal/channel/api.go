// Package channel serves the chat over HTTP: the message API used by the
// polling transport, the WebSocket room endpoint, the task view, signed
// attachment links and the operational endpoints.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentchat/internal/agent"
	"agentchat/internal/config"
	"agentchat/internal/domain"
	"agentchat/internal/ledger"
	"agentchat/internal/metrics"
	"agentchat/internal/transport"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	shutdownTimeout = 5 * time.Second
)

type APIConfig struct {
	Host  string
	Port  int
	Store domain.Store
	// Turns runs the agent after each posted message. Nil only stores it.
	Turns *agent.TurnRunner
	// Files serves signed attachment links under /files/.
	Files           http.Handler
	Blobs           domain.BlobStore
	StaleAfter      time.Duration
	Config          *config.Config
	ConfigPath      string
	MetricsEndpoint string
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// API is the HTTP server behind `agentchat serve`.
type API struct {
	host            string
	port            int
	store           domain.Store
	turns           *agent.TurnRunner
	chat            *transport.StoreProvider
	files           http.Handler
	metricsEndpoint string
	metrics         *metrics.Metrics
	logger          *slog.Logger
	server          *http.Server

	// baseCtx bounds turns started from WebSocket frames.
	baseCtx context.Context

	cfg     *config.Config
	cfgPath string
	cfgMu   sync.RWMutex

	ws *wsHub
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &API{
		host:  cfg.Host,
		port:  cfg.Port,
		store: cfg.Store,
		turns: cfg.Turns,
		chat: transport.NewStoreProvider(transport.StoreConfig{
			Store:      cfg.Store,
			Turns:      cfg.Turns,
			Blobs:      cfg.Blobs,
			StaleAfter: cfg.StaleAfter,
			Metrics:    cfg.Metrics,
			Logger:     cfg.Logger,
		}),
		files:           cfg.Files,
		metricsEndpoint: cfg.MetricsEndpoint,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		baseCtx:         context.Background(),
		cfg:             cfg.Config,
		cfgPath:         cfg.ConfigPath,
	}
	a.ws = newWSHub(a)
	return a
}

// Handler returns the routed handler without starting a listener.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/messages", a.instrument("messages.list", a.handleListMessages))
	mux.HandleFunc("POST /api/chat/messages", a.instrument("messages.post", a.handlePostMessage))
	mux.HandleFunc("GET /api/conversations", a.instrument("conversations", a.handleConversations))
	mux.HandleFunc("GET /api/tasks", a.instrument("tasks", a.handleTasks))
	mux.HandleFunc("GET /api/config", a.instrument("config.get", a.handleGetConfig))
	mux.HandleFunc("PUT /api/config", a.instrument("config.put", a.handleUpdateConfig))
	mux.HandleFunc("POST /api/config/save", a.instrument("config.save", a.handleSaveConfig))
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /ws", a.ws.handleUpgrade)
	if a.files != nil {
		mux.Handle("GET /files/", a.files)
	}
	if a.metricsEndpoint != "" && a.metrics != nil {
		mux.Handle("GET "+a.metricsEndpoint, a.metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	a.baseCtx = ctx
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("API server started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		a.ws.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: rw, code: http.StatusOK}
		next(rec, r)
		a.metrics.HTTPRequest(route, rec.code)
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code int, msg string) {
	writeJSON(rw, code, map[string]string{"error": msg})
}

// handleListMessages answers GET /api/chat/messages?roomId=&after=.
func (a *API) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeError(rw, http.StatusBadRequest, "roomId is required")
		return
	}
	rows, err := a.store.ListSince(r.Context(), roomID, r.URL.Query().Get("after"))
	if err != nil {
		a.logger.Error("list messages failed", "room", roomID, "err", err)
		writeError(rw, http.StatusInternalServerError, "list messages failed")
		return
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, m := range rows {
		if m.Visible() {
			msgs = append(msgs, m)
		}
	}
	writeJSON(rw, http.StatusOK, msgs)
}

// handlePostMessage stores the message and, with an agent configured, runs
// the turn before answering. A turn that fails after the message was stored
// answers 502 with the stored message.
func (a *API) handlePostMessage(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad request")
		return
	}
	var req transport.PostMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RoomID == "" || req.UserID == "" || strings.TrimSpace(req.Content) == "" {
		writeError(rw, http.StatusBadRequest, "roomId, userId and content are required")
		return
	}

	res, err := a.send(r.Context(), domain.SendRequest{
		ConversationID: req.RoomID,
		SenderID:       req.UserID,
		Content:        req.Content,
	})
	if err != nil {
		if res != nil && res.Message.ID != "" {
			writeJSON(rw, http.StatusBadGateway, transport.PostMessageResponse{Message: res.Message, Error: err.Error()})
			return
		}
		a.logger.Warn("post message failed", "room", req.RoomID, "err", err)
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(rw, http.StatusCreated, transport.PostMessageResponse{Message: res.Message, Reply: res.Reply})
}

// send runs a turn, or only stores the message when no agent is configured.
func (a *API) send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	if a.turns != nil {
		return a.turns.Run(ctx, req, nil)
	}
	stored, err := a.store.Append(ctx, domain.Message{
		ID:             req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Role:           domain.RoleUser,
		Content:        strings.TrimSpace(req.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	a.metrics.MessagePersisted(string(stored.Kind))
	return &domain.SendResult{Message: *stored}, nil
}

func (a *API) handleConversations(rw http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(rw, http.StatusBadRequest, "userId is required")
		return
	}
	list, err := a.chat.Conversations(r.Context(), userID)
	if err != nil {
		a.logger.Error("list conversations failed", "user", userID, "err", err)
		writeError(rw, http.StatusInternalServerError, "list conversations failed")
		return
	}
	writeJSON(rw, http.StatusOK, list)
}

// handleTasks answers GET /api/tasks?userId= with every task across the
// user's conversations, optionally filtered by status.
func (a *API) handleTasks(rw http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(rw, http.StatusBadRequest, "userId is required")
		return
	}
	convs, err := a.store.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "list conversations failed")
		return
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	tasks, err := ledger.Load(r.Context(), a.store, ids)
	if err != nil {
		a.logger.Error("load tasks failed", "user", userID, "err", err)
		writeError(rw, http.StatusInternalServerError, "load tasks failed")
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []ledger.Task{}
	}
	writeJSON(rw, http.StatusOK, tasks)
}

func (a *API) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime":           a.metrics.Uptime().Round(time.Second).String(),
		"websocketClients": a.ws.count(),
		"agent":            a.turns != nil,
	})
}
