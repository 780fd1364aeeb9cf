package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

const (
	defaultTurnTimeout = 120 * time.Second
	readChunkSize      = 4096
)

// AgentClient speaks the agent's HTTP contract: streamed turns on
// {agentURL}/chat/stream and a health probe on {agentURL}/health.
type AgentClient struct {
	stream      *http.Client
	plain       *http.Client
	turnTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type AgentClientConfig struct {
	// TurnTimeout is the local deadline for one turn. Zero means 120s.
	TurnTimeout time.Duration
	// HTTPClient overrides the streaming client. It must not set Timeout.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func NewAgentClient(cfg AgentClientConfig) *AgentClient {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = StreamingHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AgentClient{
		stream:      cfg.HTTPClient,
		plain:       SharedHTTPClient(10 * time.Second),
		turnTimeout: cfg.TurnTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// StreamTurn posts req and decodes the streamed answer, dispatching frames to
// obs in wire order. It returns once a complete or error frame arrives, the
// body ends, or the turn deadline passes.
func (c *AgentClient) StreamTurn(ctx context.Context, agentURL string, req TurnRequest, obs *domain.TurnObserver) (*TurnResult, error) {
	start := time.Now()
	res, err := c.streamTurn(ctx, agentURL, req, obs)
	c.metrics.ObserveTurn(turnOutcome(res, err), time.Since(start))
	return res, err
}

func (c *AgentClient) streamTurn(ctx context.Context, agentURL string, req TurnRequest, obs *domain.TurnObserver) (*TurnResult, error) {
	if req.History == nil {
		req.History = []HistoryEntry{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.turnTimeout)
	defer cancel()

	url := strings.TrimRight(agentURL, "/") + "/chat/stream"
	httpReq, err := http.NewRequestWithContext(tctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, c.turnError(ctx, tctx, fmt.Errorf("open agent stream: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	res, err := c.readStream(resp.Body, obs)
	if err != nil {
		return res, c.turnError(ctx, tctx, err)
	}
	return res, nil
}

// readStream is the per-turn state machine: frames are dispatched until a
// terminal one is seen.
func (c *AgentClient) readStream(body io.Reader, obs *domain.TurnObserver) (*TurnResult, error) {
	var dec Decoder
	res := &TurnResult{}
	buf := make([]byte, readChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				res.Frames++
				done, err := c.dispatch(f, res, obs)
				if err != nil {
					return res, err
				}
				if done {
					return res, nil
				}
			}
		}
		if readErr == io.EOF {
			if dropped := dec.Finish(); dropped > 0 {
				c.logger.Debug("discarding partial trailing frame", "bytes", dropped)
			}
			return res, ErrStreamEnded
		}
		if readErr != nil {
			return res, fmt.Errorf("read agent stream: %w", readErr)
		}
	}
}

func (c *AgentClient) dispatch(f Frame, res *TurnResult, obs *domain.TurnObserver) (bool, error) {
	c.metrics.ObserveFrame(f.Event)
	switch f.Event {
	case EventStatus:
		var p StatusFrame
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			return false, &ProtocolError{Event: f.Event, Err: err}
		}
		obs.Status(p.Status, p.Message)
	case EventToken:
		var p TokenFrame
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			return false, &ProtocolError{Event: f.Event, Err: err}
		}
		obs.Token(p.Text, p.Accumulated)
	case EventExecutions:
		var p ExecutionsFrame
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			return false, &ProtocolError{Event: f.Event, Err: err}
		}
		res.Executions = append(res.Executions, p.Executions...)
		obs.Status(PhaseExecuting, "Executing commands...")
		obs.Executions(p.Executions)
	case EventComplete:
		if err := json.Unmarshal([]byte(f.Data), &res.Complete); err != nil {
			return false, &ProtocolError{Event: f.Event, Err: err}
		}
		if len(res.Executions) == 0 && len(res.Complete.Executions) > 0 {
			res.Executions = res.Complete.Executions
		}
		return true, nil
	case EventError:
		var p ErrorFrame
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			return false, &ProtocolError{Event: f.Event, Err: err}
		}
		return false, &AgentError{Message: p.Error}
	default:
		c.logger.Debug("ignoring unknown stream event", "event", f.Event)
	}
	return false, nil
}

// turnError maps a deadline hit by the turn's own timer to ErrTurnTimeout;
// cancellation by the caller is passed through.
func (c *AgentClient) turnError(parent, turn context.Context, err error) error {
	if parent.Err() == nil && errors.Is(turn.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTurnTimeout, c.turnTimeout)
	}
	return err
}

func turnOutcome(res *TurnResult, err error) string {
	var agentErr *AgentError
	switch {
	case err == nil && res != nil && res.Complete.RequiresApproval:
		return "approval_requested"
	case err == nil:
		return "complete"
	case errors.Is(err, ErrTurnTimeout):
		return "timeout"
	case errors.Is(err, ErrStreamEnded):
		return "ended_early"
	case errors.As(err, &agentErr):
		return "agent_error"
	}
	return "error"
}

// Health probes {agentURL}/health with retries on transient failures and
// reports the liveness status it implies.
func (c *AgentClient) Health(ctx context.Context, agentURL string) (domain.LivenessStatus, error) {
	url := strings.TrimRight(agentURL, "/") + "/health"
	resp, err := doWithRetry(ctx, c.plain, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, c.logger)
	if err != nil {
		return domain.LivenessCritical, err
	}
	defer resp.Body.Close()

	var payload struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if payload.Status == string(domain.LivenessWarning) {
			return domain.LivenessWarning, nil
		}
		return domain.LivenessHealthy, nil
	default:
		return domain.LivenessWarning, fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
}
