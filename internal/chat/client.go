package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/pulse-chat/internal/config"
	"github.com/rcourtman/pulse-chat/internal/stream"
)

// Mention is a resource the user explicitly tagged via @ mention. The caller
// resolves these up front so the backend doesn't re-derive resource identity
// from the prompt text.
type Mention struct {
	ID   string `json:"id"`             // e.g. "lxc:delly:123", "docker:host:container"
	Name string `json:"name"`           // display name
	Type string `json:"type"`           // "vm", "lxc", "container", "docker", "node", "host"
	Node string `json:"node,omitempty"` // Proxmox node or parent host
}

// ChatRequest is the body of one streaming chat call. Immutable once sent.
type ChatRequest struct {
	Prompt    string    `json:"prompt"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Mentions  []Mention `json:"mentions,omitempty"`
	FindingID string    `json:"finding_id,omitempty"`
}

// Handler receives each decoded event synchronously, in arrival order.
type Handler func(stream.Event)

// TransportError reports a request that failed to establish: non-2xx status,
// connection refused, DNS failure. It is returned before any events are
// dispatched.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat request failed (%d): %s", e.StatusCode, e.Message)
	}
	return "chat request failed: " + e.Message
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the Pulse assistant streaming endpoint.
type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	idleTimeout time.Duration
	capture     func(io.Reader)
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.PulseURL, "/"),
		token:   cfg.APIToken,
		client: &http.Client{
			// No timeout — streaming responses can be long-lived
			Timeout: 0,
		},
		idleTimeout: cfg.IdleTimeout,
	}
}

// SetCapture registers a background consumer for the raw SSE bytes of each
// stream. The consumer runs on its own goroutine and sees EOF when the
// stream ends.
func (c *Client) SetCapture(fn func(io.Reader)) {
	c.capture = fn
}

// StreamChat issues one streaming chat request and dispatches decoded events
// to handler until the stream ends. The handler sees zero or more
// non-terminal events followed by exactly one terminal event ("done" or
// "error"); if the call fails before a response is received it returns a
// *TransportError and the handler is never called. On external cancellation
// the loop stops without a synthetic "done" (the caller initiated the stop)
// and ctx.Err() is returned.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, handler Handler) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai/chat", bytes.NewReader(body))
	if err != nil {
		return &TransportError{Message: "create chat request: " + err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("X-API-Token", c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &TransportError{Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		if msg == "" {
			msg = "unexpected status " + resp.Status
		}
		return &TransportError{StatusCode: resp.StatusCode, Message: msg}
	}

	return c.newRun(resp.Body, handler).consume(ctx)
}

// readErrorBody derives an error message from a non-2xx response body.
func readErrorBody(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
