package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/tether/internal/protocol"
)

const (
	// DefaultTimeout bounds every request when the caller does not configure one.
	DefaultTimeout = 10 * time.Second

	// maxBodyBytes caps how much of any response is read.
	maxBodyBytes = 16 << 20

	// RequestIDHeader carries a per-call correlation id.
	RequestIDHeader = "X-Request-ID"
)

// Endpoint paths on the coordination service.
const (
	PathRegister  = "/api/agents/register"
	PathSubscribe = "/api/agents/subscribe"
	PathPending   = "/api/messages/pending"
)

// InterestPath returns the interest endpoint for a message.
func InterestPath(messageID string) string {
	return "/api/messages/" + url.PathEscape(messageID) + "/interest"
}

// ResultPath returns the result endpoint for a message.
func ResultPath(messageID string) string {
	return "/api/messages/" + url.PathEscape(messageID) + "/process"
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through a copy of hc, keeping its Transport,
// Jar and redirect policy. The copy takes the client's timeout; hc itself is
// left untouched. A nil hc is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc == nil {
			return
		}
		cp := *hc
		c.http = &cp
	}
}

// WithUserAgent sets the User-Agent header sent on every call.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client talks to the coordination service. It never returns errors:
// every failure is folded into an Outcome. It performs no retries.
type Client struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	http      *http.Client
}

// New creates a Client for baseURL. A non-positive timeout means DefaultTimeout.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse core url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("core url must be http or https (got %q)", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("core url has no host: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		baseURL:   strings.TrimRight(u.String(), "/"),
		timeout:   timeout,
		userAgent: "tether",
		http:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Timeout = timeout
	return c, nil
}

// BaseURL returns the normalised coordination service URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Register announces the agent as running.
func (c *Client) Register(ctx context.Context, id protocol.Identity) Outcome {
	return c.post(ctx, PathRegister, protocol.RegisterRequest{
		AgentID:     id.AgentID,
		Name:        id.Name,
		ContainerID: id.ContainerID,
		Status:      protocol.StatusRunning,
	}, false)
}

// FetchPending returns the raw records waiting for agentID. An empty batch is a
// successful outcome. A 200 whose body is not a JSON array is a failure.
func (c *Client) FetchPending(ctx context.Context, agentID string) ([]json.RawMessage, Outcome) {
	q := url.Values{}
	q.Set("agent_id", agentID)

	out := c.do(ctx, http.MethodGet, PathPending+"?"+q.Encode(), nil, false)
	if !out.OK() {
		return nil, out
	}

	batch, err := protocol.DecodeBatch(out.Body)
	if err != nil {
		return nil, failed(out.Code, out.Body, err)
	}
	return batch, out
}

// Subscribe asks for push delivery of events to callbackURL.
// A 404 yields StatusNotImplemented rather than StatusFailed.
func (c *Client) Subscribe(ctx context.Context, id protocol.Identity, events []string, callbackURL string) Outcome {
	return c.post(ctx, PathSubscribe, protocol.SubscribeRequest{
		AgentID:     id.AgentID,
		Name:        id.Name,
		Events:      events,
		CallbackURL: callbackURL,
	}, true)
}

// SubmitInterest posts the agent's score for a message.
func (c *Client) SubmitInterest(ctx context.Context, messageID, agentID, name string, score float64) Outcome {
	return c.post(ctx, InterestPath(messageID), protocol.InterestRequest{
		AgentID: agentID,
		Name:    name,
		Score:   score,
	}, false)
}

// SubmitResult posts the agent's processing result for a message.
func (c *Client) SubmitResult(ctx context.Context, messageID, agentID string, result any) Outcome {
	return c.post(ctx, ResultPath(messageID), protocol.ResultRequest{
		AgentID: agentID,
		Result:  result,
	}, false)
}

func (c *Client) post(ctx context.Context, path string, body any, allowNotImplemented bool) Outcome {
	payload, err := json.Marshal(body)
	if err != nil {
		return failed(0, nil, fmt.Errorf("encode request: %w", err))
	}
	return c.do(ctx, http.MethodPost, path, payload, allowNotImplemented)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, allowNotImplemented bool) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return failed(0, nil, fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return failed(0, nil, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed(resp.StatusCode, nil, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return ok(resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusNotFound && allowNotImplemented:
		return Outcome{Status: StatusNotImplemented, Code: resp.StatusCode, Body: truncate(respBody)}
	default:
		return failed(resp.StatusCode, respBody, nil)
	}
}
