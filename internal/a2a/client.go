package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
)

// DefaultTimeout bounds a single A2A round trip when the caller's context
// carries no deadline (spec §4.6).
const DefaultTimeout = 30 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests use this to
// point at an httptest.Server).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken sets the Authorization header on every request.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// Client is an HTTP client for one external A2A agent, constructed from a
// validated AgentCard (spec §4.6).
type Client struct {
	card       *AgentCard
	baseURL    string
	httpClient *http.Client
	authToken  string
	reqID      int64
	skipSafety bool
}

// skipSafetyCheck disables the private/loopback rejection in NewClient. It
// is unexported and exists only so this package's own tests can point a
// Client at an httptest.Server, which always binds a loopback address; no
// production caller can reach it.
func skipSafetyCheck() ClientOption {
	return func(c *Client) { c.skipSafety = true }
}

// NewClient validates card's url against the private/loopback safety rule
// and constructs a Client bound to it.
func NewClient(card *AgentCard, opts ...ClientOption) (*Client, error) {
	if card.URL == "" {
		return nil, apperr.New(apperr.KindValidation, "agent card has no URL configured")
	}

	c := &Client{
		card:       card,
		baseURL:    strings.TrimRight(card.URL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.skipSafety {
		if err := rejectPrivateOrLoopback(card.URL); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) nextID() int64 {
	return atomic.AddInt64(&c.reqID, 1)
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// rpcCall performs a JSON-RPC 2.0 POST against the agent's /a2a endpoint.
// A timed-out or canceled ctx surfaces as apperr.KindTimeout; a malformed
// response body surfaces with message "Invalid JSON" (spec §4.6).
func (c *Client) rpcCall(ctx context.Context, method string, params, result any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("a2a: marshal params: %w", err)
	}

	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		return fmt.Errorf("a2a: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/a2a", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("a2a: %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.New(apperr.KindTimeout, fmt.Sprintf("a2a %s timed out", method))
		}
		return apperr.Wrap(apperr.KindUpstreamError, fmt.Sprintf("a2a %s request failed", method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.KindUpstreamError, fmt.Sprintf("a2a %s: status %d", method, resp.StatusCode))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return apperr.Wrap(apperr.KindUpstreamError, "Invalid JSON", err)
	}
	if rpcResp.Error != nil {
		return apperr.Upstream(rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return apperr.Wrap(apperr.KindUpstreamError, "Invalid JSON", err)
		}
	}
	return nil
}

// SendMessage sends a message/send request and returns the resulting task.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (*Task, error) {
	var task Task
	if err := c.rpcCall(ctx, MethodSendMessage, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.rpcCall(ctx, MethodGetTask, GetTaskParams{ID: taskID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a task by id.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.rpcCall(ctx, MethodCancelTask, CancelTaskParams{ID: taskID}, nil)
}

// ListTasks lists tasks, optionally scoped to a session.
func (c *Client) ListTasks(ctx context.Context, params ListTasksParams) ([]Task, error) {
	var result ListTasksResult
	if err := c.rpcCall(ctx, MethodListTasks, params, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// FetchAgentCard retrieves and validates the agent card hosted at baseURL's
// /.well-known/agent.json, rejecting private/loopback urls before the
// caller ever constructs a Client from it.
func FetchAgentCard(ctx context.Context, hc *http.Client, baseURL string) (*AgentCard, error) {
	return fetchAgentCard(ctx, hc, baseURL, false)
}

func fetchAgentCard(ctx context.Context, hc *http.Client, baseURL string, skipSafety bool) (*AgentCard, error) {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, fmt.Errorf("a2a: building discovery request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.KindTimeout, "agent card discovery timed out")
		}
		return nil, apperr.Wrap(apperr.KindUpstreamError, "fetching agent card", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindUpstreamError, fmt.Sprintf("agent card discovery: status %d", resp.StatusCode))
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamError, "Invalid JSON", err)
	}
	if card.URL == "" {
		card.URL = baseURL
	}
	if !skipSafety {
		if err := rejectPrivateOrLoopback(card.URL); err != nil {
			return nil, err
		}
	}
	return &card, nil
}
