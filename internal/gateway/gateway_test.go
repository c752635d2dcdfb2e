package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/HyphaGroup/oubliette/internal/a2a"
	"github.com/HyphaGroup/oubliette/internal/audit"
	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/proxy"
	"github.com/HyphaGroup/oubliette/internal/queue"
	"github.com/HyphaGroup/oubliette/internal/target"
	"github.com/HyphaGroup/oubliette/internal/tooladapter"
)

const echoConnectorScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}\n' "$id"
      ;;
    tools/list)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' "$id"
      ;;
    tools/call)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"ok"}]}}\n' "$id"
      ;;
  esac
done
`

type testHarness struct {
	gw        *Gateway
	targets   *target.Registry
	authStore *auth.Store
}

func newTestHarness(t *testing.T, mode auth.Mode, hideNotFound bool) *testHarness {
	t.Helper()
	es, err := eventstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	reg := target.New(es.DB)
	adapter := tooladapter.New(es)
	mgr := queue.NewManager(8)
	statePath := filepath.Join(t.TempDir(), "proxy-runtime-state.json")
	p := proxy.New(reg, adapter, mgr, statePath)
	cache := a2a.NewCache(es.DB, reg)

	authStore, err := auth.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("auth.NewStore: %v", err)
	}
	t.Cleanup(func() { _ = authStore.Close() })

	gw := New(p, cache, reg, mgr, authStore, es, audit.New(false), Config{AuthMode: mode, HideNotFound: hideNotFound})
	return &testHarness{gw: gw, targets: reg, authStore: authStore}
}

func (h *testHarness) makeConnector(t *testing.T, id, script string) {
	t.Helper()
	cfg, _ := json.Marshal(map[string]any{
		"transport": map[string]any{"command": "sh", "args": []string{"-c", script}},
	})
	_, err := h.targets.Create(target.Target{
		ID: id, Type: target.TypeStdio, Protocol: target.ProtocolMCP, Enabled: true, Config: cfg,
	})
	if err != nil {
		t.Fatalf("creating connector %s: %v", id, err)
	}
}

func doRequest(h *testHarness, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthBypassesAuth(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	rec := doRequest(h, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
}

func TestMCPRequiresBearerTokenWhenModeIsBearer(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{Method: "tools/list"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMCPAllowsAllWhenModeIsNone(t *testing.T) {
	h := newTestHarness(t, auth.ModeNone, false)
	h.makeConnector(t, "alpha", echoConnectorScript)

	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{Method: "tools/list"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 in none mode, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMCPRejectsTokenWithoutPermission(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	h.makeConnector(t, "alpha", echoConnectorScript)
	_, plaintext, err := h.authStore.CreateToken("scoped", []string{"mcp:tools:list"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	args, _ := json.Marshal(map[string]string{"text": "hi"})
	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{
		Connector: "alpha",
		Method:    "tools/call",
		Params:    mustJSON(map[string]any{"name": "echo", "arguments": json.RawMessage(args)}),
	}, plaintext)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a token lacking tools/call permission, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMCPCallToolDispatchesAndSetsTimingHeaders(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	h.makeConnector(t, "alpha", echoConnectorScript)
	_, plaintext, err := h.authStore.CreateToken("full-access", []string{"*"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	args, _ := json.Marshal(map[string]string{"text": "hi"})
	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{
		Connector: "alpha",
		Method:    "tools/call",
		Params:    mustJSON(map[string]any{"name": "echo", "arguments": json.RawMessage(args)}),
	}, plaintext)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Upstream-Latency-Ms") == "" {
		t.Fatalf("expected X-Upstream-Latency-Ms header to be set")
	}
	if rec.Header().Get("X-Queue-Wait-Ms") == "" {
		t.Fatalf("expected X-Queue-Wait-Ms header to be set")
	}
}

func TestMCPUnknownConnectorHidesAsForbiddenWhenConfigured(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, true)
	_, plaintext, err := h.authStore.CreateToken("full-access", []string{"*"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{
		Connector: "missing",
		Method:    "tools/call",
		Params:    mustJSON(map[string]any{"name": "echo"}),
	}, plaintext)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 under hide-not-found mode, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMCPUnknownConnectorReturns404WhenNotHidden(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	_, plaintext, err := h.authStore.CreateToken("full-access", []string{"*"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	rec := doRequest(h, http.MethodPost, "/mcp", mcpRequest{
		Connector: "missing",
		Method:    "tools/call",
		Params:    mustJSON(map[string]any{"name": "echo"}),
	}, plaintext)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without hide-not-found, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestA2AUnknownAgentHidesAsForbiddenWhenConfigured(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, true)
	_, plaintext, err := h.authStore.CreateToken("full-access", []string{"*"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	rec := doRequest(h, http.MethodPost, "/a2a/v1/tasks/get", a2aRequest{
		Agent:  "missing-agent",
		Params: mustJSON(map[string]string{"id": "task-1"}),
	}, plaintext)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 under hide-not-found mode, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestA2ARejectsTokenWithoutPermission(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	_, plaintext, err := h.authStore.CreateToken("scoped", []string{"mcp:*"}, auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	rec := doRequest(h, http.MethodPost, "/a2a/v1/tasks/get", a2aRequest{
		Agent:  "some-agent",
		Params: mustJSON(map[string]string{"id": "task-1"}),
	}, plaintext)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a token without a2a permission, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsStreamRequiresAuth(t *testing.T) {
	h := newTestHarness(t, auth.ModeBearer, false)
	rec := doRequest(h, http.MethodGet, "/events/stream", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
