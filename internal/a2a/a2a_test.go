package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/target"
)

func TestNewClientRejectsLoopbackURL(t *testing.T) {
	_, err := NewClient(&AgentCard{Name: "evil", URL: "http://127.0.0.1:9999"})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestNewClientRejectsLocalhostURL(t *testing.T) {
	_, err := NewClient(&AgentCard{Name: "evil", URL: "http://localhost:9999"})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestNewClientRejectsMissingURL(t *testing.T) {
	_, err := NewClient(&AgentCard{Name: "no-url"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		task := Task{ID: "task-1", Status: TaskStatus{State: "completed"}}
		taskJSON, _ := json.Marshal(task)
		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: taskJSON}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(&AgentCard{Name: "test-agent", URL: srv.URL}, WithHTTPClient(srv.Client()), skipSafetyCheck())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	msg, _ := json.Marshal(map[string]string{"text": "hi"})
	task, err := client.SendMessage(context.Background(), SendMessageParams{Message: msg})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if task.ID != "task-1" || task.Status.State != "completed" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestRpcCallSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := JSONRPCResponse{JSONRPC: "2.0", Error: &JSONRPCError{Code: -32001, Message: "task not found"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(&AgentCard{Name: "test-agent", URL: srv.URL}, WithHTTPClient(srv.Client()), skipSafetyCheck())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.GetTask(context.Background(), "missing")
	if !apperr.Is(err, apperr.KindUpstreamError) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestRpcCallInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client, err := NewClient(&AgentCard{Name: "test-agent", URL: srv.URL}, WithHTTPClient(srv.Client()), skipSafetyCheck())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.GetTask(context.Background(), "x")
	if err == nil {
		t.Fatalf("expected error for invalid JSON response")
	}
}

func TestRpcCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(&AgentCard{Name: "slow-agent", URL: srv.URL}, WithHTTPClient(srv.Client()), skipSafetyCheck())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.GetTask(ctx, "x")
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func newTestCache(t *testing.T) (*Cache, *target.Registry) {
	t.Helper()
	es, err := eventstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	reg := target.New(es.DB)
	return NewCache(es.DB, reg), reg
}

func TestCreateClientCachesCardAcrossCalls(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(AgentCard{Name: "cached-agent", URL: r.Host})
	}))
	defer srv.Close()

	cache, reg := newTestCache(t)
	cache.http = srv.Client()
	cache.skipSafety = true

	cfg, _ := json.Marshal(map[string]any{"url": srv.URL, "ttl_seconds": 3600})
	_, err := reg.Create(target.Target{ID: "agent-1", Type: target.TypeRPCHTTP, Protocol: target.ProtocolA2A, Enabled: true, Config: cfg})
	if err != nil {
		t.Fatalf("Create target: %v", err)
	}

	if _, err := cache.CreateClient(context.Background(), "agent-1"); err != nil {
		t.Fatalf("first CreateClient: %v", err)
	}
	if _, err := cache.CreateClient(context.Background(), "agent-1"); err != nil {
		t.Fatalf("second CreateClient: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", fetches)
	}
}

func TestCreateClientDisabledTargetFails(t *testing.T) {
	cache, reg := newTestCache(t)
	cfg, _ := json.Marshal(map[string]any{"url": "http://example.com"})
	_, err := reg.Create(target.Target{ID: "agent-1", Type: target.TypeRPCHTTP, Protocol: target.ProtocolA2A, Enabled: false, Config: cfg})
	if err != nil {
		t.Fatalf("Create target: %v", err)
	}

	_, err = cache.CreateClient(context.Background(), "agent-1")
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden error for disabled target, got %v", err)
	}
}

func TestCreateClientNoURLConfiguredFails(t *testing.T) {
	cache, reg := newTestCache(t)
	_, err := reg.Create(target.Target{ID: "agent-1", Type: target.TypeRPCHTTP, Protocol: target.ProtocolA2A, Enabled: true})
	if err != nil {
		t.Fatalf("Create target: %v", err)
	}

	_, err = cache.CreateClient(context.Background(), "agent-1")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing URL, got %v", err)
	}
}

func TestCreateClientUnknownTargetFails(t *testing.T) {
	cache, _ := newTestCache(t)
	_, err := cache.CreateClient(context.Background(), "nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found error, got %v", err)
	}
}
