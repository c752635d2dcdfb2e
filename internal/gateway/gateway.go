// Package gateway implements the HTTP front door (C10): a single
// authenticated surface in front of the proxy (C8) and the A2A client (C6),
// translating plain HTTP+JSON requests into dispatches against whichever
// connector or agent the caller names, and publishing every dispatch as an
// audit event (spec §4.10).
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HyphaGroup/oubliette/internal/a2a"
	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/audit"
	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/metrics"
	"github.com/HyphaGroup/oubliette/internal/proxy"
	"github.com/HyphaGroup/oubliette/internal/queue"
	"github.com/HyphaGroup/oubliette/internal/target"
)

// Config controls gateway behavior that isn't inferable from its
// collaborators (spec §4.10).
type Config struct {
	AuthMode     auth.Mode
	HideNotFound bool
	// StatePath points at the proxy's runtime-state.json snapshot (spec
	// §4.8). When set, /ready additionally requires the proxy's heartbeat
	// to be live, not just stale process memory.
	StatePath string
}

// Gateway wires the proxy, the A2A client cache, and the auth/audit stack
// behind a single http.Handler (spec §4.10).
type Gateway struct {
	proxy     *proxy.Proxy
	agents    *a2a.Cache
	targets   *target.Registry
	queue     *queue.Manager
	authStore *auth.Store
	events    *eventstore.DB
	cfg       Config
	audit     *audit.Logger
}

// New wires a Gateway from its already-constructed collaborators. events
// records every MCP and A2A hop to the replay log (spec §2).
func New(p *proxy.Proxy, agents *a2a.Cache, targets *target.Registry, mgr *queue.Manager, authStore *auth.Store, events *eventstore.DB, auditLogger *audit.Logger, cfg Config) *Gateway {
	if auditLogger == nil {
		auditLogger = audit.Default()
	}
	return &Gateway{proxy: p, agents: agents, targets: targets, queue: mgr, authStore: authStore, events: events, cfg: cfg, audit: auditLogger}
}

// Handler builds the gateway's full route mux, wrapped with auth and rate
// limiting the way the teacher's MCP server wraps its own endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)

	protected := http.NewServeMux()
	protected.HandleFunc("/mcp", g.handleMCP)
	protected.HandleFunc("/a2a/v1/", g.handleA2A)
	protected.HandleFunc("/events/stream", g.handleEventsStream)

	authed := auth.Middleware(g.authStore, g.cfg.AuthMode)(protected)
	rateLimited := auth.RateLimitMiddleware(auth.DefaultRateLimiter())(authed)

	mux.Handle("/mcp", metrics.Middleware(g.withRequestID(rateLimited)))
	mux.Handle("/a2a/v1/", metrics.Middleware(g.withRequestID(rateLimited)))
	mux.Handle("/events/stream", g.withRequestID(rateLimited))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady answers the gateway's readiness probe (spec §5): unlike
// /health, which only reports the process is up, /ready demands a working
// dependency -- here, at least one enabled connector registered and the
// proxy's heartbeat still ticking -- mirroring the teacher's readiness
// check pinging its container runtime, adapted to a gateway that fronts
// many independent connectors rather than one.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	enabled := true
	targets, err := g.targets.List(target.ListFilter{Enabled: &enabled})
	if err != nil || len(targets) == 0 {
		writeNotReady(w, "no enabled connectors registered")
		return
	}

	if g.cfg.StatePath != "" {
		alive, _, err := proxy.ReadLiveness(g.cfg.StatePath)
		if err != nil || !alive {
			writeNotReady(w, "proxy heartbeat unavailable")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func writeNotReady(w http.ResponseWriter, reason string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": reason})
}

// mcpRequest is the body of POST /mcp (spec §4.10).
type mcpRequest struct {
	Connector string          `json:"connector"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
}

func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", "method not allowed")
		return
	}

	var req mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if !g.authorize(w, r, auth.BuildMCPPermission(req.Method, req.Connector), req.Connector, req.Method == "tools/call", requestID) {
		return
	}

	var tgt *target.Target
	if req.Connector != "" {
		t, err := g.targets.Get(req.Connector)
		if err != nil || !t.Enabled {
			g.respondMissingTarget(w, requestID)
			return
		}
		tgt = t
	}

	result, timing, err := g.dispatchMCP(r.Context(), tgt, req)
	success := err == nil
	g.audit.LogDispatch(audit.OpMCPCall, requestID, tokenIDFromRequest(r), req.Connector, req.Method, success, err, timing.QueueWait, timing.UpstreamLatency)

	if err != nil {
		g.writeDispatchError(w, requestID, err)
		return
	}

	w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(timing.QueueWait.Milliseconds(), 10))
	w.Header().Set("X-Upstream-Latency-Ms", strconv.FormatInt(timing.UpstreamLatency.Milliseconds(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (g *Gateway) dispatchMCP(ctx context.Context, tgt *target.Target, req mcpRequest) (any, proxy.Timing, error) {
	switch req.Method {
	case "initialize":
		var p struct {
			ClientName      string `json:"client_name"`
			ProtocolVersion string `json:"protocol_version"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.ProtocolVersion == "" {
			p.ProtocolVersion = "2024-11-05"
		}
		res, err := g.proxy.Initialize(p.ClientName, p.ProtocolVersion)
		return res, proxy.Timing{}, err

	case "tools/list":
		tools, err := g.proxy.ListTools(ctx)
		if err != nil {
			return nil, proxy.Timing{}, err
		}
		if tgt == nil {
			return tools, proxy.Timing{}, nil
		}
		prefix := tgt.ID + proxy.Separator
		filtered := tools[:0]
		for _, t := range tools {
			if strings.HasPrefix(t.Name, prefix) {
				filtered = append(filtered, t)
			}
		}
		return filtered, proxy.Timing{}, nil

	case "tools/call":
		if tgt == nil {
			return nil, proxy.Timing{}, apperr.New(apperr.KindValidation, "tools/call requires a connector")
		}
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, proxy.Timing{}, apperr.Wrap(apperr.KindValidation, "invalid tools/call params", err)
		}
		namespaced := proxy.Namespace(tgt.ID, p.Name)
		result, timing, err := g.proxy.CallTool(ctx, nil, namespaced, p.Arguments)
		return result, timing, err

	case "resources/list":
		resources, err := g.proxy.ResourcesList(ctx)
		if err != nil {
			return nil, proxy.Timing{}, err
		}
		if tgt == nil {
			return resources, proxy.Timing{}, nil
		}
		return resources[tgt.ID], proxy.Timing{}, nil

	case "resources/read":
		if tgt == nil {
			return nil, proxy.Timing{}, apperr.New(apperr.KindValidation, "resources/read requires a connector")
		}
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, proxy.Timing{}, apperr.Wrap(apperr.KindValidation, "invalid resources/read params", err)
		}
		raw, timing, err := g.proxy.ResourcesRead(ctx, tgt.ID, p.URI)
		return raw, timing, err

	case "ui/initialize":
		res, err := g.proxy.UIInitialize()
		return res, proxy.Timing{}, err

	default:
		return nil, proxy.Timing{}, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// a2aRequest is the body of POST /a2a/v1/{op} (spec §4.10).
type a2aRequest struct {
	Agent  string          `json:"agent"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (g *Gateway) handleA2A(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", "method not allowed")
		return
	}

	op := strings.TrimPrefix(r.URL.Path, "/a2a/v1/")
	if op == "" {
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", "missing a2a operation")
		return
	}

	var req a2aRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	isWrite := op == "message/send" || op == "tasks/send" || op == "tasks/cancel"
	if !g.authorize(w, r, auth.BuildA2APermission(op, req.Agent), req.Agent, isWrite, requestID) {
		return
	}

	tgt, err := g.targets.Get(req.Agent)
	if err != nil || !tgt.Enabled || tgt.Protocol != target.ProtocolA2A {
		g.respondMissingTarget(w, requestID)
		return
	}

	var queueWait, upstream time.Duration
	result, err := g.queue.Enqueue(r.Context(), tgt.ID, func(ctx context.Context) (any, error) {
		return g.dispatchA2A(ctx, tgt.ID, op, req.Params)
	})
	queueWait, upstream = result.QueueWait, result.UpstreamLatency

	success := err == nil
	g.audit.LogDispatch(audit.OpA2ACall, requestID, tokenIDFromRequest(r), req.Agent, op, success, err, queueWait, upstream)

	if err != nil {
		g.writeDispatchError(w, requestID, err)
		return
	}

	w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(queueWait.Milliseconds(), 10))
	w.Header().Set("X-Upstream-Latency-Ms", strconv.FormatInt(upstream.Milliseconds(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result.Value})
}

// dispatchA2A resolves a client for targetID and performs op, already
// running inside that target's queue (spec §4.10, §4.9). Every hop opens
// and closes an event-store session around the call and records the
// request/response pair plus any task lifecycle transition, mirroring
// tooladapter.Adapter.open/onMsg/session.close for the MCP path (spec §2).
func (g *Gateway) dispatchA2A(ctx context.Context, targetID, op string, params json.RawMessage) (result any, err error) {
	sess, err := g.events.CreateSession(targetID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", targetID, err)
	}
	audit.Log(audit.Event{Operation: audit.OpSessionStart, ConnectorID: targetID, Method: op, Success: true, Details: map[string]any{"session_id": sess.SessionID}})

	defer func() {
		reason := eventstore.ExitNormal
		if r := recover(); r != nil {
			reason = eventstore.ExitKilled
			_ = g.events.EndSession(sess.SessionID, reason)
			audit.Log(audit.Event{Operation: audit.OpSessionEnd, ConnectorID: targetID, Method: op, Success: false, Details: map[string]any{"session_id": sess.SessionID, "reason": string(reason)}})
			panic(r)
		}
		if err != nil {
			reason = eventstore.ExitError
		}
		_ = g.events.EndSession(sess.SessionID, reason)
		audit.Log(audit.Event{Operation: audit.OpSessionEnd, ConnectorID: targetID, Method: op, Success: err == nil, Details: map[string]any{"session_id": sess.SessionID, "reason": string(reason)}})
	}()

	protocol := "a2a"
	var seq int64 = 1
	reqRaw := string(params)
	_, _ = g.events.SaveEvent(sess.SessionID, eventstore.DirClientToServer, eventstore.KindRequest, eventstore.SaveEventInput{
		RawJSON:  &reqRaw,
		Seq:      &seq,
		Summary:  &op,
		Protocol: &protocol,
	})

	client, err := g.agents.CreateClient(ctx, targetID)
	if err != nil {
		return nil, err
	}

	switch op {
	case "message/send", "tasks/send":
		var p a2a.SendMessageParams
		if err = json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid message/send params", err)
		}
		var task *a2a.Task
		task, err = client.SendMessage(ctx, p)
		if err == nil {
			g.recordTaskEvent(sess.SessionID, task)
		}
		result = task

	case "tasks/get":
		var p a2a.GetTaskParams
		if err = json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid tasks/get params", err)
		}
		var task *a2a.Task
		task, err = client.GetTask(ctx, p.ID)
		if err == nil {
			g.recordTaskEvent(sess.SessionID, task)
		}
		result = task

	case "tasks/cancel":
		var p a2a.CancelTaskParams
		if err = json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid tasks/cancel params", err)
		}
		if err = client.CancelTask(ctx, p.ID); err != nil {
			return nil, err
		}
		detail := "canceled via gateway dispatch"
		_, _ = g.events.SaveTaskEvent(sess.SessionID, p.ID, eventstore.TaskCanceled, &detail)
		result = map[string]bool{"canceled": true}

	case "tasks/list":
		var p a2a.ListTasksParams
		if err = json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid tasks/list params", err)
		}
		result, err = client.ListTasks(ctx, p)

	default:
		err = apperr.New(apperr.KindValidation, fmt.Sprintf("unknown a2a operation %q", op))
		return nil, err
	}

	if err != nil {
		return nil, err
	}

	respSeq := seq + 1
	respRaw, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		respStr := string(respRaw)
		_, _ = g.events.SaveEvent(sess.SessionID, eventstore.DirServerToClient, eventstore.KindResponse, eventstore.SaveEventInput{
			RawJSON:  &respStr,
			Seq:      &respSeq,
			Summary:  &op,
			Protocol: &protocol,
		})
	}
	return result, nil
}

// recordTaskEvent maps an A2A task's current status onto a task-lifecycle
// marker on the session's timeline (spec §3's TaskEvent mirrors the A2A
// task state machine).
func (g *Gateway) recordTaskEvent(sessionID string, task *a2a.Task) {
	if task == nil {
		return
	}
	var kind eventstore.TaskEventKind
	switch task.Status.State {
	case "completed":
		kind = eventstore.TaskCompleted
	case "failed", "rejected":
		kind = eventstore.TaskFailed
	case "canceled":
		kind = eventstore.TaskCanceled
	case "pending", "submitted":
		kind = eventstore.TaskCreated
	default:
		kind = eventstore.TaskUpdated
	}
	var detail *string
	if task.Status.Message != "" {
		detail = &task.Status.Message
	}
	_, _ = g.events.SaveTaskEvent(sessionID, task.ID, kind, detail)
}

// authorize layers the spec §5 scope check (admin/admin:ro/connector:<id>
// [:ro]) underneath the existing permission-string matching: a token must
// clear both to proceed. connectorID is "" for connector-agnostic calls
// (e.g. initialize), in which case the scope's reach restriction doesn't
// apply; write marks an operation that mutates state, rejected outright for
// a read-only scope.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, permission, connectorID string, write bool, requestID string) bool {
	if g.cfg.AuthMode == auth.ModeNone {
		return true
	}
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || authCtx.Type != auth.AuthTypeToken || authCtx.Token == nil {
		writeError(w, requestID, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return false
	}
	token := authCtx.Token
	if !auth.AnyPermissionMatches(token.Permissions, permission) {
		writeError(w, requestID, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("token lacks permission %q", permission))
		return false
	}
	if connectorID != "" && !auth.ScopeAllowsConnector(token.Scope, connectorID) {
		writeError(w, requestID, http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("token scope does not reach connector %q", connectorID))
		return false
	}
	if write && !auth.ScopeAllowsWrite(token.Scope) {
		writeError(w, requestID, http.StatusForbidden, "FORBIDDEN", "token scope is read-only")
		return false
	}
	return true
}

// respondMissingTarget implements the hide-not-found security mode (spec
// §4.10): an unknown or disabled target is reported as 403 when configured,
// making it indistinguishable from a permission denial.
func (g *Gateway) respondMissingTarget(w http.ResponseWriter, requestID string) {
	if g.cfg.HideNotFound {
		writeError(w, requestID, http.StatusForbidden, "FORBIDDEN", "target not accessible")
		return
	}
	writeError(w, requestID, http.StatusNotFound, "NOT_FOUND", "unknown or disabled target")
}

// writeDispatchError maps a dispatch error to an HTTP status per the
// gateway's error table (spec §4.10).
func (g *Gateway) writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		switch ae.Kind {
		case apperr.KindUpstreamError:
			writeUpstreamError(w, requestID, ae)
			return
		case apperr.KindNotFound, apperr.KindForbidden:
			g.respondMissingTarget(w, requestID)
			return
		case apperr.KindQueueFull:
			writeError(w, requestID, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", ae.Message)
			return
		case apperr.KindTimeout, apperr.KindCanceled:
			writeError(w, requestID, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", ae.Message)
			return
		case apperr.KindValidation:
			writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", ae.Message)
			return
		}
	}
	writeError(w, requestID, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// writeUpstreamError maps a JSON-RPC error code surfaced by an upstream
// connector onto an HTTP status (spec §4.10's error mapping table).
func writeUpstreamError(w http.ResponseWriter, requestID string, ae *apperr.Error) {
	switch {
	case ae.Code == -32700:
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", ae.Message)
	case ae.Code <= -32600 && ae.Code >= -32603:
		writeError(w, requestID, http.StatusBadGateway, "BAD_GATEWAY", ae.Message)
	default:
		writeError(w, requestID, http.StatusBadRequest, "BAD_REQUEST", ae.Message)
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message, "request_id": requestID},
	})
}

func (g *Gateway) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, requestIDFrom(r.Context()), http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := g.audit.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func tokenIDFromRequest(r *http.Request) string {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || authCtx.Token == nil {
		return ""
	}
	return authCtx.Token.ID
}
