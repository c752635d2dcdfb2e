// Package tooladapter implements the tool adapter (C7): a one-shot
// connect -> initialize -> list/call -> close flow against a single MCP
// connector, with every framed message persisted to the event store
// (spec §4.7).
package tooladapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/mcpproto"
	"github.com/HyphaGroup/oubliette/internal/secrets"
	"github.com/HyphaGroup/oubliette/internal/target"
	"github.com/HyphaGroup/oubliette/internal/transport"
)

// ProtocolVersion is the MCP protocol version this adapter negotiates
// during initialize (spec §4.7).
const ProtocolVersion = "2024-11-05"

// ClientName/ClientVersion identify this gateway to upstream connectors
// during the initialize handshake.
const (
	ClientName    = "oubliette-gateway"
	ClientVersion = "1.0.0"
)

// Tool is one entry of a connector's tools/list response.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Adapter runs one-shot MCP sessions against stdio connectors, recording
// every framed message and the session's lifecycle to the event store.
type Adapter struct {
	events    *eventstore.DB
	secrets   *secrets.Resolver
	configDir string
}

// New wraps the shared event store. Connector env values pass through
// unresolved until UseSecrets is called.
func New(events *eventstore.DB) *Adapter {
	return &Adapter{events: events}
}

// UseSecrets enables env resolution through resolver before every connector
// spawn (spec §4.4). configDir is passed through to backends that need it
// to locate connector-relative secret material.
func (a *Adapter) UseSecrets(resolver *secrets.Resolver, configDir string) {
	a.secrets = resolver
	a.configDir = configDir
}

// connectorSpec extracts the process-spawn parameters from a target's
// stored config.
type connectorSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Sandbox string            `json:"sandbox,omitempty"`
	Image   string            `json:"image,omitempty"`
}

func specFromTarget(tgt *target.Target) (connectorSpec, error) {
	if tgt.Type != target.TypeStdio {
		return connectorSpec{}, apperr.New(apperr.KindValidation, fmt.Sprintf("target %q is not a stdio connector", tgt.ID))
	}
	var cfg struct {
		Transport connectorSpec `json:"transport"`
	}
	if err := json.Unmarshal(tgt.Config, &cfg); err != nil {
		return connectorSpec{}, fmt.Errorf("decoding target config for %s: %w", tgt.ID, err)
	}
	if cfg.Transport.Command == "" {
		return connectorSpec{}, apperr.New(apperr.KindValidation, fmt.Sprintf("target %q has no command configured", tgt.ID))
	}
	return cfg.Transport, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// session wraps one open stdio connection together with its recorded
// event-store session row, guaranteeing close on every return path.
type session struct {
	adapter *Adapter
	sess    *eventstore.Session
	conn    *transport.Stdio
	seq     int64
}

// open spawns the connector, performs the initialize handshake, and
// records a new session. The caller MUST call close() exactly once,
// typically via defer, on every return path including panics.
func (a *Adapter) open(ctx context.Context, tgt *target.Target, actor *eventstore.Actor) (*session, error) {
	spec, err := specFromTarget(tgt)
	if err != nil {
		return nil, err
	}

	sess, err := a.events.CreateSession(tgt.ID, actor)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", tgt.ID, err)
	}

	s := &session{adapter: a, sess: sess}

	onMsg := func(m transport.Message) {
		s.seq++
		seq := s.seq
		direction := eventstore.DirClientToServer
		kind := eventstore.KindRequest
		if m.Direction == transport.DirIn {
			direction = eventstore.DirServerToClient
			kind = eventstore.KindResponse
		}
		if m.Method != "" && len(m.ID) == 0 {
			kind = eventstore.KindNotification
		}
		hash := mcpproto.PayloadHash(m.Raw)
		protocol := "mcp"
		raw := m.Raw
		_, _ = a.events.SaveEvent(sess.SessionID, direction, kind, eventstore.SaveEventInput{
			RawJSON:     &raw,
			Seq:         &seq,
			PayloadHash: &hash,
			Protocol:    &protocol,
		})
	}

	var env []string
	if len(spec.Env) > 0 {
		if a.secrets != nil {
			result := a.secrets.ResolveEnv(spec.Env, tgt.ID, a.configDir)
			if !result.Success {
				_ = a.events.EndSession(sess.SessionID, eventstore.ExitError)
				return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("resolving secrets for %s: %s", tgt.ID, strings.Join(result.Errors, "; ")))
			}
			env = secrets.ApplyToOSEnv(os.Environ(), result.EnvResolved)
		} else {
			env = append(append([]string{}, os.Environ()...), envSlice(spec.Env)...)
		}
	}
	conn, err := transport.Connect(ctx, transport.Spec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     env,
		Cwd:     spec.Cwd,
		Sandbox: spec.Sandbox,
		Image:   spec.Image,
	}, onMsg)
	if err != nil {
		_ = a.events.EndSession(sess.SessionID, eventstore.ExitError)
		return nil, apperr.Wrap(apperr.KindInternal, "spawning connector", err)
	}
	s.conn = conn

	if err := s.handshake(ctx); err != nil {
		_ = conn.Close()
		_ = a.events.EndSession(sess.SessionID, eventstore.ExitError)
		return nil, err
	}

	return s, nil
}

func (s *session) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]string{
			"name":    ClientName,
			"version": ClientVersion,
		},
		"capabilities": map[string]any{},
	}
	if _, err := s.conn.SendRequest(ctx, "initialize", params); err != nil {
		return fmt.Errorf("mcp initialize handshake with %s: %w", s.sess.TargetID, err)
	}
	if err := s.conn.SendNotification("notifications/initialized", nil); err != nil {
		return fmt.Errorf("sending notifications/initialized to %s: %w", s.sess.TargetID, err)
	}
	return nil
}

// close terminates the connection and records the session's exit reason.
// It is safe to call multiple times.
func (s *session) close(reason eventstore.ExitReason) {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = s.adapter.events.EndSession(s.sess.SessionID, reason)
}

// ListTools opens a fresh session against tgt, lists its tools, and closes
// the connection on every return path (spec §4.7).
func (a *Adapter) ListTools(ctx context.Context, tgt *target.Target, actor *eventstore.Actor) (tools []Tool, err error) {
	s, err := a.open(ctx, tgt, actor)
	if err != nil {
		return nil, err
	}
	defer func() {
		reason := eventstore.ExitNormal
		if r := recover(); r != nil {
			reason = eventstore.ExitKilled
			s.close(reason)
			panic(r)
		}
		if err != nil {
			reason = eventstore.ExitError
		}
		s.close(reason)
	}()

	raw, err := s.conn.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamError, "decoding tools/list result", err)
	}
	return result.Tools, nil
}

// CallTool opens a fresh session against tgt, invokes name with args, and
// closes the connection on every return path (spec §4.7).
func (a *Adapter) CallTool(ctx context.Context, tgt *target.Target, actor *eventstore.Actor, name string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = json.RawMessage(args)
	}
	return a.Call(ctx, tgt, actor, "tools/call", params)
}

// Call opens a fresh session against tgt, issues a single arbitrary MCP
// request (e.g. "resources/list", "resources/read"), and closes the
// connection on every return path (spec §4.7). CallTool is a thin wrapper
// over this for the tools/call shape.
func (a *Adapter) Call(ctx context.Context, tgt *target.Target, actor *eventstore.Actor, method string, params any) (result json.RawMessage, err error) {
	s, err := a.open(ctx, tgt, actor)
	if err != nil {
		return nil, err
	}
	defer func() {
		reason := eventstore.ExitNormal
		if r := recover(); r != nil {
			reason = eventstore.ExitKilled
			s.close(reason)
			panic(r)
		}
		if err != nil {
			reason = eventstore.ExitError
		}
		s.close(reason)
	}()

	rpc, err := a.events.SaveRpc(s.sess.SessionID, method)
	if err != nil {
		return nil, err
	}

	raw, callErr := s.conn.SendRequest(ctx, method, params)
	success := callErr == nil
	var errCode *string
	if callErr != nil {
		code := apperr.KindOf(callErr)
		c := string(code)
		errCode = &c
	}
	_ = a.events.CompleteRpc(s.sess.SessionID, rpc.RpcID, success, errCode)
	if callErr != nil {
		return nil, callErr
	}
	return raw, nil
}
