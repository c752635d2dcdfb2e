// Package proxy implements the aggregating proxy (C8): a single JSON-RPC
// endpoint exposing the union of tools published by every enabled MCP
// connector, namespaced by connector id so callers can address a specific
// upstream unambiguously (spec §4.8).
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/queue"
	"github.com/HyphaGroup/oubliette/internal/target"
	"github.com/HyphaGroup/oubliette/internal/tooladapter"
)

// ServerName/ServerVersion are reported to clients from initialize.
const (
	ServerName    = "oubliette-proxy"
	ServerVersion = "1.0.0"
)

// Proxy fans out MCP requests across every enabled stdio connector,
// delegating each upstream call through a connector's queue (C9) to the
// tool adapter (C7), and maintains the on-disk liveness snapshot consumed
// by external health checks (spec §4.8).
type Proxy struct {
	targets *target.Registry
	tools   *tooladapter.Adapter
	queue   *queue.Manager
	state   *stateWriter
}

// New wires a Proxy from its already-constructed collaborators.
func New(targets *target.Registry, tools *tooladapter.Adapter, mgr *queue.Manager, statePath string) *Proxy {
	return &Proxy{targets: targets, tools: tools, queue: mgr, state: newStateWriter(statePath)}
}

// Start marks the proxy RUNNING and persists the initial runtime state
// snapshot (spec §4.8).
func (p *Proxy) Start() error {
	return p.state.start()
}

// Stop marks the proxy STOPPED.
func (p *Proxy) Stop() error {
	return p.state.stop()
}

// Heartbeat refreshes the runtime state file's heartbeat timestamp; callers
// run this on a timer (cmd/gateway uses every 5s) so liveness readers can distinguish a
// live proxy from a stuck or crashed one (spec §4.8).
func (p *Proxy) Heartbeat() error {
	return p.state.heartbeat()
}

// InitializeResult is returned from the proxy's initialize method.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      map[string]any `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Initialize records the calling client in runtime state and returns the
// proxy's capabilities (spec §4.8: "returns capabilities {tools:{}}").
func (p *Proxy) Initialize(clientName, protocolVersion string) (*InitializeResult, error) {
	if err := p.state.recordClient(clientName, protocolVersion); err != nil {
		logger.Error("recording client %s in runtime state: %v", clientName, err)
	}
	return &InitializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo: map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
		Capabilities: map[string]any{"tools": map[string]any{}},
	}, nil
}

// ListTools concurrently lists tools from every enabled MCP connector and
// returns their union, namespaced by connector id. An unreachable or
// erroring connector is logged and omitted rather than failing the whole
// call (spec §4.8: "partial failure is success").
func (p *Proxy) ListTools(ctx context.Context) ([]*mcp_sdk.Tool, error) {
	enabled := true
	targets, err := p.targets.List(target.ListFilter{Enabled: &enabled})
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	type partial struct {
		connector string
		tools     []tooladapter.Tool
	}

	var wg sync.WaitGroup
	results := make([]partial, len(targets))
	summaries := make([]ConnectorSummary, 0, len(targets))
	var summariesMu sync.Mutex

	for i, tgt := range targets {
		if tgt.Protocol != target.ProtocolMCP {
			continue
		}
		wg.Add(1)
		go func(i int, tgt *target.Target) {
			defer wg.Done()
			res, err := p.queue.Enqueue(ctx, tgt.ID, func(ctx context.Context) (any, error) {
				return p.tools.ListTools(ctx, tgt, nil)
			})
			if err != nil {
				logger.Error("listing tools for connector %s: %v", tgt.ID, err)
				summariesMu.Lock()
				summaries = append(summaries, ConnectorSummary{ID: tgt.ID, Enabled: tgt.Enabled, Tools: 0})
				summariesMu.Unlock()
				return
			}
			tools, _ := res.Value.([]tooladapter.Tool)
			results[i] = partial{connector: tgt.ID, tools: tools}
			summariesMu.Lock()
			summaries = append(summaries, ConnectorSummary{ID: tgt.ID, Enabled: tgt.Enabled, Tools: len(tools)})
			summariesMu.Unlock()
		}(i, tgt)
	}
	wg.Wait()

	if err := p.state.setConnectors(summaries); err != nil {
		logger.Error("recording connector summaries in runtime state: %v", err)
	}

	var out []*mcp_sdk.Tool
	for _, r := range results {
		for _, t := range r.tools {
			out = append(out, &mcp_sdk.Tool{
				Name:        Namespace(r.connector, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out, nil
}

// Timing reports how long a dispatched call spent waiting in its
// connector's queue versus executing against the upstream, surfaced by the
// gateway as X-Queue-Wait-Ms / X-Upstream-Latency-Ms (spec §4.10).
type Timing struct {
	QueueWait       time.Duration
	UpstreamLatency time.Duration
}

// CallTool resolves a namespaced tool name to its connector, refuses
// unknown or disabled connectors, strips the namespace, and delegates to
// the tool adapter through that connector's queue (spec §4.8).
func (p *Proxy) CallTool(ctx context.Context, actor *eventstore.Actor, namespacedName string, args json.RawMessage) (*mcp_sdk.CallToolResult, Timing, error) {
	connectorID, toolName, ok := SplitNamespaced(namespacedName)
	if !ok {
		return nil, Timing{}, apperr.New(apperr.KindValidation, fmt.Sprintf("tool name %q is not namespaced as <connector>__<tool>", namespacedName))
	}

	tgt, err := p.targets.Get(connectorID)
	if err != nil {
		return nil, Timing{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("unknown connector %q", connectorID))
	}
	if !tgt.Enabled {
		return nil, Timing{}, apperr.New(apperr.KindForbidden, fmt.Sprintf("connector %q is disabled", connectorID))
	}
	if tgt.Protocol != target.ProtocolMCP {
		return nil, Timing{}, apperr.New(apperr.KindValidation, fmt.Sprintf("connector %q is not an MCP connector", connectorID))
	}

	res, err := p.queue.Enqueue(ctx, tgt.ID, func(ctx context.Context) (any, error) {
		return p.tools.CallTool(ctx, tgt, actor, toolName, args)
	})
	timing := Timing{QueueWait: res.QueueWait, UpstreamLatency: res.UpstreamLatency}
	if err != nil {
		return nil, timing, err
	}

	raw, _ := res.Value.(json.RawMessage)
	result, err := decodeCallToolResult(raw)
	return result, timing, err
}

// decodeCallToolResult parses an upstream tools/call JSON-RPC result into
// the SDK's CallToolResult vocabulary, falling back to a single text block
// when the upstream didn't use the standard content-array shape.
func decodeCallToolResult(raw json.RawMessage) (*mcp_sdk.CallToolResult, error) {
	var shaped struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil && len(shaped.Content) > 0 {
		content := make([]mcp_sdk.Content, 0, len(shaped.Content))
		for _, c := range shaped.Content {
			content = append(content, &mcp_sdk.TextContent{Text: c.Text})
		}
		return &mcp_sdk.CallToolResult{Content: content, IsError: shaped.IsError}, nil
	}
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: string(raw)}},
	}, nil
}

// ResourcesList fans out "resources/list" across every enabled MCP
// connector (spec §4.8: "resources/list, resources/read — analogous").
func (p *Proxy) ResourcesList(ctx context.Context) (map[string]json.RawMessage, error) {
	enabled := true
	targets, err := p.targets.List(target.ListFilter{Enabled: &enabled})
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	out := make(map[string]json.RawMessage)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tgt := range targets {
		if tgt.Protocol != target.ProtocolMCP {
			continue
		}
		wg.Add(1)
		go func(tgt *target.Target) {
			defer wg.Done()
			res, err := p.queue.Enqueue(ctx, tgt.ID, func(ctx context.Context) (any, error) {
				return p.tools.Call(ctx, tgt, nil, "resources/list", nil)
			})
			if err != nil {
				logger.Error("listing resources for connector %s: %v", tgt.ID, err)
				return
			}
			raw, _ := res.Value.(json.RawMessage)
			mu.Lock()
			out[tgt.ID] = raw
			mu.Unlock()
		}(tgt)
	}
	wg.Wait()
	return out, nil
}

// ResourcesRead reads a single resource by uri from connectorID.
func (p *Proxy) ResourcesRead(ctx context.Context, connectorID, uri string) (json.RawMessage, Timing, error) {
	tgt, err := p.targets.Get(connectorID)
	if err != nil {
		return nil, Timing{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("unknown connector %q", connectorID))
	}
	if !tgt.Enabled {
		return nil, Timing{}, apperr.New(apperr.KindForbidden, fmt.Sprintf("connector %q is disabled", connectorID))
	}

	res, err := p.queue.Enqueue(ctx, tgt.ID, func(ctx context.Context) (any, error) {
		return p.tools.Call(ctx, tgt, nil, "resources/read", map[string]any{"uri": uri})
	})
	timing := Timing{QueueWait: res.QueueWait, UpstreamLatency: res.UpstreamLatency}
	if err != nil {
		return nil, timing, err
	}
	raw, _ := res.Value.(json.RawMessage)
	return raw, timing, nil
}

// UIInitialize mints a short-lived session token for UI-originated calls.
// The token travels in a "_bridge" envelope that callers MUST strip via
// StripBridgeEnvelope before any further call reaches CallTool (spec §4.8).
func (p *Proxy) UIInitialize() (UIInitResult, error) {
	return NewUIToken()
}
