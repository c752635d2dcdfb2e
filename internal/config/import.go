package config

import (
	"encoding/json"
	"fmt"
)

// claudeDesktopDoc mirrors the Claude-Desktop-style `{mcpServers:{...}}`
// import format.
type claudeDesktopDoc struct {
	MCPServers map[string]claudeDesktopServer `json:"mcpServers"`
}

type claudeDesktopServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ImportConnectors parses raw bytes in any of the three recognized import
// shapes (Claude-Desktop `mcpServers` map, a single server object, or an
// array of server objects) and returns normalized connector configs. The
// single-object and array forms do not carry an id, so the caller-supplied
// idHint is used (suffixed with an index for arrays of length > 1).
func ImportConnectors(data []byte, idHint string) ([]ConnectorConfig, error) {
	data = StripJSONComments(data)

	if cfg, ok := tryClaudeDesktop(data); ok {
		return cfg, nil
	}
	if cfg, ok := tryServerArray(data, idHint); ok {
		return cfg, nil
	}
	if cfg, ok := trySingleServer(data, idHint); ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("unrecognized import format")
}

func tryClaudeDesktop(data []byte) ([]ConnectorConfig, bool) {
	var doc claudeDesktopDoc
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.MCPServers) == 0 {
		return nil, false
	}
	out := make([]ConnectorConfig, 0, len(doc.MCPServers))
	for id, srv := range doc.MCPServers {
		if srv.Command == "" {
			return nil, false
		}
		out = append(out, connectorFromClaudeDesktop(id, srv))
	}
	return out, true
}

func connectorFromClaudeDesktop(id string, srv claudeDesktopServer) ConnectorConfig {
	return ConnectorConfig{
		ID: id,
		Transport: Transport{
			Type:    TransportStdio,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		},
	}
}

func trySingleServer(data []byte, idHint string) ([]ConnectorConfig, bool) {
	var srv claudeDesktopServer
	if err := json.Unmarshal(data, &srv); err != nil || srv.Command == "" {
		return nil, false
	}
	return []ConnectorConfig{connectorFromClaudeDesktop(idHint, srv)}, true
}

func tryServerArray(data []byte, idHint string) ([]ConnectorConfig, bool) {
	var arr []claudeDesktopServer
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return nil, false
	}
	out := make([]ConnectorConfig, 0, len(arr))
	for i, srv := range arr {
		if srv.Command == "" {
			return nil, false
		}
		id := idHint
		if len(arr) > 1 {
			id = fmt.Sprintf("%s-%d", idHint, i+1)
		}
		out = append(out, connectorFromClaudeDesktop(id, srv))
	}
	return out, true
}
