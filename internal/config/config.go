// Package config loads the root configuration document: connectors, agents,
// retention policy, and the optional inscriber section described in the
// external interfaces of the gateway (see spec §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// idPattern matches the allowed character set for connector/agent ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TransportType enumerates the supported connector transports.
type TransportType string

const (
	TransportStdio   TransportType = "stdio"
	TransportRPCHTTP TransportType = "rpc-http"
	TransportRPCSSE  TransportType = "rpc-sse"
)

// Transport describes how to reach an MCP connector.
type Transport struct {
	Type    TransportType     `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Sandbox string            `json:"sandbox,omitempty"` // "", "docker"
	Image   string            `json:"image,omitempty"`   // required when sandbox is set
}

// ConnectorConfig is one entry of the root document's connectors[] array.
type ConnectorConfig struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Enabled   *bool         `json:"enabled,omitempty"`
	Transport Transport     `json:"transport"`
	TTLSecs   int64         `json:"ttl_seconds,omitempty"` // agent card TTL when protocol=a2a
	URL       string        `json:"url,omitempty"`         // agent card URL when protocol=a2a
	Protocol  string        `json:"protocol,omitempty"`    // "mcp" (default) or "a2a"
}

// RetentionConfig configures C12 prune policy.
type RetentionConfig struct {
	KeepLastSessions int    `json:"keep_last_sessions,omitempty"`
	RawDays          int    `json:"raw_days,omitempty"`
	MaxDBMB          int    `json:"max_db_mb,omitempty"`
	CronExpr         string `json:"cron,omitempty"`
}

// InscriberConfig is opaque configuration consumed by external collaborators
// (POPL artifact emission); the core only round-trips it.
type InscriberConfig map[string]any

// RootConfig is the top-level configuration document.
type RootConfig struct {
	Version    int               `json:"version"`
	Connectors []ConnectorConfig `json:"connectors"`
	Retention  *RetentionConfig  `json:"retention,omitempty"`
	Inscriber  InscriberConfig   `json:"inscriber,omitempty"`

	ConfigDir string `json:"-"`
}

// Validate checks structural invariants: supported version, non-empty ids
// matching the allowed character set, and no duplicate ids.
func (c *RootConfig) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	seen := make(map[string]bool, len(c.Connectors))
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if cc.ID == "" {
			return fmt.Errorf("connectors[%d]: id is required", i)
		}
		if !idPattern.MatchString(cc.ID) {
			return fmt.Errorf("connectors[%d]: invalid id %q", i, cc.ID)
		}
		if seen[cc.ID] {
			return fmt.Errorf("duplicate connector id %q", cc.ID)
		}
		seen[cc.ID] = true

		switch cc.Transport.Type {
		case TransportStdio:
			if cc.Transport.Command == "" {
				return fmt.Errorf("connectors[%d] (%s): stdio transport requires command", i, cc.ID)
			}
		case TransportRPCHTTP, TransportRPCSSE:
			if cc.Transport.URL == "" {
				return fmt.Errorf("connectors[%d] (%s): %s transport requires url", i, cc.ID, cc.Transport.Type)
			}
		case "":
			if cc.Protocol != "a2a" {
				return fmt.Errorf("connectors[%d] (%s): transport.type is required", i, cc.ID)
			}
		default:
			return fmt.Errorf("connectors[%d] (%s): unknown transport type %q", i, cc.ID, cc.Transport.Type)
		}
	}
	return nil
}

// FindConfigPath resolves the configuration file using the precedence:
// explicit configDir, ./config/gateway.jsonc, ~/.oubliette-gateway/config/gateway.jsonc.
func FindConfigPath(configDir string) (string, error) {
	var candidates []string
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "gateway.jsonc"))
	}
	candidates = append(candidates, filepath.Join("config", "gateway.jsonc"))
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".oubliette-gateway", "config", "gateway.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs, nil
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("gateway.jsonc not found; tried: %v", candidates)
}

// Load reads and validates the root configuration document from configDir
// (or the default search path when configDir is empty).
func Load(configDir string) (*RootConfig, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and validates a root configuration document from an
// explicit path, stripping JSONC comments first.
func LoadFile(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	data = StripJSONComments(data)

	var cfg RootConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.ConfigDir = filepath.Dir(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// IsEnabled reports whether the connector is enabled (default true).
func (c *ConnectorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
