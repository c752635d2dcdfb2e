// Package secrets resolves opaque secret references found in connector
// environment maps before a stdio child is spawned (spec §4.4). Reference
// syntax is platform-specific and intentionally opaque to the rest of the
// gateway: callers never see plaintext outside of this package and the
// process environment handed to the child.
package secrets

import (
	"fmt"
	"strings"
)

// Backend fetches the plaintext for a single opaque reference. Platform
// implementations (Windows DPAPI, a keychain, a "secret://" vault lookup)
// satisfy this interface; ResolveEnv dispatches to the first backend whose
// Scheme matches the reference's prefix.
type Backend interface {
	// Scheme is the reference prefix this backend understands, e.g. "dpapi:" or "secret://".
	Scheme() string
	// Resolve returns the plaintext for ref (including the scheme prefix).
	Resolve(ref, connectorID, configDir string) (string, error)
}

// Result is the outcome of resolving every entry of an env map.
type Result struct {
	Success     bool
	EnvResolved map[string]string
	Errors      []string
}

// Resolver dispatches opaque references to registered backends.
type Resolver struct {
	backends []Backend
}

// NewResolver creates a Resolver with the given backends, tried in order.
func NewResolver(backends ...Backend) *Resolver {
	return &Resolver{backends: backends}
}

// backendFor returns the first registered backend whose Scheme is a prefix
// of value, or nil when none matches. Only such values are treated as
// references; everything else passes through unresolved.
func (r *Resolver) backendFor(value string) Backend {
	for _, b := range r.backends {
		if strings.HasPrefix(value, b.Scheme()) {
			return b
		}
	}
	return nil
}

// ResolveEnv resolves every entry of env, returning the original value for
// entries that do not match a recognized reference syntax. Failure to
// resolve any matched reference is recorded in Errors but does not stop
// processing of the remaining keys, so every unresolved key is reported.
func (r *Resolver) ResolveEnv(env map[string]string, connectorID, configDir string) Result {
	resolved := make(map[string]string, len(env))
	var errs []string

	for key, value := range env {
		backend := r.backendFor(value)
		if backend == nil {
			resolved[key] = value
			continue
		}
		plain, err := backend.Resolve(value, connectorID, configDir)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		resolved[key] = plain
	}

	return Result{
		Success:     len(errs) == 0,
		EnvResolved: resolved,
		Errors:      errs,
	}
}

// ApplyToOSEnv merges a resolved env map on top of a base process environment
// slice (the "os.Environ()" form: "KEY=VALUE" strings), with resolved
// entries taking precedence. Plaintext values are never logged or persisted
// by this function; callers MUST NOT pass the result to anything other than
// the spawned child's environment.
func ApplyToOSEnv(base []string, resolved map[string]string) []string {
	out := make([]string, 0, len(base)+len(resolved))
	seen := make(map[string]bool, len(resolved))

	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if v, ok := resolved[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}
	for key, v := range resolved {
		if !seen[key] {
			out = append(out, key+"="+v)
		}
	}
	return out
}
