package secrets

import "testing"

func TestResolveEnvPassthrough(t *testing.T) {
	r := NewResolver(NewVaultBackend(map[string]string{"api-key": "sk-live-123"}))

	env := map[string]string{
		"PLAIN":   "value",
		"API_KEY": "secret://api-key",
	}

	result := r.ResolveEnv(env, "conn-1", "/tmp")
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if result.EnvResolved["PLAIN"] != "value" {
		t.Fatalf("expected passthrough value, got %q", result.EnvResolved["PLAIN"])
	}
	if result.EnvResolved["API_KEY"] != "sk-live-123" {
		t.Fatalf("expected resolved secret, got %q", result.EnvResolved["API_KEY"])
	}
}

func TestResolveEnvMissingSecretReportsError(t *testing.T) {
	r := NewResolver(NewVaultBackend(nil))

	env := map[string]string{"API_KEY": "secret://missing"}
	result := r.ResolveEnv(env, "conn-1", "/tmp")

	if result.Success {
		t.Fatalf("expected failure for missing secret")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", result.Errors)
	}
}

func TestApplyToOSEnvOverridesBase(t *testing.T) {
	base := []string{"PATH=/usr/bin", "API_KEY=placeholder"}
	resolved := map[string]string{"API_KEY": "sk-live-123", "EXTRA": "x"}

	out := ApplyToOSEnv(base, resolved)

	got := map[string]string{}
	for _, kv := range out {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if got["API_KEY"] != "sk-live-123" {
		t.Fatalf("expected overridden API_KEY, got %q", got["API_KEY"])
	}
	if got["PATH"] != "/usr/bin" {
		t.Fatalf("expected PATH to pass through, got %q", got["PATH"])
	}
	if got["EXTRA"] != "x" {
		t.Fatalf("expected EXTRA to be appended, got %q", got["EXTRA"])
	}
}
