package auth

import "testing"

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted   string
		requested string
		want      bool
	}{
		{"*", "a:b:c", true},
		{"mcp:*", "mcp:call:X", true},
		{"mcp:call:*", "mcp:call:Y", true},
		{"mcp:call:*", "mcp:resources:Y", false},
		{"a:b", "a:b:c", false},
		{"a:b:*", "a:resources:x", false},
		{"a:b:c", "a:b:c", true},
		{"a:b:c", "a:b", false},
	}
	for _, tt := range tests {
		t.Run(tt.granted+"_vs_"+tt.requested, func(t *testing.T) {
			if got := MatchPermission(tt.granted, tt.requested); got != tt.want {
				t.Errorf("MatchPermission(%q, %q) = %v, want %v", tt.granted, tt.requested, got, tt.want)
			}
		})
	}
}

func TestAnyPermissionMatches(t *testing.T) {
	granted := []string{"a2a:*", "mcp:call:alpha"}
	if !AnyPermissionMatches(granted, "a2a:tasks:send:agent-1") {
		t.Fatal("expected a2a:* to authorize a2a:tasks:send:agent-1")
	}
	if !AnyPermissionMatches(granted, "mcp:call:alpha") {
		t.Fatal("expected exact match to authorize")
	}
	if AnyPermissionMatches(granted, "mcp:call:beta") {
		t.Fatal("did not expect mcp:call:alpha to authorize mcp:call:beta")
	}
	if AnyPermissionMatches(nil, "mcp:call:alpha") {
		t.Fatal("expected no permissions to authorize nothing")
	}
}

func TestBuildMCPPermission(t *testing.T) {
	if got := BuildMCPPermission("tools/call", "alpha"); got != "mcp:tools:call:alpha" {
		t.Errorf("BuildMCPPermission() = %q", got)
	}
	if got := BuildMCPPermission("tools/list", ""); got != "mcp:tools:list" {
		t.Errorf("BuildMCPPermission() = %q", got)
	}
}

func TestBuildA2APermission(t *testing.T) {
	if got := BuildA2APermission("tasks/send", "agent-1"); got != "a2a:tasks/send:agent-1" {
		t.Errorf("BuildA2APermission() = %q", got)
	}
	if got := BuildA2APermission("tasks/send", ""); got != "a2a:tasks/send" {
		t.Errorf("BuildA2APermission() = %q", got)
	}
}
