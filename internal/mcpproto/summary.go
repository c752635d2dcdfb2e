package mcpproto

import (
	"encoding/json"
	"fmt"
)

// Summarize produces a short human-readable description of a parsed
// message, e.g. "call <tool>", "<N> tools", "<N> resources", "error: <msg>"
// (spec §4.5).
func Summarize(msg *Message) string {
	if msg.Error != nil {
		return fmt.Sprintf("error: %s", msg.Error.Message)
	}

	switch msg.Type {
	case TypeRequest, TypeNotification:
		return summarizeCall(msg)
	case TypeResponse:
		return summarizeResult(msg)
	default:
		return "unknown"
	}
}

func summarizeCall(msg *Message) string {
	switch msg.Method {
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		if len(msg.Params) > 0 {
			_ = json.Unmarshal(msg.Params, &p)
		}
		if p.Name != "" {
			return fmt.Sprintf("call %s", p.Name)
		}
		return "call"
	default:
		if msg.Method != "" {
			return msg.Method
		}
		return "request"
	}
}

func summarizeResult(msg *Message) string {
	if len(msg.Result) == 0 {
		return "ok"
	}
	var withTools struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &withTools); err == nil && withTools.Tools != nil {
		return fmt.Sprintf("%d tools", len(withTools.Tools))
	}
	var withResources struct {
		Resources []json.RawMessage `json:"resources"`
	}
	if err := json.Unmarshal(msg.Result, &withResources); err == nil && withResources.Resources != nil {
		return fmt.Sprintf("%d resources", len(withResources.Resources))
	}
	return "ok"
}
