package mcpproto

import "encoding/json"

// Normalize re-encodes raw JSON-RPC text into a canonical compact form
// (object keys sorted, whitespace stripped) suitable for diffing and
// storage as events.normalized_json. It returns an error if raw does not
// parse as JSON.
func Normalize(raw string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
