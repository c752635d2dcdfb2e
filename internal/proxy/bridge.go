package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// BridgeEnvelope carries a UI-originated client's short-lived session token
// alongside its call params. It is audit-only and MUST be stripped before
// the call is forwarded upstream (spec §4.8). The gateway does not record
// it: /mcp's tools/call decodes only name and arguments from params, so a
// top-level "_bridge" key is dropped there rather than forwarded.
type BridgeEnvelope struct {
	Token string `json:"token"`
}

// UIInitResult is returned from ui/initialize.
type UIInitResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const uiTokenTTL = 10 * time.Minute

// NewUIToken mints a short-lived session token for ui/initialize.
func NewUIToken() (UIInitResult, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return UIInitResult{}, fmt.Errorf("generating ui session token: %w", err)
	}
	return UIInitResult{
		Token:     hex.EncodeToString(buf),
		ExpiresAt: time.Now().UTC().Add(uiTokenTTL),
	}, nil
}

// StripBridgeEnvelope extracts and removes a top-level "_bridge" key from a
// raw JSON params object, returning the remaining params unchanged and the
// envelope if one was present. A call with no "_bridge" key passes through
// untouched (spec §4.8: "MUST be stripped before forwarding upstream").
func StripBridgeEnvelope(raw json.RawMessage) (json.RawMessage, *BridgeEnvelope, error) {
	if len(raw) == 0 {
		return raw, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Not a JSON object (e.g. an array or scalar params shape); nothing
		// to strip.
		return raw, nil, nil
	}

	bridgeRaw, ok := obj["_bridge"]
	if !ok {
		return raw, nil, nil
	}

	var envelope BridgeEnvelope
	if err := json.Unmarshal(bridgeRaw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("decoding _bridge envelope: %w", err)
	}

	delete(obj, "_bridge")
	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encoding params after stripping _bridge: %w", err)
	}
	return stripped, &envelope, nil
}
