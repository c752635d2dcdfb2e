package mcpproto

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadHash returns the first 16 hex characters of the SHA-256 digest of
// raw, matching the invariant in spec §3/§8: payload_hash == firstN(hex(sha256(raw_json)), 16).
func PayloadHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
