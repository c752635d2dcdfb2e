package proxy

import "strings"

// Separator joins a connector id and its upstream tool name in the
// aggregating proxy's published tool catalog (spec §4.8).
const Separator = "__"

// Namespace publishes an upstream tool name under its connector id.
func Namespace(connectorID, toolName string) string {
	return connectorID + Separator + toolName
}

// SplitNamespaced parses a published tool name back into its connector id
// and upstream tool name, splitting on the first Separator so an upstream
// name that itself contains "__" is preserved intact (spec §4.8).
func SplitNamespaced(name string) (connectorID, toolName string, ok bool) {
	idx := strings.Index(name, Separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(Separator):], true
}
