// Package mcpproto classifies JSON-RPC 2.0 messages observed on an MCP
// connection, computes their payload hash, and produces short human
// summaries for the event log (spec §4.5). It has no dependency on
// transport, storage, or the proxy -- it is a pure function library over
// raw JSON-RPC text.
package mcpproto

import "encoding/json"

// MessageType classifies a JSON-RPC 2.0 message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeUnknown      MessageType = "unknown"
)

// rawMessage is the superset of fields any JSON-RPC 2.0 message may carry.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is a parsed, classified JSON-RPC message.
type Message struct {
	Type    MessageType
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *RPCError
	Raw     string
}

// Parse classifies raw as request/response/notification. Direction is NOT
// determined here -- it is computed by the caller from which stream (client
// or upstream) the bytes were observed on (spec §4.5).
func Parse(raw string) (*Message, error) {
	var m rawMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:     m.ID,
		Method: m.Method,
		Params: m.Params,
		Result: m.Result,
		Error:  m.Error,
		Raw:    raw,
	}

	switch {
	case m.Method != "" && len(m.ID) > 0:
		msg.Type = TypeRequest
	case m.Method != "" && len(m.ID) == 0:
		msg.Type = TypeNotification
	case len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil):
		msg.Type = TypeResponse
	default:
		msg.Type = TypeUnknown
	}
	return msg, nil
}
