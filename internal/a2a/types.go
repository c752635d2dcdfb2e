// Package a2a implements the A2A client and agent card cache (C6): JSON-RPC
// 2.0 over HTTPS to external agents, with a TTL-based card cache sharing the
// events database (spec §3's "Ownership" paragraph: the A2A client owns the
// cache, not the event store).
package a2a

import "encoding/json"

// AgentCard is the well-known agent description fetched from
// /.well-known/agent.json.
type AgentCard struct {
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	URL                string      `json:"url"`
	Version            string      `json:"version,omitempty"`
	Skills             []AgentSkill `json:"skills,omitempty"`
	DefaultInputModes  []string    `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string    `json:"defaultOutputModes,omitempty"`
}

// AgentSkill is one capability advertised by an agent card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// Task is an A2A task's current state (spec §3's TaskEvent mirrors this
// lifecycle).
type Task struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    TaskStatus      `json:"status"`
	Artifacts []json.RawMessage `json:"artifacts,omitempty"`
}

// TaskStatus is the state field of a Task.
type TaskStatus struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// JSONRPCRequest is the outgoing JSON-RPC 2.0 envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the incoming JSON-RPC 2.0 envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError mirrors a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	MethodSendMessage = "message/send"
	MethodGetTask     = "tasks/get"
	MethodCancelTask  = "tasks/cancel"
	MethodListTasks   = "tasks/list"
)

// SendMessageParams is the params object for message/send.
type SendMessageParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// GetTaskParams is the params object for tasks/get.
type GetTaskParams struct {
	ID string `json:"id"`
}

// CancelTaskParams is the params object for tasks/cancel.
type CancelTaskParams struct {
	ID string `json:"id"`
}

// ListTasksParams is the params object for tasks/list.
type ListTasksParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ListTasksResult is the result object for tasks/list.
type ListTasksResult struct {
	Tasks []Task `json:"tasks"`
}
