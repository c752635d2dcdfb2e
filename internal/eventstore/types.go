package eventstore

import "time"

// ExitReason enumerates how a session ended.
type ExitReason string

const (
	ExitNormal ExitReason = "normal"
	ExitError  ExitReason = "error"
	ExitKilled ExitReason = "killed"
)

// Direction is which way a message travelled across the wire.
type Direction string

const (
	DirClientToServer Direction = "client_to_server"
	DirServerToClient Direction = "server_to_client"
)

// EventKind classifies a persisted event.
type EventKind string

const (
	KindRequest         EventKind = "request"
	KindResponse        EventKind = "response"
	KindNotification    EventKind = "notification"
	KindTransportEvent  EventKind = "transport_event"
)

// TaskEventKind enumerates A2A task lifecycle markers (spec §3).
type TaskEventKind string

const (
	TaskCreated     TaskEventKind = "a2a:task:created"
	TaskUpdated     TaskEventKind = "a2a:task:updated"
	TaskCompleted   TaskEventKind = "a2a:task:completed"
	TaskFailed      TaskEventKind = "a2a:task:failed"
	TaskCanceled    TaskEventKind = "a2a:task:canceled"
	TaskWaitTimeout TaskEventKind = "a2a:task:wait_timeout"
	TaskPollError   TaskEventKind = "a2a:task:poll_error"
)

// UserRefKind enumerates the kinds of named symbolic references.
type UserRefKind string

const (
	RefConnector UserRefKind = "connector"
	RefSession   UserRefKind = "session"
	RefRPC       UserRefKind = "rpc"
	RefToolCall  UserRefKind = "tool_call"
	RefContext   UserRefKind = "context"
	RefPOPL      UserRefKind = "popl"
	RefPlan      UserRefKind = "plan"
	RefRun       UserRefKind = "run"
)

// Session is one conversational lifetime with an upstream (spec §3).
type Session struct {
	SessionID      string
	TargetID       string
	ConnectorID    string // legacy alias, same value as TargetID for mcp connectors
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitReason     *ExitReason
	Protected      bool
	ActorID        *string
	ActorKind      *string
	ActorLabel     *string
	SecretRefCount int
}

// RpcCall is one request/response pair within a session (spec §3).
type RpcCall struct {
	RpcID      string
	SessionID  string
	Method     string
	RequestTS  time.Time
	ResponseTS *time.Time
	Success    *bool
	ErrorCode  *string
}

// Event is an atomic record on a session timeline (spec §3).
type Event struct {
	EventID        string
	SessionID      string
	RpcID          *string
	Direction      Direction
	Kind           EventKind
	TS             time.Time
	Seq            *int64
	Summary        *string
	PayloadHash    *string
	RawJSON        *string
	NormalizedJSON *string
}

// TaskEvent is an A2A task lifecycle marker (spec §3).
type TaskEvent struct {
	EventID   string
	SessionID string
	TaskID    string
	EventKind TaskEventKind
	TS        time.Time
	Detail    *string
}

// UserRef is a named symbolic reference (spec §3). For kind=popl, Connector
// holds an entry id and Session holds a target path -- a documented column
// reuse inherited unchanged from the original design (see DESIGN.md).
type UserRef struct {
	Name      string
	Kind      UserRefKind
	Connector *string
	Session   *string
	RPC       *string
	Proto     *string
	Level     *string
	CreatedAt time.Time
}

// SaveEventInput is the argument bundle for DB.SaveEvent.
type SaveEventInput struct {
	RpcID       *string
	RawJSON     *string
	Seq         *int64
	Summary     *string
	PayloadHash *string
	Protocol    *string // when set and RawJSON parses, a normalized form is stored too
}
