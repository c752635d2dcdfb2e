// Package audit records every gateway-dispatched call as a structured log
// line and fans it out to live subscribers of the "/events/stream" SSE
// endpoint (spec §4.10).
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation identifies what kind of dispatch an audit event describes.
type Operation string

const (
	OpMCPCall      Operation = "mcp.call"
	OpA2ACall      Operation = "a2a.call"
	OpTokenCreate  Operation = "token.create"
	OpTokenRevoke  Operation = "token.revoke"
	OpTargetCreate Operation = "target.create"
	OpTargetDelete Operation = "target.delete"
	OpSessionStart Operation = "session.start"
	OpSessionEnd   Operation = "session.end"
)

// Event is one audit log entry, also the payload broadcast to SSE subscribers.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Operation    Operation      `json:"operation"`
	RequestID    string         `json:"request_id,omitempty"`
	TokenID      string         `json:"token_id,omitempty"`
	ConnectorID  string         `json:"connector_id,omitempty"`
	Method       string         `json:"method,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	QueueWaitMs  int64          `json:"queue_wait_ms,omitempty"`
	UpstreamMs   int64          `json:"upstream_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Logger records audit events to structured logs and broadcasts them to any
// subscribed SSE clients.
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
		subs:    make(map[chan Event]struct{}),
	}
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Subscribe registers a new SSE listener and returns a channel of audit
// events plus an unsubscribe function. The channel is buffered; a slow
// subscriber drops events rather than blocking publishers.
func (l *Logger) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	unsub := func() {
		l.subMu.Lock()
		delete(l.subs, ch)
		l.subMu.Unlock()
		close(ch)
	}
	return ch, unsub
}

func (l *Logger) publish(event Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Log records an audit event: structured log line plus SSE broadcast.
func (l *Logger) Log(event Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", maskToken(event.TokenID)))
	}
	if event.ConnectorID != "" {
		attrs = append(attrs, slog.String("connector_id", event.ConnectorID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
	l.publish(event)
}

// LogDispatch records a gateway dispatch outcome.
func (l *Logger) LogDispatch(op Operation, requestID, tokenID, connectorID, method string, success bool, err error, queueWait, upstream time.Duration) {
	e := Event{
		Operation:   op,
		RequestID:   requestID,
		TokenID:     tokenID,
		ConnectorID: connectorID,
		Method:      method,
		Success:     success,
		QueueWaitMs: queueWait.Milliseconds(),
		UpstreamMs:  upstream.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.Log(e)
}

func maskToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..."
}

// Convenience functions using the default logger.

func Log(event Event) { Default().Log(event) }

func LogDispatch(op Operation, requestID, tokenID, connectorID, method string, success bool, err error, queueWait, upstream time.Duration) {
	Default().LogDispatch(op, requestID, tokenID, connectorID, method, success, err, queueWait, upstream)
}

func Subscribe() (<-chan Event, func()) { return Default().Subscribe() }
