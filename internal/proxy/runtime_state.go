package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// StateSchemaVersion is bumped whenever RuntimeState's shape changes.
const StateSchemaVersion = 1

// ProxyState is the coarse liveness state recorded in the runtime state file.
type ProxyState string

const (
	StateRunning ProxyState = "RUNNING"
	StateStopped ProxyState = "STOPPED"
)

// livenessWindow bounds how stale a heartbeat may be before a reader
// considers the process dead even if its pid still exists (spec §4.8).
const livenessWindow = 30 * time.Second

// ConnectorSummary is one connector's entry in the runtime state snapshot.
type ConnectorSummary struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Tools   int    `json:"tools"`
}

// ClientStats tracks one connected client's basic counters.
type ClientStats struct {
	ProtocolVersion string    `json:"protocol_version"`
	ConnectedAt     time.Time `json:"connected_at"`
	Requests        int64     `json:"requests"`
}

// RuntimeState is the document atomically written to proxy-runtime-state.json
// (spec §4.8's "Runtime state" paragraph).
type RuntimeState struct {
	SchemaVersion int                         `json:"schema_version"`
	State         ProxyState                  `json:"state"`
	StartTime     time.Time                   `json:"start_time"`
	PID           int                         `json:"pid"`
	Heartbeat     time.Time                   `json:"heartbeat"`
	Connectors    []ConnectorSummary          `json:"connectors"`
	Clients       map[string]ClientStats      `json:"clients"`
	LogBufferSize int                         `json:"log_buffer_size"`
}

// stateWriter owns the runtime state file, serializing writes and exposing
// the mutation points the proxy needs (client registration, connector
// summaries, heartbeat).
type stateWriter struct {
	mu   sync.Mutex
	path string
	st   RuntimeState
}

func newStateWriter(path string) *stateWriter {
	return &stateWriter{
		path: path,
		st: RuntimeState{
			SchemaVersion: StateSchemaVersion,
			State:         StateStopped,
			Clients:       make(map[string]ClientStats),
		},
	}
}

// start marks the proxy RUNNING and persists the initial snapshot.
func (w *stateWriter) start() error {
	w.mu.Lock()
	w.st.State = StateRunning
	w.st.StartTime = time.Now().UTC()
	w.st.PID = os.Getpid()
	w.st.Heartbeat = w.st.StartTime
	w.mu.Unlock()
	return w.persist()
}

// stop marks the proxy STOPPED and persists a final snapshot.
func (w *stateWriter) stop() error {
	w.mu.Lock()
	w.st.State = StateStopped
	w.st.Heartbeat = time.Now().UTC()
	w.mu.Unlock()
	return w.persist()
}

// heartbeat refreshes the heartbeat timestamp and persists.
func (w *stateWriter) heartbeat() error {
	w.mu.Lock()
	w.st.Heartbeat = time.Now().UTC()
	w.mu.Unlock()
	return w.persist()
}

// setConnectors replaces the connector summary list.
func (w *stateWriter) setConnectors(summaries []ConnectorSummary) error {
	w.mu.Lock()
	w.st.Connectors = summaries
	w.mu.Unlock()
	return w.persist()
}

// recordClient upserts a client's stats and bumps its request count.
func (w *stateWriter) recordClient(name, protocolVersion string) error {
	w.mu.Lock()
	stats, ok := w.st.Clients[name]
	if !ok {
		stats = ClientStats{ProtocolVersion: protocolVersion, ConnectedAt: time.Now().UTC()}
	}
	stats.Requests++
	w.st.Clients[name] = stats
	w.mu.Unlock()
	return w.persist()
}

// persist writes the current snapshot via write-temp-then-rename so readers
// never observe a partially-written file (spec §4.8).
func (w *stateWriter) persist() error {
	w.mu.Lock()
	data, err := json.MarshalIndent(w.st, "", "  ")
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding runtime state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("creating runtime state directory: %w", err)
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing runtime state temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("renaming runtime state into place: %w", err)
	}
	return nil
}

// ReadLiveness loads the runtime state file at path and reports whether the
// proxy it describes is alive: state == RUNNING, its pid exists, and its
// heartbeat is within the last 30 seconds (spec §4.8).
func ReadLiveness(path string) (bool, *RuntimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil, err
	}
	var st RuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return false, nil, fmt.Errorf("decoding runtime state: %w", err)
	}
	if st.State != StateRunning {
		return false, &st, nil
	}
	if !pidExists(st.PID) {
		return false, &st, nil
	}
	if time.Since(st.Heartbeat) > livenessWindow {
		return false, &st, nil
	}
	return true, &st, nil
}

// pidExists reports whether pid refers to a running process, probing via
// signal 0 (no-op delivery, POSIX-portable liveness check).
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
