// Package queue implements the per-connector queue manager (C9): a bounded
// FIFO per connector with a concurrency of one, so upstream work for a
// single connector is always serialized while different connectors run
// concurrently (spec §4.9).
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/metrics"
)

// Handler is the work a queued request performs once it reaches the head of
// its connector's queue. It MUST observe ctx cancellation and close any
// transport it holds open when ctx is done (spec §4.9).
type Handler func(ctx context.Context) (any, error)

// Result is what Enqueue returns on success: the handler's value plus the
// timings the gateway surfaces as X-Queue-Wait-Ms/X-Upstream-Latency-Ms
// (spec §4.10).
type Result struct {
	Value           any
	QueueWait       time.Duration
	UpstreamLatency time.Duration
}

type job struct {
	ctx        context.Context
	handler    Handler
	enqueuedAt time.Time
	resultCh   chan jobOutcome
}

type jobOutcome struct {
	value           any
	err             error
	queueWait       time.Duration
	upstreamLatency time.Duration
}

// connQueue is one connector's bounded FIFO, served by a single worker
// goroutine (concurrency 1, per spec §4.9).
type connQueue struct {
	id     string
	ch     chan *job
	closed atomic.Bool
	done   chan struct{}
}

func newConnQueue(id string, depth int) *connQueue {
	q := &connQueue{
		id:   id,
		ch:   make(chan *job, depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *connQueue) run() {
	defer close(q.done)
	for j := range q.ch {
		metrics.SetQueueDepth(q.id, len(q.ch))
		q.serve(j)
	}
}

func (q *connQueue) serve(j *job) {
	wait := time.Since(j.enqueuedAt)
	metrics.ObserveQueueWait(q.id, wait.Seconds())

	if j.ctx.Err() != nil {
		j.resultCh <- jobOutcome{
			err:       apperr.New(apperr.KindTimeout, "request expired while waiting in queue"),
			queueWait: wait,
		}
		return
	}

	start := time.Now()
	value, err := j.handler(j.ctx)
	latency := time.Since(start)
	metrics.ObserveUpstreamLatency(q.id, latency.Seconds())

	if err == nil && j.ctx.Err() != nil {
		err = apperr.New(apperr.KindCanceled, "request canceled during execution")
	}

	j.resultCh <- jobOutcome{value: value, err: err, queueWait: wait, upstreamLatency: latency}
}

// closeForShutdown stops accepting new jobs for this connector and waits for
// the in-flight FIFO contents to drain (spec §4.9's "drain" shutdown mode).
func (q *connQueue) closeForShutdown() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	close(q.ch)
	<-q.done
}

// Manager owns one connQueue per connector, created lazily on first use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*connQueue
	depth  int
	closed atomic.Bool
}

// NewManager creates a Manager whose per-connector queues hold up to depth
// pending requests before rejecting with queue_full.
func NewManager(depth int) *Manager {
	if depth <= 0 {
		depth = 1
	}
	return &Manager{queues: make(map[string]*connQueue), depth: depth}
}

func (m *Manager) queueFor(connectorID string) *connQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[connectorID]
	if !ok {
		q = newConnQueue(connectorID, m.depth)
		m.queues[connectorID] = q
	}
	return q
}

// Enqueue admits req onto connectorID's FIFO. A full queue is rejected
// immediately with queue_full (no blocking); ctx's deadline bounds both the
// queue wait and the handler's execution (spec §4.9).
func (m *Manager) Enqueue(ctx context.Context, connectorID string, handler Handler) (Result, error) {
	if m.closed.Load() {
		return Result{}, apperr.New(apperr.KindCanceled, "queue manager is shutting down")
	}

	q := m.queueFor(connectorID)
	j := &job{ctx: ctx, handler: handler, enqueuedAt: time.Now(), resultCh: make(chan jobOutcome, 1)}

	select {
	case q.ch <- j:
		metrics.SetQueueDepth(connectorID, len(q.ch))
	default:
		return Result{}, apperr.New(apperr.KindQueueFull, "connector queue is at capacity")
	}

	select {
	case out := <-j.resultCh:
		if out.err != nil {
			return Result{QueueWait: out.queueWait, UpstreamLatency: out.upstreamLatency}, out.err
		}
		return Result{Value: out.value, QueueWait: out.queueWait, UpstreamLatency: out.upstreamLatency}, nil
	case <-ctx.Done():
		return Result{}, apperr.New(apperr.KindTimeout, "request deadline exceeded while queued")
	}
}

// Shutdown stops accepting new work and drains every connector's in-flight
// FIFO contents before returning (spec §4.9).
func (m *Manager) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	queues := make([]*connQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *connQueue) {
			defer wg.Done()
			q.closeForShutdown()
		}(q)
	}
	wg.Wait()
}
