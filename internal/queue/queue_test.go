package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
)

func TestEnqueueRunsHandlerAndReturnsValue(t *testing.T) {
	m := NewManager(4)
	res, err := m.Enqueue(context.Background(), "conn-1", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Value != "ok" {
		t.Fatalf("unexpected value: %v", res.Value)
	}
}

func TestEnqueueSerializesPerConnector(t *testing.T) {
	m := NewManager(8)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	handler := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Enqueue(context.Background(), "conn-serial", handler)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected handlers to run serially within a connector, max concurrent = %d", maxActive)
	}
}

func TestEnqueueRunsDifferentConnectorsConcurrently(t *testing.T) {
	m := NewManager(8)
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	handler := func(ctx context.Context) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	var wg sync.WaitGroup
	for _, c := range []string{"conn-a", "conn-b"} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			_, _ = m.Enqueue(context.Background(), c, handler)
		}(c)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected both connectors' handlers to start concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	m := NewManager(1)
	blocking := make(chan struct{})
	go func() {
		_, _ = m.Enqueue(context.Background(), "conn-full", func(ctx context.Context) (any, error) {
			<-blocking
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond) // let the first job be picked up by the worker

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Enqueue(context.Background(), "conn-full", func(ctx context.Context) (any, error) {
				return nil, nil
			})
			errCh <- err
		}()
	}

	sawQueueFull := false
	for i := 0; i < 2; i++ {
		err := <-errCh
		if apperr.Is(err, apperr.KindQueueFull) {
			sawQueueFull = true
		}
	}
	close(blocking)
	if !sawQueueFull {
		t.Fatalf("expected at least one queue_full rejection when queue depth 1 is saturated")
	}
}

func TestEnqueueTimesOutWhenHandlerExceedsDeadline(t *testing.T) {
	m := NewManager(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Enqueue(ctx, "conn-slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !apperr.Is(err, apperr.KindTimeout) && !apperr.Is(err, apperr.KindCanceled) {
		t.Fatalf("expected timeout or canceled error, got %v", err)
	}
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	m := NewManager(4)
	var completed int32

	for i := 0; i < 3; i++ {
		go func() {
			_, _ = m.Enqueue(context.Background(), "conn-drain", func(ctx context.Context) (any, error) {
				atomic.AddInt32(&completed, 1)
				return nil, nil
			})
		}()
	}

	time.Sleep(30 * time.Millisecond)
	m.Shutdown()

	if atomic.LoadInt32(&completed) != 3 {
		t.Fatalf("expected all 3 queued jobs to drain before shutdown returned, completed=%d", completed)
	}
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	m := NewManager(4)
	m.Shutdown()

	_, err := m.Enqueue(context.Background(), "conn-1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected an error enqueuing after shutdown")
	}
}
