package transport

import (
	"context"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
)

// echoScript reads one JSON-RPC line at a time from stdin and replies with a
// canned result envelope carrying the same id, forever, until stdin closes.
const echoScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
done
`

func connectEcho(t *testing.T) *Stdio {
	t.Helper()
	s, err := Connect(context.Background(), Spec{Command: "sh", Args: []string{"-c", echoScript}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendRequestRoundTrip(t *testing.T) {
	s := connectEcho(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.SendRequest(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestSendRequestTimesOutWhenNoResponse(t *testing.T) {
	s, err := Connect(context.Background(), Spec{Command: "sh", Args: []string{"-c", "cat >/dev/null"}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = s.SendRequest(ctx, "ping", nil)
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCloseIsIdempotentAndReleasesWaiters(t *testing.T) {
	s, err := Connect(context.Background(), Spec{Command: "sh", Args: []string{"-c", "cat >/dev/null"}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "ping", nil)
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	select {
	case err := <-resultCh:
		if !apperr.Is(err, apperr.KindTransportClosed) {
			t.Fatalf("expected transport_closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request was not released by Close")
	}
}

func TestSendNotificationAfterCloseFails(t *testing.T) {
	s, err := Connect(context.Background(), Spec{Command: "sh", Args: []string{"-c", "cat >/dev/null"}}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = s.Close()

	err = s.SendNotification("notifications/initialized", nil)
	if !apperr.Is(err, apperr.KindTransportClosed) {
		t.Fatalf("expected transport_closed, got %v", err)
	}
}
