package refresolver

import (
	"testing"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
)

func newTestResolver(t *testing.T) (*Resolver, *eventstore.DB) {
	t.Helper()
	es, err := eventstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return New(es), es
}

func makeSessionWithRpc(t *testing.T, es *eventstore.DB, targetID, method string) (*eventstore.Session, *eventstore.RpcCall) {
	t.Helper()
	sess, err := es.CreateSession(targetID, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rpc, err := es.SaveRpc(sess.SessionID, method)
	if err != nil {
		t.Fatalf("SaveRpc: %v", err)
	}
	return sess, rpc
}

func TestResolveLastWithCurrentSession(t *testing.T) {
	r, es := newTestResolver(t)
	sess, rpc := makeSessionWithRpc(t, es, "alpha", "tools/call")

	resolved, err := r.Resolve("@last", sess.SessionID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Kind != eventstore.RefRPC || resolved.Session != sess.SessionID || resolved.RPC != rpc.RpcID {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestResolveLastWithoutCurrentSessionUsesMostRecentSession(t *testing.T) {
	r, es := newTestResolver(t)
	makeSessionWithRpc(t, es, "alpha", "tools/list")
	sess2, rpc2 := makeSessionWithRpc(t, es, "beta", "tools/call")

	resolved, err := r.Resolve("@last", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Session != sess2.SessionID || resolved.RPC != rpc2.RpcID {
		t.Fatalf("expected the most recently started session's latest rpc, got %+v", resolved)
	}
}

func TestResolveLastWithNoSessionsIsNotFound(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve("@last", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestResolveRpcByIDSessionScoped(t *testing.T) {
	r, es := newTestResolver(t)
	sess, rpc := makeSessionWithRpc(t, es, "alpha", "tools/call")

	resolved, err := r.Resolve("@rpc:"+rpc.RpcID, sess.SessionID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Session != sess.SessionID || resolved.RPC != rpc.RpcID {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestResolveRpcByIDWithoutSession(t *testing.T) {
	r, es := newTestResolver(t)
	sess, rpc := makeSessionWithRpc(t, es, "alpha", "tools/call")

	resolved, err := r.Resolve("@rpc:"+rpc.RpcID, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Session != sess.SessionID || resolved.RPC != rpc.RpcID {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestResolveRpcUnknownIDIsNotFound(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve("@rpc:missing", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestResolveRefByName(t *testing.T) {
	r, es := newTestResolver(t)
	connector := "alpha"
	if err := es.SetUserRef(eventstore.UserRef{Name: "prod", Kind: eventstore.RefConnector, Connector: &connector}); err != nil {
		t.Fatalf("SetUserRef: %v", err)
	}

	resolved, err := r.Resolve("@ref:prod", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Kind != eventstore.RefConnector || resolved.Connector != connector {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestResolveRefUnknownNameIsNotFound(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve("@ref:missing", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestResolveUnrecognizedFormIsValidationError(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve("plain-text", "")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestResolveSessionPrefixExactMatch(t *testing.T) {
	r, es := newTestResolver(t)
	sess, err := es.CreateSession("alpha", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resolved, err := r.ResolveSessionPrefix(sess.SessionID)
	if err != nil {
		t.Fatalf("ResolveSessionPrefix: %v", err)
	}
	if resolved.SessionID != sess.SessionID {
		t.Fatalf("expected %s, got %s", sess.SessionID, resolved.SessionID)
	}
}

func TestResolveSessionPrefixUniquePrefix(t *testing.T) {
	r, es := newTestResolver(t)
	sess, err := es.CreateSession("alpha", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resolved, err := r.ResolveSessionPrefix(sess.SessionID[:8])
	if err != nil {
		t.Fatalf("ResolveSessionPrefix: %v", err)
	}
	if resolved.SessionID != sess.SessionID {
		t.Fatalf("expected %s, got %s", sess.SessionID, resolved.SessionID)
	}
}

func TestResolveSessionPrefixNoMatchIsNotFound(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.ResolveSessionPrefix("nonexistent")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}
