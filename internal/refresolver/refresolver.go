// Package refresolver implements the reference resolver (C11): turning the
// symbolic forms callers type — @last, @rpc:<id>, @ref:<name>, or a bare
// session-id prefix — into concrete session/rpc ids for replay, view, and
// inscribe flows (spec §4.11).
package refresolver

import (
	"fmt"
	"strings"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
)

// Resolved is the tagged variant returned by Resolve: Kind identifies what
// was resolved, and the remaining fields carry whichever concrete ids that
// kind implies (spec §4.11: "returns a tagged variant identifying the
// resolved kind and concrete ids").
type Resolved struct {
	Kind      eventstore.UserRefKind
	Connector string
	Session   string
	RPC       string
	Proto     string
	Level     string
}

// Resolver resolves symbolic references against the event store.
type Resolver struct {
	events *eventstore.DB
}

// New wraps an already-migrated event store.
func New(events *eventstore.DB) *Resolver {
	return &Resolver{events: events}
}

// Resolve interprets input in the context of currentSession (empty if no
// session is selected) and returns the resolved variant (spec §4.11).
func (r *Resolver) Resolve(input, currentSession string) (*Resolved, error) {
	switch {
	case input == "@last":
		return r.resolveLast(currentSession)
	case strings.HasPrefix(input, "@rpc:"):
		return r.resolveRpc(strings.TrimPrefix(input, "@rpc:"), currentSession)
	case strings.HasPrefix(input, "@ref:"):
		return r.resolveRef(strings.TrimPrefix(input, "@ref:"))
	default:
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unrecognized reference %q", input))
	}
}

// resolveLast resolves "@last": the latest rpc in currentSession if one is
// selected, otherwise the latest rpc in the most recently started session
// overall (spec §4.11).
func (r *Resolver) resolveLast(currentSession string) (*Resolved, error) {
	sessionID := currentSession
	if sessionID == "" {
		sess, err := r.events.LatestSession()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNotFound, "no sessions recorded", err)
		}
		sessionID = sess.SessionID
	}

	rpc, err := r.events.LatestRpcInSession(sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("no rpc calls recorded for session %s", sessionID), err)
	}
	return &Resolved{Kind: eventstore.RefRPC, Session: sessionID, RPC: rpc.RpcID}, nil
}

// resolveRpc resolves "@rpc:<id>": session-scoped if a session is selected,
// otherwise looked up directly by id (spec §4.11).
func (r *Resolver) resolveRpc(rpcID, currentSession string) (*Resolved, error) {
	if rpcID == "" {
		return nil, apperr.New(apperr.KindValidation, "@rpc: requires an id")
	}
	if currentSession != "" {
		rpc, err := r.events.GetRpc(currentSession, rpcID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("rpc %s not found in session %s", rpcID, currentSession), err)
		}
		return &Resolved{Kind: eventstore.RefRPC, Session: currentSession, RPC: rpc.RpcID}, nil
	}
	rpc, err := r.events.GetRpcByID(rpcID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("rpc %s not found", rpcID), err)
	}
	return &Resolved{Kind: eventstore.RefRPC, Session: rpc.SessionID, RPC: rpc.RpcID}, nil
}

// resolveRef resolves "@ref:<name>": a named user ref, resolved by kind
// (spec §4.11).
func (r *Resolver) resolveRef(name string) (*Resolved, error) {
	if name == "" {
		return nil, apperr.New(apperr.KindValidation, "@ref: requires a name")
	}
	ref, err := r.events.GetUserRef(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("no ref named %q", name), err)
	}
	resolved := &Resolved{Kind: ref.Kind}
	if ref.Connector != nil {
		resolved.Connector = *ref.Connector
	}
	if ref.Session != nil {
		resolved.Session = *ref.Session
	}
	if ref.RPC != nil {
		resolved.RPC = *ref.RPC
	}
	if ref.Proto != nil {
		resolved.Proto = *ref.Proto
	}
	if ref.Level != nil {
		resolved.Level = *ref.Level
	}
	return resolved, nil
}

// ResolveSessionPrefix resolves a bare session-id prefix to a single
// session, escaping SQL wildcards and anchoring to "prefix%" (spec §4.11).
// An exact id match is tried first; a prefix match must be unambiguous.
func (r *Resolver) ResolveSessionPrefix(prefix string) (*eventstore.Session, error) {
	if prefix == "" {
		return nil, apperr.New(apperr.KindValidation, "session reference must not be empty")
	}
	if sess, err := r.events.GetSession(prefix); err == nil {
		return sess, nil
	}

	matches, err := r.events.SessionPrefixLookup(prefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "looking up session prefix", err)
	}
	if len(matches) == 0 {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("no session matches %q", prefix))
	}
	if len(matches) > 1 {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("session prefix %q is ambiguous across %d sessions", prefix, len(matches)))
	}
	return matches[0], nil
}
