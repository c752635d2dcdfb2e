package target

import (
	"testing"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	es, err := eventstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return New(es.DB)
}

func TestCreateAndGetTarget(t *testing.T) {
	reg := openTestRegistry(t)

	created, err := reg.Create(Target{ID: "my-conn", Type: TypeStdio, Protocol: ProtocolMCP, Name: "My Connector", Enabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := reg.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "My Connector" || got.Type != TypeStdio {
		t.Fatalf("unexpected target: %+v", got)
	}
}

func TestCreateRejectsA2AWithStdio(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.Create(Target{ID: "bad", Type: TypeStdio, Protocol: ProtocolA2A})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDuplicateIDFails(t *testing.T) {
	reg := openTestRegistry(t)
	if _, err := reg.Create(Target{ID: "dup", Type: TypeStdio, Protocol: ProtocolMCP}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := reg.Create(Target{ID: "dup", Type: TypeStdio, Protocol: ProtocolMCP})
	if !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Fatalf("expected already_exists, got %v", err)
	}
}

func TestListFiltersByTypeAndEnabled(t *testing.T) {
	reg := openTestRegistry(t)
	mustCreate(t, reg, Target{ID: "a", Type: TypeStdio, Protocol: ProtocolMCP, Enabled: true})
	mustCreate(t, reg, Target{ID: "b", Type: TypeRPCHTTP, Protocol: ProtocolA2A, Enabled: false})

	stdio := TypeStdio
	list, err := reg.List(ListFilter{Type: &stdio})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("expected only target a, got %+v", list)
	}

	enabled := true
	list, err = reg.List(ListFilter{Enabled: &enabled})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("expected only enabled target a, got %+v", list)
	}
}

func TestDeleteUnknownTargetFails(t *testing.T) {
	reg := openTestRegistry(t)
	err := reg.Delete("nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestGetByPrefix(t *testing.T) {
	reg := openTestRegistry(t)
	mustCreate(t, reg, Target{ID: "weather-mcp", Type: TypeStdio, Protocol: ProtocolMCP})
	mustCreate(t, reg, Target{ID: "weather-a2a", Type: TypeRPCHTTP, Protocol: ProtocolA2A})
	mustCreate(t, reg, Target{ID: "other", Type: TypeStdio, Protocol: ProtocolMCP})

	found, err := reg.GetByPrefix("weather")
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(found))
	}
}

func mustCreate(t *testing.T, reg *Registry, tgt Target) {
	t.Helper()
	if _, err := reg.Create(tgt); err != nil {
		t.Fatalf("Create(%s): %v", tgt.ID, err)
	}
}
