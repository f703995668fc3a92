package session

import (
	"testing"

	"github.com/opd-ai/peerdrop/transport"
)

func newTestSession(peerID string, state State) *Session {
	ch, _ := transport.Pipe()
	return New(peerID, ch, state)
}

func TestRegistryPutGet(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession("alice", StateOpen)
	reg.Put("alice", s)

	if got := reg.Get("alice"); got != s {
		t.Error("Get returned wrong session")
	}
	if got := reg.Get("nobody"); got != nil {
		t.Error("Get for unknown peer should return nil")
	}
	if reg.Count() != 1 {
		t.Errorf("Expected count 1, got %d", reg.Count())
	}
}

func TestRegistryRemoveMissingIsNoOp(t *testing.T) {
	reg := NewRegistry()
	fired := false
	reg.OnEmpty(func() { fired = true })

	reg.Remove("ghost")

	if fired {
		t.Error("Removing a missing peer must not fire the empty callback")
	}
}

func TestRegistryEmptyTransition(t *testing.T) {
	reg := NewRegistry()
	fired := 0
	reg.OnEmpty(func() { fired++ })

	reg.Put("alice", newTestSession("alice", StateOpen))
	reg.Put("bob", newTestSession("bob", StateOpen))

	reg.Remove("alice")
	if fired != 0 {
		t.Error("Empty callback fired while sessions remain")
	}
	reg.Remove("bob")
	if fired != 1 {
		t.Errorf("Expected exactly one empty transition, got %d", fired)
	}
}

func TestRegistryOpenFiltersState(t *testing.T) {
	reg := NewRegistry()
	reg.Put("alice", newTestSession("alice", StateOpen))
	reg.Put("bob", newTestSession("bob", StateConnecting))
	reg.Put("carol", newTestSession("carol", StateClosed))

	open := reg.Open()
	if len(open) != 1 {
		t.Fatalf("Expected 1 open session, got %d", len(open))
	}
	if open[0].PeerID() != "alice" {
		t.Errorf("Expected alice, got %s", open[0].PeerID())
	}
	if len(reg.All()) != 3 {
		t.Errorf("All should return every session, got %d", len(reg.All()))
	}
}
