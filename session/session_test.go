package session

import (
	"errors"
	"testing"

	"github.com/opd-ai/peerdrop/transport"
)

func TestSendRequiresOpen(t *testing.T) {
	ch, _ := transport.Pipe()
	s := New("alice", ch, StateConnecting)

	err := s.Send(&transport.KeepAlive{})
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}

	s.SetState(StateOpen)
	if err := s.Send(&transport.KeepAlive{}); err != nil {
		t.Errorf("Send on open session failed: %v", err)
	}
}

func TestDeliverDispatchesByKind(t *testing.T) {
	chA, chB := transport.Pipe()
	s := New("alice", chA, StateOpen)

	var keepAlives, headers int
	s.On(transport.KindKeepAlive, func(_ *Session, _ transport.Message) error {
		keepAlives++
		return nil
	})
	s.On(transport.KindFileHeader, func(_ *Session, _ transport.Message) error {
		headers++
		return nil
	})

	remote := New("local", chB, StateOpen)
	if err := remote.Send(&transport.KeepAlive{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := remote.Send(&transport.FileHeader{FileID: "f"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// No handler for completion: must be dropped, not panic.
	if err := remote.Send(&transport.FileComplete{FileID: "f"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if keepAlives != 1 || headers != 1 {
		t.Errorf("Expected 1 keep-alive and 1 header, got %d and %d", keepAlives, headers)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, _ := transport.Pipe()
	s := New("alice", ch, StateOpen)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
	if err := s.Send(&transport.KeepAlive{}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after close: expected ErrNotOpen, got %v", err)
	}
}
