// Package session tracks the active peer sessions and routes each session's
// inbound messages to typed handlers.
//
// A Session is one established reliable ordered channel to a remote peer.
// The Registry owns the set of sessions keyed by peer identifier; consumers
// subscribe to a session's traffic by registering a handler per message
// kind and read connectivity at decision points rather than subscribing to
// it.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/transport"
)

// State represents the lifecycle state of a session.
type State uint8

const (
	// StateConnecting indicates the channel is still being established.
	StateConnecting State = iota
	// StateOpen indicates the session is usable for traffic.
	StateOpen
	// StateClosed indicates the session has been torn down.
	StateClosed
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ErrNotOpen indicates a send on a session that is not in StateOpen. This
// is the transport-unavailable condition: callers must check existence and
// state before sending.
var ErrNotOpen = errors.New("session not open")

// Handler processes one inbound message on a session.
type Handler func(s *Session, msg transport.Message) error

// Session is an established channel to one remote peer plus the dispatch
// table for its inbound traffic.
type Session struct {
	peerID string
	ch     transport.Channel

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	handlers     map[transport.Kind]Handler
}

// New creates a session over an established channel and wires the channel's
// receiver to the session's dispatch table.
func New(peerID string, ch transport.Channel, state State) *Session {
	s := &Session{
		peerID:       peerID,
		ch:           ch,
		state:        state,
		lastActivity: time.Now(),
		handlers:     make(map[transport.Kind]Handler),
	}
	ch.SetReceiver(func(msg transport.Message) {
		s.Deliver(msg)
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  peerID,
		"state":    state.String(),
	}).Info("Session created")

	return s
}

// PeerID returns the remote peer's identifier.
func (s *Session) PeerID() string { return s.peerID }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session's state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IsOpen reports whether the session accepts traffic.
func (s *Session) IsOpen() bool { return s.State() == StateOpen }

// LastActivity returns the time of the most recent send or receive.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// On registers the handler for a message kind, replacing any previous one.
func (s *Session) On(kind transport.Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Send transmits a message if the session is open.
func (s *Session) Send(msg transport.Message) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.lastActivity = time.Now()
	ch := s.ch
	s.mu.Unlock()

	return ch.Send(msg)
}

// Deliver routes an inbound message to its registered handler. Messages
// without a handler are logged and dropped.
func (s *Session) Deliver(msg transport.Message) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	h := s.handlers[msg.Kind()]
	s.mu.Unlock()

	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Deliver",
			"peer_id":  s.peerID,
			"kind":     msg.Kind().String(),
		}).Debug("No handler registered, dropping message")
		return
	}

	if err := h(s, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Deliver",
			"peer_id":  s.peerID,
			"kind":     msg.Kind().String(),
			"error":    err.Error(),
		}).Warn("Message handler failed")
	}
}

// Close tears the session down and closes the underlying channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	ch := s.ch
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"peer_id":  s.peerID,
	}).Info("Session closed")

	return ch.Close()
}
