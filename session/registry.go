package session

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry tracks the active sessions keyed by peer identifier. Removing
// the last session is the only externally observable global-connectivity
// transition; it fires the registered empty callback.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onEmpty  func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// OnEmpty registers the callback fired when the last session is removed.
func (r *Registry) OnEmpty(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = f
}

// Get returns the session for a peer, or nil when none exists.
func (r *Registry) Get(peerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[peerID]
}

// Put registers a session under its peer identifier, replacing any
// previous one.
func (r *Registry) Put(peerID string, s *Session) {
	r.mu.Lock()
	r.sessions[peerID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"peer_id":  peerID,
		"sessions": count,
	}).Debug("Session registered")
}

// Remove unregisters a peer's session. Removing a missing peer is a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	_, existed := r.sessions[peerID]
	if !existed {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, peerID)
	empty := len(r.sessions) == 0
	onEmpty := r.onEmpty
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"peer_id":  peerID,
		"empty":    empty,
	}).Debug("Session removed")

	if empty && onEmpty != nil {
		onEmpty()
	}
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Open returns every session currently in StateOpen.
func (r *Registry) Open() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsOpen() {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
