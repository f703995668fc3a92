// Package health monitors session liveness with periodic keep-alive
// heartbeats and drives the per-session reconnection state machine:
// Healthy, then Suspect when a probe fails or times out, then a fresh
// reconnect attempt after a short grace with no recovery.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

const (
	// DefaultHeartbeatInterval is the keep-alive cadence while foregrounded.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultProbeTimeout bounds how long an unanswered probe stays pending
	// before the session turns suspect.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultReconnectGrace is how long a suspect session may recover
	// before a reconnect is attempted.
	DefaultReconnectGrace = 2 * time.Second

	// DefaultDialTimeout bounds a reconnect dial.
	DefaultDialTimeout = 10 * time.Second
)

// Status is a session's health state.
type Status uint8

const (
	// StatusHealthy indicates probes are being answered.
	StatusHealthy Status = iota
	// StatusSuspect indicates a probe failed or timed out.
	StatusSuspect
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Dialer opens a brand-new session to a peer, used for reconnects. Any
// transfer in flight at disconnect time is lost; callers restart it.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (*session.Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, peerID string) (*session.Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, peerID string) (*session.Session, error) {
	return f(ctx, peerID)
}

type peerState struct {
	status       Status
	awaiting     bool
	probeSent    time.Time
	suspectSince time.Time
}

// Monitor runs heartbeats over the registry's open sessions and reconnects
// sessions that stay suspect past the grace period.
type Monitor struct {
	reg     *session.Registry
	localID string

	interval     time.Duration
	probeTimeout time.Duration
	grace        time.Duration
	dialTimeout  time.Duration

	mu         sync.Mutex
	clock      TimeProvider
	states     map[string]*peerState
	foreground bool
	dialer     Dialer
	rebind     func(*session.Session)
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMonitor creates a monitor for the registry's sessions. localID is the
// local peer identifier stamped into probe messages.
func NewMonitor(reg *session.Registry, localID string) *Monitor {
	return &Monitor{
		reg:          reg,
		localID:      localID,
		interval:     DefaultHeartbeatInterval,
		probeTimeout: DefaultProbeTimeout,
		grace:        DefaultReconnectGrace,
		dialTimeout:  DefaultDialTimeout,
		clock:        DefaultTimeProvider{},
		states:       make(map[string]*peerState),
		foreground:   true,
		stop:         make(chan struct{}),
	}
}

// SetDialer installs the reconnect dialer. Without one, a failed session is
// removed but never redialed.
func (m *Monitor) SetDialer(d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialer = d
}

// SetRebind installs the callback that re-registers handlers on a freshly
// reconnected session.
func (m *Monitor) SetRebind(f func(*session.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebind = f
}

// SetIntervals overrides the heartbeat cadence, probe timeout and suspect
// grace. Zero values keep the current setting.
func (m *Monitor) SetIntervals(interval, probeTimeout, grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.interval = interval
	}
	if probeTimeout > 0 {
		m.probeTimeout = probeTimeout
	}
	if grace > 0 {
		m.grace = grace
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (m *Monitor) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = tp
}

// Bind registers the monitor's liveness handlers on a session: probes are
// answered automatically, responses mark the peer healthy.
func (m *Monitor) Bind(s *session.Session) {
	s.On(transport.KindKeepAlive, func(s *session.Session, _ transport.Message) error {
		reply := &transport.KeepAliveResponse{}
		reply.PeerID = m.localID
		reply.Timestamp = m.now().UnixMilli()
		return s.Send(reply)
	})
	s.On(transport.KindKeepAliveResponse, func(s *session.Session, _ transport.Message) error {
		m.markHealthy(s.PeerID())
		return nil
	})
	s.On(transport.KindHealthCheck, func(s *session.Session, _ transport.Message) error {
		reply := &transport.HealthCheckResponse{}
		reply.PeerID = m.localID
		reply.Timestamp = m.now().UnixMilli()
		return s.Send(reply)
	})
	s.On(transport.KindHealthCheckResponse, func(s *session.Session, _ transport.Message) error {
		m.markHealthy(s.PeerID())
		return nil
	})
}

// Status returns a peer's current health status.
func (m *Monitor) Status(peerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[peerID]; ok {
		return st.status
	}
	return StatusHealthy
}

// SetForeground records whether the application is foregrounded. The
// periodic heartbeat only runs while foregrounded; the transition to
// background fires one immediate heartbeat instead.
func (m *Monitor) SetForeground(fg bool) {
	m.mu.Lock()
	was := m.foreground
	m.foreground = fg
	m.mu.Unlock()

	if was && !fg {
		logrus.WithFields(logrus.Fields{
			"function": "SetForeground",
		}).Debug("Backgrounded, sending immediate heartbeat")
		m.Heartbeat()
	}
}

// Heartbeat probes every open session once.
func (m *Monitor) Heartbeat() {
	for _, s := range m.reg.Open() {
		m.probe(s)
	}
}

// Tick runs one monitor step: expire unanswered probes, reconnect sessions
// past the suspect grace, then probe the remainder. Exposed for
// deterministic tests; Start calls it on the heartbeat interval.
func (m *Monitor) Tick(ctx context.Context) {
	m.expireProbes()
	m.reconnectSuspects(ctx)

	m.mu.Lock()
	fg := m.foreground
	m.mu.Unlock()
	if fg {
		m.Heartbeat()
	}
}

// controlStep returns the loop cadence: probe expiry and reconnect grace
// must be evaluated at least as often as their own bounds, not just once
// per heartbeat interval.
func controlStep(interval, probeTimeout, grace time.Duration) time.Duration {
	step := probeTimeout
	if grace < step {
		step = grace
	}
	if step <= 0 || step > interval {
		step = interval
	}
	return step
}

// Start runs the monitor loop until Stop or ctx cancellation. The loop
// ticks on the control step; heartbeats fire on the heartbeat interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	interval := m.interval
	step := controlStep(m.interval, m.probeTimeout, m.grace)
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		nextBeat := time.Now().Add(interval)
		for {
			select {
			case <-ticker.C:
				m.expireProbes()
				m.reconnectSuspects(ctx)

				if time.Now().Before(nextBeat) {
					continue
				}
				nextBeat = time.Now().Add(interval)
				m.mu.Lock()
				fg := m.foreground
				m.mu.Unlock()
				if fg {
					m.Heartbeat()
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the monitor loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// probe sends one keep-alive; a send failure turns the session suspect
// immediately, an unanswered probe turns it suspect after the probe
// timeout.
func (m *Monitor) probe(s *session.Session) {
	ka := &transport.KeepAlive{}
	ka.PeerID = m.localID
	ka.Timestamp = m.now().UnixMilli()

	// Record the pending probe before sending: the response may arrive at
	// any point after the send, including synchronously on loopback
	// channels.
	m.mu.Lock()
	st := m.state(s.PeerID())
	if st.status == StatusHealthy && !st.awaiting {
		st.awaiting = true
		st.probeSent = m.clock.Now()
	}
	m.mu.Unlock()

	if err := s.Send(ka); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "probe",
			"peer_id":  s.PeerID(),
			"error":    err.Error(),
		}).Warn("Probe send failed")
		m.suspect(s.PeerID())
	}
}

func (m *Monitor) expireProbes() {
	m.mu.Lock()
	var expired []string
	for peerID, st := range m.states {
		if st.status == StatusHealthy && st.awaiting && m.clock.Since(st.probeSent) >= m.probeTimeout {
			expired = append(expired, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range expired {
		logrus.WithFields(logrus.Fields{
			"function": "expireProbes",
			"peer_id":  peerID,
		}).Warn("Probe unanswered, session suspect")
		m.suspect(peerID)
	}
}

func (m *Monitor) reconnectSuspects(ctx context.Context) {
	m.mu.Lock()
	var due []string
	for peerID, st := range m.states {
		if st.status == StatusSuspect && m.clock.Since(st.suspectSince) >= m.grace {
			due = append(due, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range due {
		m.reconnect(ctx, peerID)
	}
}

// reconnect tears the old session down and opens a brand-new one to the
// same peer identifier, re-registering handlers on success.
func (m *Monitor) reconnect(ctx context.Context, peerID string) {
	if old := m.reg.Get(peerID); old != nil {
		old.Close()
	}
	m.reg.Remove(peerID)

	m.mu.Lock()
	delete(m.states, peerID)
	dialer := m.dialer
	rebind := m.rebind
	dialTimeout := m.dialTimeout
	m.mu.Unlock()

	if dialer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "reconnect",
			"peer_id":  peerID,
		}).Info("No dialer configured, session dropped")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	s, err := dialer.Dial(dialCtx, peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reconnect",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Reconnect failed")
		return
	}

	m.reg.Put(peerID, s)
	if rebind != nil {
		rebind(s)
	}

	logrus.WithFields(logrus.Fields{
		"function": "reconnect",
		"peer_id":  peerID,
	}).Info("Session reconnected")
}

func (m *Monitor) markHealthy(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(peerID)
	st.status = StatusHealthy
	st.awaiting = false
}

func (m *Monitor) suspect(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(peerID)
	if st.status != StatusSuspect {
		st.status = StatusSuspect
		st.suspectSince = m.clock.Now()
	}
	st.awaiting = false
}

// state returns the peer's state, creating it. Callers hold m.mu.
func (m *Monitor) state(peerID string) *peerState {
	st, ok := m.states[peerID]
	if !ok {
		st = &peerState{}
		m.states[peerID] = st
	}
	return st
}

func (m *Monitor) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now()
}
