package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

// fakeClock is a controllable TimeProvider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newMonitoredPeer wires a monitored session to a remote end. The remote
// answers probes only while answering is true.
func newMonitoredPeer(t *testing.T, m *Monitor, reg *session.Registry, peerID string) (*session.Session, *transport.PipeChannel, *remotePeer) {
	t.Helper()

	chLocal, chRemote := transport.Pipe()
	s := session.New(peerID, chLocal, session.StateOpen)
	m.Bind(s)
	reg.Put(peerID, s)

	remote := &remotePeer{answering: true}
	remote.sess = session.New("local", chRemote, session.StateOpen)
	remote.sess.On(transport.KindKeepAlive, func(rs *session.Session, _ transport.Message) error {
		remote.mu.Lock()
		remote.probes++
		answer := remote.answering
		remote.mu.Unlock()
		if !answer {
			return nil
		}
		reply := &transport.KeepAliveResponse{}
		reply.PeerID = peerID
		return rs.Send(reply)
	})

	return s, chLocal, remote
}

type remotePeer struct {
	sess *session.Session

	mu        sync.Mutex
	answering bool
	probes    int
}

func (r *remotePeer) setAnswering(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answering = v
}

func (r *remotePeer) probeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes
}

func TestAnsweredProbeStaysHealthy(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	clock := newFakeClock()
	m.SetTimeProvider(clock)

	_, _, remote := newMonitoredPeer(t, m, reg, "alice")

	m.Heartbeat()
	if remote.probeCount() != 1 {
		t.Fatalf("Expected 1 probe, got %d", remote.probeCount())
	}

	// The pipe answers synchronously, so the response already arrived.
	clock.Advance(DefaultProbeTimeout + time.Second)
	m.Tick(context.Background())

	if m.Status("alice") != StatusHealthy {
		t.Error("Answered probe must keep the session healthy")
	}
}

func TestProbeSendFailureTurnsSuspect(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	m.SetTimeProvider(newFakeClock())

	_, ch, _ := newMonitoredPeer(t, m, reg, "alice")
	ch.FailSends(errors.New("link down"))

	m.Heartbeat()

	if m.Status("alice") != StatusSuspect {
		t.Error("A failed probe send must turn the session suspect immediately")
	}
}

func TestUnansweredProbeExpiresToSuspect(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	clock := newFakeClock()
	m.SetTimeProvider(clock)
	m.SetForeground(false)

	_, _, remote := newMonitoredPeer(t, m, reg, "alice")
	remote.setAnswering(false)

	m.Heartbeat()
	if m.Status("alice") != StatusHealthy {
		t.Fatal("Session must stay healthy while the probe is still pending")
	}

	// Before the timeout the probe is still just pending.
	clock.Advance(DefaultProbeTimeout - time.Second)
	m.Tick(context.Background())
	if m.Status("alice") == StatusSuspect {
		t.Fatal("Probe expired before its timeout")
	}

	clock.Advance(2 * time.Second)
	m.Tick(context.Background())
	if m.Status("alice") != StatusSuspect {
		t.Error("An unanswered probe must expire to suspect")
	}
}

func TestRecoveryClearsSuspect(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	clock := newFakeClock()
	m.SetTimeProvider(clock)
	m.SetForeground(false)

	_, _, remote := newMonitoredPeer(t, m, reg, "alice")
	remote.setAnswering(false)

	m.Heartbeat()
	clock.Advance(DefaultProbeTimeout + time.Second)
	m.Tick(context.Background())
	if m.Status("alice") != StatusSuspect {
		t.Fatal("Setup: session should be suspect")
	}

	// The peer comes back before the grace runs out.
	remote.setAnswering(true)
	m.Heartbeat()

	if m.Status("alice") != StatusHealthy {
		t.Error("An answered probe must clear the suspect state")
	}
}

func TestSuspectPastGraceReconnects(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	clock := newFakeClock()
	m.SetTimeProvider(clock)
	m.SetForeground(false)

	old, ch, _ := newMonitoredPeer(t, m, reg, "alice")
	ch.FailSends(errors.New("link down"))

	var dialed []string
	rebound := 0
	m.SetDialer(DialerFunc(func(ctx context.Context, peerID string) (*session.Session, error) {
		dialed = append(dialed, peerID)
		fresh, _ := transport.Pipe()
		return session.New(peerID, fresh, session.StateOpen), nil
	}))
	m.SetRebind(func(*session.Session) { rebound++ })

	m.Heartbeat()
	if m.Status("alice") != StatusSuspect {
		t.Fatal("Setup: session should be suspect")
	}

	clock.Advance(DefaultReconnectGrace + time.Second)
	m.Tick(context.Background())

	if len(dialed) != 1 || dialed[0] != "alice" {
		t.Fatalf("Expected one reconnect dial to alice, got %v", dialed)
	}
	if rebound != 1 {
		t.Errorf("Expected rebind to run once, got %d", rebound)
	}
	if old.State() != session.StateClosed {
		t.Error("The failed session must be closed before redialing")
	}
	got := reg.Get("alice")
	if got == nil || got == old {
		t.Error("Registry must hold the fresh session")
	}
	if m.Status("alice") != StatusHealthy {
		t.Error("A fresh session starts healthy")
	}
}

func TestReconnectFailureDropsSession(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	clock := newFakeClock()
	m.SetTimeProvider(clock)
	m.SetForeground(false)

	_, ch, _ := newMonitoredPeer(t, m, reg, "alice")
	ch.FailSends(errors.New("link down"))
	m.SetDialer(DialerFunc(func(ctx context.Context, peerID string) (*session.Session, error) {
		return nil, errors.New("unreachable")
	}))

	m.Heartbeat()
	clock.Advance(DefaultReconnectGrace + time.Second)
	m.Tick(context.Background())

	if reg.Get("alice") != nil {
		t.Error("A session that cannot be redialed must leave the registry")
	}
}

func TestBackgroundTransitionFiresImmediateHeartbeat(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	m.SetTimeProvider(newFakeClock())

	_, _, remote := newMonitoredPeer(t, m, reg, "alice")

	m.SetForeground(false)
	if remote.probeCount() != 1 {
		t.Errorf("Backgrounding must fire one immediate probe, got %d", remote.probeCount())
	}

	// Ticks while backgrounded do not probe.
	m.Tick(context.Background())
	if remote.probeCount() != 1 {
		t.Errorf("Backgrounded tick must not probe, got %d", remote.probeCount())
	}

	// Re-foregrounding without a transition to background fires nothing.
	m.SetForeground(true)
	if remote.probeCount() != 1 {
		t.Errorf("Foregrounding must not probe by itself, got %d", remote.probeCount())
	}

	m.Tick(context.Background())
	if remote.probeCount() != 2 {
		t.Errorf("Foregrounded tick must probe, got %d", remote.probeCount())
	}
}

func TestControlStep(t *testing.T) {
	// The loop must run at least as often as the tightest bound it enforces.
	if got := controlStep(30*time.Second, 5*time.Second, 2*time.Second); got != 2*time.Second {
		t.Errorf("Expected the grace to set the cadence, got %v", got)
	}
	if got := controlStep(time.Second, 5*time.Second, 4*time.Second); got != time.Second {
		t.Errorf("Cadence must never exceed the heartbeat interval, got %v", got)
	}
	if got := controlStep(30*time.Second, 0, 0); got != 30*time.Second {
		t.Errorf("Unset bounds fall back to the interval, got %v", got)
	}
}

func TestStartReconnectsWithinBounds(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")
	m.SetIntervals(200*time.Millisecond, 40*time.Millisecond, 40*time.Millisecond)

	_, ch, _ := newMonitoredPeer(t, m, reg, "alice")
	ch.FailSends(errors.New("link down"))

	dialed := make(chan string, 1)
	m.SetDialer(DialerFunc(func(ctx context.Context, peerID string) (*session.Session, error) {
		select {
		case dialed <- peerID:
		default:
		}
		fresh, _ := transport.Pipe()
		return session.New(peerID, fresh, session.StateOpen), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// Failure at the first heartbeat (~200ms), grace 40ms, control step
	// 40ms: the reconnect must land well inside one heartbeat interval of
	// the failure, not a full interval later.
	select {
	case peerID := <-dialed:
		if peerID != "alice" {
			t.Errorf("Expected reconnect dial to alice, got %s", peerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Reconnect never attempted")
	}
}

func TestBindAnswersProbes(t *testing.T) {
	reg := session.NewRegistry()
	m := NewMonitor(reg, "local")

	chLocal, chRemote := transport.Pipe()
	s := session.New("alice", chLocal, session.StateOpen)
	m.Bind(s)

	var answers []transport.Kind
	probing := session.New("local", chRemote, session.StateOpen)
	probing.On(transport.KindKeepAliveResponse, func(_ *session.Session, msg transport.Message) error {
		answers = append(answers, msg.Kind())
		return nil
	})
	probing.On(transport.KindHealthCheckResponse, func(_ *session.Session, msg transport.Message) error {
		answers = append(answers, msg.Kind())
		return nil
	})

	if err := probing.Send(&transport.KeepAlive{}); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if err := probing.Send(&transport.HealthCheck{}); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if len(answers) != 2 {
		t.Fatalf("Expected 2 answers, got %d", len(answers))
	}
	if answers[0] != transport.KindKeepAliveResponse || answers[1] != transport.KindHealthCheckResponse {
		t.Errorf("Wrong answer kinds: %v", answers)
	}
}
