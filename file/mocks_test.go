package file

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

// fakeClock is a controllable TimeProvider for deterministic timeout tests.
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

// countingChannel wraps a channel and counts outbound messages per kind.
type countingChannel struct {
	transport.Channel
	mu     sync.Mutex
	counts map[transport.Kind]int
}

func newCountingChannel(inner transport.Channel) *countingChannel {
	return &countingChannel{Channel: inner, counts: make(map[transport.Kind]int)}
}

func (c *countingChannel) Send(msg transport.Message) error {
	c.mu.Lock()
	c.counts[msg.Kind()]++
	c.mu.Unlock()
	return c.Channel.Send(msg)
}

func (c *countingChannel) count(kind transport.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// endpoint is one side of a linked protocol pair.
type endpoint struct {
	proto *Protocol
	sess  *session.Session

	mu    sync.Mutex
	saved map[string][]byte
	descs map[string]Descriptor
}

func (e *endpoint) savedData(fileID string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.saved[fileID]
	return data, ok
}

// newLinkedEndpoints wires two protocols over an in-memory pipe. The
// returned counting channel is endpoint a's outbound side.
func newLinkedEndpoints(t *testing.T, chunkSize int) (*endpoint, *endpoint, *countingChannel) {
	t.Helper()

	chA, chB := transport.Pipe()
	counting := newCountingChannel(chA)

	a := &endpoint{proto: NewProtocol(chunkSize), saved: make(map[string][]byte), descs: make(map[string]Descriptor)}
	b := &endpoint{proto: NewProtocol(chunkSize), saved: make(map[string][]byte), descs: make(map[string]Descriptor)}

	a.sess = session.New("b", counting, session.StateOpen)
	b.sess = session.New("a", chB, session.StateOpen)

	a.proto.Bind(a.sess)
	b.proto.Bind(b.sess)

	a.proto.SetSaver(a.makeSaver())
	b.proto.SetSaver(b.makeSaver())

	return a, b, counting
}

func (e *endpoint) makeSaver() SaveFunc {
	return func(desc Descriptor, data []byte) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.saved[desc.FileID] = data
		e.descs[desc.FileID] = desc
		return nil
	}
}

// newBrokenSession returns an open session over the given channel, used
// with an injected channel fault.
func newBrokenSession(t *testing.T, ch transport.Channel) *session.Session {
	t.Helper()
	return session.New("broken", ch, session.StateOpen)
}

// patternData returns deterministic non-trivial test bytes.
func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*7 + i/255) % 256)
	}
	return data
}
