package transport

import (
	"errors"
	"sync"
)

// ErrChannelClosed indicates a send on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Receiver consumes inbound messages from a channel.
type Receiver func(msg Message)

// Channel is one end of an established reliable, ordered, bidirectional
// connection between two peers. Implementations must deliver messages in
// send order and report send failures synchronously.
type Channel interface {
	// Send transmits a message to the remote end.
	Send(msg Message) error

	// SetReceiver installs the consumer for inbound messages. It must be
	// called before any traffic arrives.
	SetReceiver(r Receiver)

	// Close shuts the channel down. Further sends fail with ErrChannelClosed.
	Close() error
}

// PipeChannel is an in-memory Channel whose remote end is another
// PipeChannel in the same process. Sends are encoded and re-decoded so the
// full wire codec is exercised, then delivered synchronously to the remote
// receiver. Intended for tests and loopback wiring.
type PipeChannel struct {
	mu      sync.Mutex
	peer    *PipeChannel
	recv    Receiver
	closed  bool
	sendErr error
}

// Pipe returns two connected in-memory channels.
func Pipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{}
	b := &PipeChannel{}
	a.peer = b
	b.peer = a
	return a, b
}

// Send implements Channel.
func (p *PipeChannel) Send(msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	if p.sendErr != nil {
		err := p.sendErr
		p.mu.Unlock()
		return err
	}
	peer := p.peer
	p.mu.Unlock()

	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := Decode(frame)
	if err != nil {
		return err
	}
	return peer.deliver(decoded)
}

func (p *PipeChannel) deliver(msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	recv := p.recv
	p.mu.Unlock()

	if recv != nil {
		recv(msg)
	}
	return nil
}

// SetReceiver implements Channel.
func (p *PipeChannel) SetReceiver(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recv = r
}

// Close implements Channel.
func (p *PipeChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FailSends makes every subsequent Send return err, simulating a transport
// fault without tearing the pipe down. Pass nil to clear.
func (p *PipeChannel) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}
