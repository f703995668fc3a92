package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/session"
)

// ErrNoRecipients indicates a send found no open sessions to deliver to.
var ErrNoRecipients = errors.New("no open sessions")

// SendResult reports one queued file's fan-out outcome. The send succeeded
// overall when at least one recipient received the file; per-recipient
// failures never abort delivery to the others.
type SendResult struct {
	FileID    string
	Delivered int
	Failures  map[string]error
}

// Err returns nil when the send succeeded overall.
func (r SendResult) Err() error {
	if r.Delivered > 0 {
		return nil
	}
	if len(r.Failures) == 0 {
		return ErrNoRecipients
	}
	for peerID, err := range r.Failures {
		return fmt.Errorf("send failed to all %d recipients, peer %s: %w", len(r.Failures), peerID, err)
	}
	return nil
}

// SendQueue serializes the local peer's outbound whole-file sends, one at a
// time in FIFO order. A queued file is fanned out to every open session
// sequentially, one recipient's full header-chunks-completion cycle
// finishing before the next begins, so only one outbound file buffer is
// resident at a time.
type SendQueue struct {
	proto *Protocol
	reg   *session.Registry

	mu      sync.Mutex
	busy    bool
	pending []queuedSend
	onDone  func(SendResult)
}

type queuedSend struct {
	desc Descriptor
	data []byte
}

// NewSendQueue creates a queue sending through the given protocol to every
// open registry session.
func NewSendQueue(proto *Protocol, reg *session.Registry) *SendQueue {
	return &SendQueue{proto: proto, reg: reg}
}

// OnDone sets the callback fired after each queued file's fan-out finishes,
// successfully or not.
func (q *SendQueue) OnDone(f func(SendResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDone = f
}

// Enqueue schedules a file for delivery. When the queue is idle the send
// starts immediately; otherwise the file waits its FIFO turn.
func (q *SendQueue) Enqueue(desc Descriptor, data []byte) {
	q.mu.Lock()
	if q.busy {
		q.pending = append(q.pending, queuedSend{desc: desc, data: data})
		depth := len(q.pending)
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"file_id":  desc.FileID,
			"depth":    depth,
		}).Debug("Queue busy, file appended")
		return
	}
	q.busy = true
	q.mu.Unlock()

	go q.run(queuedSend{desc: desc, data: data})
}

// Busy reports whether a send is in progress.
func (q *SendQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Len returns the number of files waiting behind the in-flight one.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// run drains the queue: each entry is fanned out, its result reported, and
// the next entry dequeued, regardless of failures.
func (q *SendQueue) run(entry queuedSend) {
	for {
		res := q.fanOut(entry)

		q.mu.Lock()
		done := q.onDone
		q.mu.Unlock()
		if done != nil {
			done(res)
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		entry = q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}

func (q *SendQueue) fanOut(entry queuedSend) SendResult {
	res := SendResult{
		FileID:   entry.desc.FileID,
		Failures: make(map[string]error),
	}

	for _, s := range q.reg.Open() {
		err := q.proto.SendFile(context.Background(), s, entry.desc, bytes.NewReader(entry.data))
		if err != nil {
			res.Failures[s.PeerID()] = err
			logrus.WithFields(logrus.Fields{
				"function": "fanOut",
				"file_id":  entry.desc.FileID,
				"peer_id":  s.PeerID(),
				"error":    err.Error(),
			}).Warn("Send to recipient failed")
			continue
		}
		res.Delivered++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "fanOut",
		"file_id":   entry.desc.FileID,
		"delivered": res.Delivered,
		"failed":    len(res.Failures),
	}).Info("Fan-out finished")

	return res
}
