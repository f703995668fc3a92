// Package relay implements hub behavior: a peer holding sessions to two or
// more other peers re-announces file metadata between peers that cannot see
// each other and brokers pull requests across the hub.
//
// The hub relays metadata and connection brokering, never ownership: a
// re-announced descriptor carries the original sender unchanged, and the
// preferred path for the bytes themselves is a direct session between
// requester and owner. The hub-mediated byte relay exists for completeness
// when no direct session can be established.
package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

// DefaultRelayExpiry bounds how long a brokered relay entry may sit with no
// stream traffic transiting the hub. Entries for transfers that end up
// served over a direct requester-owner session never see their stream here,
// so they are reaped instead of leaking.
const DefaultRelayExpiry = 60 * time.Second

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

// relayState tracks one in-flight brokered transfer.
type relayState struct {
	requesterID  string
	lastActivity time.Time
}

// Forwarder re-announces file metadata and brokers pull requests when the
// local peer is acting as a hub.
type Forwarder struct {
	reg *session.Registry

	mu     sync.Mutex
	clock  TimeProvider
	expiry time.Duration
	owners map[string]string // fileID -> original sender, learned from announcements
	relays map[string]*relayState
}

// New creates a forwarder over the registry.
func New(reg *session.Registry) *Forwarder {
	return &Forwarder{
		reg:    reg,
		clock:  DefaultTimeProvider{},
		expiry: DefaultRelayExpiry,
		owners: make(map[string]string),
		relays: make(map[string]*relayState),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (f *Forwarder) SetTimeProvider(tp TimeProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = tp
}

// SetExpiry overrides the relay entry idle bound. Zero disables reaping.
func (f *Forwarder) SetExpiry(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiry = d
}

// HandleFileInfo records the announced file's owner and, when the local
// peer is a hub, re-announces the identical descriptor to every other open
// session. It returns the number of peers the announcement reached.
func (f *Forwarder) HandleFileInfo(from *session.Session, info *transport.FileInfo) int {
	f.mu.Lock()
	f.owners[info.FileID] = info.OriginalSender
	f.mu.Unlock()

	open := f.reg.Open()
	if len(open) < 2 {
		return 0
	}

	count := 0
	for _, s := range open {
		if s.PeerID() == from.PeerID() {
			continue
		}
		if err := s.Send(info); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleFileInfo",
				"file_id":  info.FileID,
				"peer_id":  s.PeerID(),
				"error":    err.Error(),
			}).Warn("Re-announcement failed")
			continue
		}
		count++
	}

	logrus.WithFields(logrus.Fields{
		"function":        "HandleFileInfo",
		"file_id":         info.FileID,
		"original_sender": info.OriginalSender,
		"announced_to":    count,
	}).Debug("File metadata re-announced")

	return count
}

// HandleBlobRequest forwards a pull request for a file the local peer does
// not hold to the file's owner, when the owner is reachable through this
// hub. It reports whether the request was taken over.
func (f *Forwarder) HandleBlobRequest(from *session.Session, req *transport.BlobRequest) bool {
	owner := req.ForwardTo
	if owner == "" {
		f.mu.Lock()
		owner = f.owners[req.FileID]
		f.mu.Unlock()
	}
	if owner == "" || owner == from.PeerID() {
		return false
	}

	ownerSess := f.reg.Get(owner)
	if ownerSess == nil || !ownerSess.IsOpen() {
		return false
	}

	f.mu.Lock()
	f.relays[req.FileID] = &relayState{requesterID: from.PeerID(), lastActivity: f.clock.Now()}
	f.mu.Unlock()

	fwd := &transport.BlobRequestForwarded{
		FileID:         req.FileID,
		FileName:       req.FileName,
		OriginalSender: owner,
		RequesterID:    from.PeerID(),
	}
	if err := ownerSess.Send(fwd); err != nil {
		f.mu.Lock()
		delete(f.relays, req.FileID)
		f.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "HandleBlobRequest",
			"file_id":  req.FileID,
			"owner":    owner,
			"error":    err.Error(),
		}).Warn("Forward to owner failed")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":  "HandleBlobRequest",
		"file_id":   req.FileID,
		"owner":     owner,
		"requester": from.PeerID(),
	}).Info("Blob request forwarded to owner")

	return true
}

// Claim intercepts transfer messages that belong to a brokered relay and
// passes them through verbatim to the requester, keeping the hub from
// reassembling bytes that are not addressed to it. A completion or
// blob-error retires the relay entry. It reports whether the message was
// claimed.
func (f *Forwarder) Claim(from *session.Session, msg transport.Message) bool {
	var fileID string
	final := false
	switch m := msg.(type) {
	case *transport.FileHeader:
		fileID = m.FileID
	case *transport.FileChunk:
		fileID = m.FileID
	case *transport.FileComplete:
		fileID = m.FileID
		final = true
	case *transport.BlobError:
		fileID = m.FileID
		final = true
	default:
		return false
	}

	f.mu.Lock()
	st, ok := f.relays[fileID]
	var requesterID string
	if ok {
		requesterID = st.requesterID
		if final {
			delete(f.relays, fileID)
		} else {
			st.lastActivity = f.clock.Now()
		}
	}
	f.mu.Unlock()
	if !ok || requesterID == from.PeerID() {
		return false
	}

	requester := f.reg.Get(requesterID)
	if requester == nil || !requester.IsOpen() {
		// Requester vanished mid-relay; swallow the stream rather than
		// reassembling bytes the hub does not own.
		logrus.WithFields(logrus.Fields{
			"function":  "Claim",
			"file_id":   fileID,
			"requester": requesterID,
		}).Warn("Requester gone, dropping relayed message")
		return true
	}

	if err := requester.Send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Claim",
			"file_id":   fileID,
			"requester": requesterID,
			"error":     err.Error(),
		}).Warn("Relay pass-through failed")
	}
	return true
}

// CheckTimeouts reaps relay entries whose stream has not transited the hub
// within the idle bound, as when the owner ends up serving the requester
// over a direct session. It returns the reaped fileIDs and should be called
// periodically.
func (f *Forwarder) CheckTimeouts() []string {
	f.mu.Lock()
	if f.expiry == 0 {
		f.mu.Unlock()
		return nil
	}
	var expired []string
	for fileID, st := range f.relays {
		if f.clock.Since(st.lastActivity) >= f.expiry {
			expired = append(expired, fileID)
			delete(f.relays, fileID)
		}
	}
	f.mu.Unlock()

	for _, fileID := range expired {
		logrus.WithFields(logrus.Fields{
			"function": "CheckTimeouts",
			"file_id":  fileID,
		}).Warn("Relay entry idle, reaping")
	}
	return expired
}
