// Package peerdrop lets peer endpoints exchange files directly over
// negotiated reliable, ordered peer-to-peer channels, with no central file
// server. A rendezvous service only helps peers discover each other; once a
// channel is handed to the core, file bytes flow point-to-point.
//
// The Peer facade wires the connection registry, the chunked transfer
// protocol, the outbound send queue, the hub relay forwarder, the health
// monitor and the bulk retrieval engine, and exposes the callback surface
// the embedding application consumes.
//
// Example:
//
//	peer, err := peerdrop.New(peerdrop.NewOptions("alice"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	peer.OnProgress(func(percent int, fileID string) {
//	    fmt.Printf("%s: %d%%\n", fileID, percent)
//	})
//	peer.AddSession("bob", channel)
//	peer.SendFile("notes.txt", "text/plain", data)
package peerdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/peerdrop/bulk"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/health"
	"github.com/opd-ai/peerdrop/relay"
	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

// DefaultBlobTimeout bounds one blob fetch during bulk retrieval.
const DefaultBlobTimeout = 60 * time.Second

// DefaultConnectTimeout bounds opening a direct session to a file's owner.
const DefaultConnectTimeout = 10 * time.Second

// ErrNoRoute indicates no session, direct or hub, could reach a file's
// owner.
var ErrNoRoute = errors.New("no route to file owner")

// ErrNoSaver indicates a download was requested without a configured save
// side effect.
var ErrNoSaver = errors.New("no saver configured")

// ChannelDialer opens a fresh channel to a peer, typically by asking the
// rendezvous layer to broker the connection. It is the only piece of
// connection establishment the core delegates outward.
type ChannelDialer interface {
	DialChannel(ctx context.Context, peerID string) (transport.Channel, error)
}

// Options configures a Peer. Zero fields select defaults.
type Options struct {
	// PeerID is the local peer's identifier. Required.
	PeerID string

	// ChunkSize is the transfer chunk payload size.
	ChunkSize int

	// ChunksPerSecond rate-limits outbound chunk sends, bounding how hard
	// one transfer can drive a channel. Zero disables pacing.
	ChunksPerSecond float64

	// StallTimeout bounds inbound transfer inactivity.
	StallTimeout time.Duration

	// HeartbeatInterval, ProbeTimeout and ReconnectGrace tune the health
	// monitor.
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
	ReconnectGrace    time.Duration

	// ConnectTimeout bounds a direct-session dial; BlobTimeout bounds a
	// blob fetch.
	ConnectTimeout time.Duration
	BlobTimeout    time.Duration

	// BatchCeiling and OversizeThreshold tune bulk retrieval planning;
	// MemoryThreshold is the archive builder's safety fraction.
	BatchCeiling      uint64
	OversizeThreshold uint64
	MemoryThreshold   float64

	// ArchiveBaseName names multi-part bulk archives.
	ArchiveBaseName string

	// Saver is the save-to-disk side effect for received files.
	Saver file.SaveFunc

	// ArchiveSink receives finalized bulk archives. When nil, archives are
	// routed through Saver.
	ArchiveSink bulk.Sink

	// Dialer brokers new channels for direct sessions and reconnects.
	// Optional; without it, cross-hub requests stay hub-mediated and
	// failed sessions are not redialed.
	Dialer ChannelDialer
}

// NewOptions returns options with every tunable at its default.
func NewOptions(peerID string) *Options {
	return &Options{
		PeerID:            peerID,
		ChunkSize:         file.DefaultChunkSize,
		StallTimeout:      file.DefaultStallTimeout,
		HeartbeatInterval: health.DefaultHeartbeatInterval,
		ProbeTimeout:      health.DefaultProbeTimeout,
		ReconnectGrace:    health.DefaultReconnectGrace,
		ConnectTimeout:    DefaultConnectTimeout,
		BlobTimeout:       DefaultBlobTimeout,
		BatchCeiling:      bulk.DefaultBatchCeiling,
		OversizeThreshold: bulk.DefaultOversizeThreshold,
		MemoryThreshold:   bulk.DefaultMemoryThreshold,
	}
}

// Peer is the local endpoint: the context object bundling the connection
// registry, protocol state and queues, constructed per process so tests get
// fresh instances.
type Peer struct {
	opts    *Options
	reg     *session.Registry
	proto   *file.Protocol
	queue   *file.SendQueue
	fwd     *relay.Forwarder
	monitor *health.Monitor
	gauge   bulk.Gauge

	onFileAvailable func(file.Descriptor)
	cancelSweep     context.CancelFunc
}

// New creates and wires a peer.
func New(opts *Options) (*Peer, error) {
	if opts == nil || opts.PeerID == "" {
		return nil, errors.New("peer id required")
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  opts.PeerID,
	}).Info("Creating peer")

	p := &Peer{
		opts:  opts,
		reg:   session.NewRegistry(),
		gauge: bulk.NewSystemGauge(),
	}

	p.proto = file.NewProtocol(opts.ChunkSize)
	if opts.StallTimeout > 0 {
		p.proto.SetStallTimeout(opts.StallTimeout)
	}
	if opts.ChunksPerSecond > 0 {
		p.proto.SetPacer(rate.NewLimiter(rate.Limit(opts.ChunksPerSecond), 1))
	}
	p.proto.SetSaver(opts.Saver)

	p.fwd = relay.New(p.reg)
	p.proto.SetRelayTap(p.fwd.Claim)
	p.proto.SetUnknownBlobHandler(p.fwd.HandleBlobRequest)

	p.queue = file.NewSendQueue(p.proto, p.reg)

	p.monitor = health.NewMonitor(p.reg, opts.PeerID)
	p.monitor.SetIntervals(opts.HeartbeatInterval, opts.ProbeTimeout, opts.ReconnectGrace)
	if opts.Dialer != nil {
		p.monitor.SetDialer(health.DialerFunc(p.dialSession))
		p.monitor.SetRebind(p.bind)
	}

	return p, nil
}

// Registry exposes the connection registry for collaborators that read
// connectivity at decision points.
func (p *Peer) Registry() *session.Registry { return p.reg }

// OnProgress sets the transfer progress callback, fired on ≥1-point deltas.
func (p *Peer) OnProgress(f func(percent int, fileID string)) { p.proto.OnProgress(f) }

// OnComplete sets the inbound transfer completion callback.
func (p *Peer) OnComplete(f func(fileID string)) { p.proto.OnComplete(f) }

// OnSendResult sets the callback fired after each queued send drains.
func (p *Peer) OnSendResult(f func(file.SendResult)) { p.queue.OnDone(f) }

// OnFileAvailable sets the callback fired when another peer announces a
// file.
func (p *Peer) OnFileAvailable(f func(file.Descriptor)) { p.onFileAvailable = f }

// SetForeground records foreground state; backgrounding fires one immediate
// heartbeat instead of the periodic one.
func (p *Peer) SetForeground(fg bool) { p.monitor.SetForeground(fg) }

// Start launches the health monitor loop and the inbound stall sweeper.
func (p *Peer) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	p.cancelSweep = cancel

	p.monitor.Start(ctx)

	interval := p.opts.StallTimeout / 4
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.proto.CheckTimeouts()
				p.fwd.CheckTimeouts()
			case <-sweepCtx.Done():
				return
			}
		}
	}()
}

// Close stops the monitor and tears down every session.
func (p *Peer) Close() {
	p.monitor.Stop()
	if p.cancelSweep != nil {
		p.cancelSweep()
	}
	for _, s := range p.reg.All() {
		s.Close()
		p.reg.Remove(s.PeerID())
	}
}

// AddSession registers an established channel as an open session to peerID,
// wiring all handlers and announcing the local peer's presence.
func (p *Peer) AddSession(peerID string, ch transport.Channel) *session.Session {
	s := session.New(peerID, ch, session.StateOpen)
	p.bind(s)
	p.reg.Put(peerID, s)

	note := &transport.ConnectionNotification{}
	note.PeerID = p.opts.PeerID
	note.Timestamp = time.Now().UnixMilli()
	if err := s.Send(note); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddSession",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Debug("Connection notification failed")
	}

	return s
}

// RemovePeer closes and unregisters a peer's session. Missing peers are a
// no-op.
func (p *Peer) RemovePeer(peerID string) {
	if s := p.reg.Get(peerID); s != nil {
		s.Close()
	}
	p.reg.Remove(peerID)
}

// bind registers every component's handlers on a session.
func (p *Peer) bind(s *session.Session) {
	p.proto.Bind(s)
	p.monitor.Bind(s)

	s.On(transport.KindFileInfo, func(s *session.Session, msg transport.Message) error {
		info := msg.(*transport.FileInfo)
		p.fwd.HandleFileInfo(s, info)
		if p.onFileAvailable != nil && info.OriginalSender != p.opts.PeerID {
			p.onFileAvailable(file.DescriptorFromInfo(info))
		}
		return nil
	})

	s.On(transport.KindBlobRequestForwarded, p.handleForwarded)

	s.On(transport.KindConnectionNotification, func(s *session.Session, msg transport.Message) error {
		note := msg.(*transport.ConnectionNotification)
		logrus.WithFields(logrus.Fields{
			"function": "bind",
			"peer_id":  note.PeerID,
		}).Debug("Peer announced on session")
		return nil
	})

	s.On(transport.KindDisconnectNotification, func(s *session.Session, msg transport.Message) error {
		s.Close()
		p.reg.Remove(s.PeerID())
		return nil
	})
}

// handleForwarded answers a hub-forwarded pull request: preferably over a
// direct session to the requester, falling back to the hub session the
// request arrived on, where the hub passes the stream through.
func (p *Peer) handleForwarded(from *session.Session, msg transport.Message) error {
	fwd := msg.(*transport.BlobRequestForwarded)

	target := from
	if direct := p.reg.Get(fwd.RequesterID); direct != nil && direct.IsOpen() {
		target = direct
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleForwarded",
		"file_id":   fwd.FileID,
		"requester": fwd.RequesterID,
		"direct":    target != from,
	}).Info("Serving forwarded blob request")

	if err := p.proto.ServeBlob(context.Background(), target, fwd.FileID); err != nil {
		if errors.Is(err, file.ErrBlobUnavailable) {
			return from.Send(&transport.BlobError{FileID: fwd.FileID, Error: err.Error()})
		}
		return err
	}
	return nil
}

// ShareFile registers a local file for serving and announces its metadata
// to every open session. The returned descriptor is what remote peers use
// to pull the bytes.
func (p *Peer) ShareFile(name, mimeType string, data []byte) file.Descriptor {
	desc := file.NewDescriptor(name, mimeType, uint64(len(data)), p.opts.PeerID)
	p.proto.Register(desc, data)

	info := &transport.FileInfo{
		FileID:         desc.FileID,
		FileName:       desc.Name,
		FileType:       desc.MimeType,
		FileSize:       desc.Size,
		OriginalSender: desc.Owner,
		Timestamp:      time.Now().UnixMilli(),
	}
	for _, s := range p.reg.Open() {
		if err := s.Send(info); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ShareFile",
				"file_id":  desc.FileID,
				"peer_id":  s.PeerID(),
				"error":    err.Error(),
			}).Warn("Announcement failed")
		}
	}
	return desc
}

// SendFile queues a whole-file push to every open session. The result
// arrives through the OnSendResult callback; delivery to at least one
// recipient counts as overall success.
func (p *Peer) SendFile(name, mimeType string, data []byte) file.Descriptor {
	desc := file.NewDescriptor(name, mimeType, uint64(len(data)), p.opts.PeerID)
	p.proto.Register(desc, data)
	p.queue.Enqueue(desc, data)
	return desc
}

// RequestBlobFromPeer pulls a file's raw bytes with no save side effect,
// preferring a direct session to the owner and dialing one when possible.
func (p *Peer) RequestBlobFromPeer(ctx context.Context, desc file.Descriptor) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.BlobTimeout)
		defer cancel()
	}

	s, err := p.sessionForBlob(ctx, desc)
	if err != nil {
		return nil, err
	}
	return p.proto.RequestBlob(ctx, s, desc, false)
}

// RequestAndDownloadBlob pulls a file and hands it to the configured saver.
func (p *Peer) RequestAndDownloadBlob(ctx context.Context, desc file.Descriptor) error {
	if p.opts.Saver == nil {
		return ErrNoSaver
	}
	data, err := p.RequestBlobFromPeer(ctx, desc)
	if err != nil {
		return err
	}
	return p.opts.Saver(desc, data)
}

// sessionForBlob picks the session to pull through: the owner's direct
// session when open, a freshly dialed direct session when a dialer is
// configured, otherwise any open session acting as a hub.
func (p *Peer) sessionForBlob(ctx context.Context, desc file.Descriptor) (*session.Session, error) {
	if s := p.reg.Get(desc.Owner); s != nil && s.IsOpen() {
		return s, nil
	}

	if p.opts.Dialer != nil {
		dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
		s, err := p.dialSession(dialCtx, desc.Owner)
		if err == nil {
			p.reg.Put(desc.Owner, s)
			return s, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "sessionForBlob",
			"owner":    desc.Owner,
			"error":    err.Error(),
		}).Warn("Direct dial failed, trying hub path")
	}

	for _, s := range p.reg.Open() {
		return s, nil
	}
	return nil, ErrNoRoute
}

// dialSession opens and binds a brand-new session to a peer.
func (p *Peer) dialSession(ctx context.Context, peerID string) (*session.Session, error) {
	ch, err := p.opts.Dialer.DialChannel(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peerID, err)
	}
	s := session.New(peerID, ch, session.StateOpen)
	p.bind(s)
	return s, nil
}

// DownloadAll runs the full bulk retrieval: plan batches, build archives
// one at a time under the memory gauge, then download standalone files
// individually. Per-file and per-batch failures never abort the remainder.
func (p *Peer) DownloadAll(ctx context.Context, pending []file.Descriptor) (bulk.Result, error) {
	plan := bulk.PlanBatches(pending, p.opts.BatchCeiling, p.opts.OversizeThreshold)

	sink := p.opts.ArchiveSink
	if sink == nil {
		if p.opts.Saver == nil {
			return bulk.Result{}, ErrNoSaver
		}
		sink = func(name string, data []byte) error {
			return p.opts.Saver(file.Descriptor{
				FileID:   name,
				Name:     name,
				MimeType: "application/zip",
				Size:     uint64(len(data)),
			}, data)
		}
	}

	fetcher := bulk.FetcherFunc(func(ctx context.Context, d file.Descriptor) ([]byte, error) {
		return p.RequestBlobFromPeer(ctx, d)
	})
	builder := bulk.NewBuilder(fetcher, p.gauge, sink, p.opts.ArchiveBaseName)
	builder.SetThreshold(p.opts.MemoryThreshold)
	builder.SetFetchTimeout(p.opts.BlobTimeout)

	total := bulk.Result{Failed: make(map[string]error)}
	part := 1
	for _, batch := range plan.Batches {
		res, err := builder.BuildBatch(ctx, batch, part)
		total.Succeeded += res.Succeeded
		total.Parts += res.Parts
		for id, ferr := range res.Failed {
			total.Failed[id] = ferr
		}
		part += res.Parts
		if err != nil {
			// Fatal only to this batch; the next batch proceeds.
			logrus.WithFields(logrus.Fields{
				"function": "DownloadAll",
				"error":    err.Error(),
			}).Error("Batch aborted")
		}
	}

	for _, d := range plan.Standalone {
		if err := p.RequestAndDownloadBlob(ctx, d); err != nil {
			total.Failed[d.FileID] = err
			continue
		}
		total.Succeeded++
	}

	logrus.WithFields(logrus.Fields{
		"function": "DownloadAll",
		"outcome":  total.Summary(),
	}).Info("Bulk retrieval finished")

	return total, nil
}
