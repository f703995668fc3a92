// Package file implements the chunked file-transfer protocol: splitting a
// file into fixed-size pieces framed as header, chunk and completion
// messages, reassembling and verifying them on the receiving side, serving
// blob pull requests from a local library, and serializing outbound sends
// through a FIFO queue.
//
// Example:
//
//	proto := file.NewProtocol(0)
//	proto.OnProgress(func(percent int, fileID string) {
//	    fmt.Printf("%s: %d%%\n", fileID, percent)
//	})
//	proto.Bind(sess)
//	err := proto.SendFile(ctx, sess, desc, bytes.NewReader(data))
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/peerdrop/session"
	"github.com/opd-ai/peerdrop/transport"
)

// DefaultChunkSize is the fixed chunk payload size in bytes.
const DefaultChunkSize = 64 * 1024

// DefaultStallTimeout bounds how long an inbound transfer may sit without
// receiving data before it is abandoned.
const DefaultStallTimeout = 60 * time.Second

// ErrSizeMismatch indicates the reassembled length differs from the
// declared file size.
var ErrSizeMismatch = errors.New("reassembled size does not match declared size")

// ErrBlobUnavailable indicates the addressee does not hold the requested
// file. The message text is wire-visible in blob-error replies.
var ErrBlobUnavailable = errors.New("File not available")

// ErrRequestInFlight indicates a blob request for the same file is already
// outstanding. A second concurrent request is rejected rather than risking
// a double resolution.
var ErrRequestInFlight = errors.New("blob request already in flight")

// ErrRequestTimeout indicates a blob fetch stayed outstanding beyond its
// bound.
var ErrRequestTimeout = errors.New("blob request timed out")

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

// SaveFunc persists a completed inbound file. It is the save-to-disk side
// effect owned by the embedding application.
type SaveFunc func(desc Descriptor, data []byte) error

// RelayTap lets a hub claim transfer messages that belong to a brokered
// relay before local reassembly sees them. It reports whether the message
// was claimed.
type RelayTap func(from *session.Session, msg transport.Message) bool

// BlobRequestHook handles a blob request for a file the local library does
// not hold. It reports whether the request was taken over (for example,
// forwarded to the file's owner).
type BlobRequestHook func(from *session.Session, req *transport.BlobRequest) bool

// inboundKey identifies one inbound transfer: at most one exists per fileID
// per peer at a time.
type inboundKey struct {
	peerID string
	fileID string
}

// inboundTransfer accumulates one file's chunks in arrival order.
type inboundTransfer struct {
	desc         Descriptor
	chunks       [][]byte
	received     uint64
	lastPercent  int
	lastActivity time.Time
}

type blobResult struct {
	data []byte
	err  error
}

type pendingBlob struct {
	done chan blobResult
}

type storedBlob struct {
	desc Descriptor
	data []byte
}

// Protocol implements both sides of the chunked transfer protocol over
// registry sessions.
type Protocol struct {
	chunkSize    int
	clock        TimeProvider
	stallTimeout time.Duration

	mu      sync.Mutex
	inbound map[inboundKey]*inboundTransfer
	pending map[string]*pendingBlob
	library map[string]storedBlob

	pace        *rate.Limiter
	save        SaveFunc
	relayTap    RelayTap
	unknownBlob BlobRequestHook
	onProgress  func(percent int, fileID string)
	onComplete  func(fileID string)
}

// NewProtocol creates a protocol instance. A chunkSize of 0 selects
// DefaultChunkSize.
func NewProtocol(chunkSize int) *Protocol {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewProtocol",
		"chunk_size": chunkSize,
	}).Info("Creating transfer protocol")

	return &Protocol{
		chunkSize:    chunkSize,
		clock:        DefaultTimeProvider{},
		stallTimeout: DefaultStallTimeout,
		inbound:      make(map[inboundKey]*inboundTransfer),
		pending:      make(map[string]*pendingBlob),
		library:      make(map[string]storedBlob),
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (p *Protocol) SetTimeProvider(tp TimeProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = tp
}

// SetStallTimeout configures the inbound inactivity bound. Zero disables
// stall detection.
func (p *Protocol) SetStallTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallTimeout = d
}

// SetPacer installs a rate limiter applied between chunk sends. A nil
// limiter disables pacing.
func (p *Protocol) SetPacer(l *rate.Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pace = l
}

// SetSaver installs the save side effect for completed inbound files that
// no pending blob request claims.
func (p *Protocol) SetSaver(f SaveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.save = f
}

// SetRelayTap installs the hub's relay claim hook.
func (p *Protocol) SetRelayTap(tap RelayTap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relayTap = tap
}

// SetUnknownBlobHandler installs the hook consulted when a blob request
// names a file the local library does not hold.
func (p *Protocol) SetUnknownBlobHandler(h BlobRequestHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unknownBlob = h
}

// OnProgress sets the callback fired on every ≥1-percentage-point progress
// increase, on both sending and receiving sides.
func (p *Protocol) OnProgress(f func(percent int, fileID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProgress = f
}

// OnComplete sets the callback fired when an inbound transfer finishes.
func (p *Protocol) OnComplete(f func(fileID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = f
}

// Register adds a file to the local blob library so blob requests for it
// can be served.
func (p *Protocol) Register(desc Descriptor, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.library[desc.FileID] = storedBlob{desc: desc, data: data}

	logrus.WithFields(logrus.Fields{
		"function":  "Register",
		"file_id":   desc.FileID,
		"file_name": desc.Name,
		"file_size": desc.Size,
	}).Debug("Blob registered")
}

// Unregister removes a file from the local blob library.
func (p *Protocol) Unregister(fileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.library, fileID)
}

// Stored returns the descriptor of a library entry, if present.
func (p *Protocol) Stored(fileID string) (Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blob, ok := p.library[fileID]
	return blob.desc, ok
}

// Bind registers the protocol's handlers on a session.
func (p *Protocol) Bind(s *session.Session) {
	s.On(transport.KindFileHeader, p.handleHeader)
	s.On(transport.KindFileChunk, p.handleChunk)
	s.On(transport.KindFileComplete, p.handleComplete)
	s.On(transport.KindBlobRequest, p.handleBlobRequest)
	s.On(transport.KindBlobError, p.handleBlobError)
}

// SendFile transmits one file to one session: a header, a sequence of
// fixed-size chunks, then a completion message. The reader is consumed
// exactly once. A transport error aborts the transfer; there is no
// mid-transfer retry.
func (p *Protocol) SendFile(ctx context.Context, s *session.Session, desc Descriptor, r io.Reader) error {
	logrus.WithFields(logrus.Fields{
		"function":  "SendFile",
		"peer_id":   s.PeerID(),
		"file_id":   desc.FileID,
		"file_name": desc.Name,
		"file_size": desc.Size,
	}).Info("Starting outbound transfer")

	now := p.now().UnixMilli()
	header := &transport.FileHeader{
		FileID:         desc.FileID,
		FileName:       desc.Name,
		FileType:       desc.MimeType,
		FileSize:       desc.Size,
		OriginalSender: desc.Owner,
		Timestamp:      now,
	}
	if err := s.Send(header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	var sent uint64
	lastPercent := 0
	buf := make([]byte, p.chunkSize)
	for sent < desc.Size {
		if err := p.waitPace(ctx); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				break
			}
		} else if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}

		chunk := &transport.FileChunk{
			FileID: desc.FileID,
			Data:   buf[:n],
			Offset: sent,
			Total:  desc.Size,
		}
		if err := s.Send(chunk); err != nil {
			return fmt.Errorf("send chunk at %d: %w", sent, err)
		}
		sent += uint64(n)

		if percent := wholePercent(sent, desc.Size); percent >= lastPercent+1 {
			lastPercent = percent
			p.emitProgress(percent, desc.FileID)
		}
	}

	complete := &transport.FileComplete{
		FileID:    desc.FileID,
		FileName:  desc.Name,
		FileType:  desc.MimeType,
		FileSize:  desc.Size,
		Timestamp: p.now().UnixMilli(),
	}
	if err := s.Send(complete); err != nil {
		return fmt.Errorf("send completion: %w", err)
	}

	// A short read means the source held fewer bytes than declared. The
	// completion above lets the receiver detect the mismatch and discard
	// promptly; the sender reports the failure too.
	if sent != desc.Size {
		return fmt.Errorf("%w: declared %d, sent %d", ErrSizeMismatch, desc.Size, sent)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendFile",
		"peer_id":  s.PeerID(),
		"file_id":  desc.FileID,
		"sent":     sent,
	}).Info("Outbound transfer finished")

	return nil
}

// RequestBlob pulls a file's raw bytes from a peer without a save side
// effect. At most one request may be outstanding per fileID; a second one
// fails with ErrRequestInFlight. The caller bounds the wait through ctx.
func (p *Protocol) RequestBlob(ctx context.Context, s *session.Session, desc Descriptor, forZip bool) ([]byte, error) {
	p.mu.Lock()
	if _, exists := p.pending[desc.FileID]; exists {
		p.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	pb := &pendingBlob{done: make(chan blobResult, 1)}
	p.pending[desc.FileID] = pb
	p.mu.Unlock()

	req := &transport.BlobRequest{
		FileID:        desc.FileID,
		FileName:      desc.Name,
		DirectRequest: s.PeerID() == desc.Owner,
		ForZip:        forZip,
	}
	if err := s.Send(req); err != nil {
		p.dropPending(desc.FileID)
		return nil, fmt.Errorf("send blob request: %w", err)
	}

	select {
	case res := <-pb.done:
		return res.data, res.err
	case <-ctx.Done():
		p.dropPending(desc.FileID)
		p.dropInbound(s.PeerID(), desc.FileID)
		return nil, ErrRequestTimeout
	}
}

// ServeBlob sends a library file to a session, as when answering a
// forwarded pull request.
func (p *Protocol) ServeBlob(ctx context.Context, s *session.Session, fileID string) error {
	p.mu.Lock()
	blob, ok := p.library[fileID]
	p.mu.Unlock()

	if !ok {
		return ErrBlobUnavailable
	}
	return p.SendFile(ctx, s, blob.desc, bytes.NewReader(blob.data))
}

// CheckTimeouts abandons inbound transfers that have exceeded the stall
// timeout and rejects their pending requests. It returns the abandoned
// fileIDs and should be called periodically.
func (p *Protocol) CheckTimeouts() []string {
	p.mu.Lock()
	if p.stallTimeout == 0 {
		p.mu.Unlock()
		return nil
	}
	var expired []inboundKey
	for key, st := range p.inbound {
		if p.clock.Since(st.lastActivity) >= p.stallTimeout {
			expired = append(expired, key)
			delete(p.inbound, key)
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, key := range expired {
		logrus.WithFields(logrus.Fields{
			"function": "CheckTimeouts",
			"peer_id":  key.peerID,
			"file_id":  key.fileID,
		}).Warn("Inbound transfer stalled, abandoning")
		p.failPending(key.fileID, ErrRequestTimeout)
		ids = append(ids, key.fileID)
	}
	return ids
}

func (p *Protocol) handleHeader(s *session.Session, msg transport.Message) error {
	if p.tapped(s, msg) {
		return nil
	}
	header := msg.(*transport.FileHeader)

	p.mu.Lock()
	key := inboundKey{peerID: s.PeerID(), fileID: header.FileID}
	if _, exists := p.inbound[key]; exists {
		logrus.WithFields(logrus.Fields{
			"function": "handleHeader",
			"peer_id":  s.PeerID(),
			"file_id":  header.FileID,
		}).Warn("Replacing existing inbound transfer for file")
	}
	p.inbound[key] = &inboundTransfer{
		desc:         descriptorFromHeader(header),
		lastActivity: p.clock.Now(),
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleHeader",
		"peer_id":   s.PeerID(),
		"file_id":   header.FileID,
		"file_name": header.FileName,
		"file_size": header.FileSize,
	}).Info("Inbound transfer opened")

	return nil
}

func (p *Protocol) handleChunk(s *session.Session, msg transport.Message) error {
	if p.tapped(s, msg) {
		return nil
	}
	chunk := msg.(*transport.FileChunk)

	p.mu.Lock()
	key := inboundKey{peerID: s.PeerID(), fileID: chunk.FileID}
	st, ok := p.inbound[key]
	if !ok {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleChunk",
			"peer_id":  s.PeerID(),
			"file_id":  chunk.FileID,
		}).Warn("Chunk for unknown transfer, dropping")
		return nil
	}

	st.chunks = append(st.chunks, chunk.Data)
	st.received += uint64(len(chunk.Data))
	st.lastActivity = p.clock.Now()

	percent := wholePercent(st.received, st.desc.Size)
	fire := percent >= st.lastPercent+1
	if fire {
		st.lastPercent = percent
	}
	p.mu.Unlock()

	if fire {
		p.emitProgress(percent, chunk.FileID)
	}
	return nil
}

func (p *Protocol) handleComplete(s *session.Session, msg transport.Message) error {
	if p.tapped(s, msg) {
		return nil
	}
	complete := msg.(*transport.FileComplete)

	p.mu.Lock()
	key := inboundKey{peerID: s.PeerID(), fileID: complete.FileID}
	st, ok := p.inbound[key]
	delete(p.inbound, key)
	save := p.save
	p.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleComplete",
			"peer_id":  s.PeerID(),
			"file_id":  complete.FileID,
		}).Warn("Completion for unknown transfer, dropping")
		return nil
	}

	if st.received != st.desc.Size {
		err := fmt.Errorf("%w: declared %d, received %d", ErrSizeMismatch, st.desc.Size, st.received)
		logrus.WithFields(logrus.Fields{
			"function": "handleComplete",
			"peer_id":  s.PeerID(),
			"file_id":  complete.FileID,
			"declared": st.desc.Size,
			"received": st.received,
		}).Error("Reassembly size mismatch")
		p.failPending(complete.FileID, err)
		return err
	}

	data := make([]byte, 0, st.received)
	for _, c := range st.chunks {
		data = append(data, c...)
	}

	if p.resolvePending(complete.FileID, data) {
		p.emitComplete(complete.FileID)
		return nil
	}

	if save != nil {
		if err := save(st.desc, data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleComplete",
				"file_id":  complete.FileID,
				"error":    err.Error(),
			}).Error("Save side effect failed")
			return err
		}
	}

	p.emitComplete(complete.FileID)
	return nil
}

func (p *Protocol) handleBlobRequest(s *session.Session, msg transport.Message) error {
	req := msg.(*transport.BlobRequest)

	p.mu.Lock()
	blob, ok := p.library[req.FileID]
	hook := p.unknownBlob
	p.mu.Unlock()

	if ok {
		return p.SendFile(context.Background(), s, blob.desc, bytes.NewReader(blob.data))
	}

	if hook != nil && hook(s, req) {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleBlobRequest",
		"peer_id":  s.PeerID(),
		"file_id":  req.FileID,
	}).Warn("Blob request for unknown file")

	return s.Send(&transport.BlobError{FileID: req.FileID, Error: ErrBlobUnavailable.Error()})
}

func (p *Protocol) handleBlobError(s *session.Session, msg transport.Message) error {
	if p.tapped(s, msg) {
		return nil
	}
	blobErr := msg.(*transport.BlobError)
	p.failPending(blobErr.FileID, errors.New(blobErr.Error))
	return nil
}

func (p *Protocol) tapped(s *session.Session, msg transport.Message) bool {
	p.mu.Lock()
	tap := p.relayTap
	p.mu.Unlock()
	return tap != nil && tap(s, msg)
}

func (p *Protocol) resolvePending(fileID string, data []byte) bool {
	p.mu.Lock()
	pb, ok := p.pending[fileID]
	delete(p.pending, fileID)
	p.mu.Unlock()
	if ok {
		pb.done <- blobResult{data: data}
	}
	return ok
}

func (p *Protocol) failPending(fileID string, err error) {
	p.mu.Lock()
	pb, ok := p.pending[fileID]
	delete(p.pending, fileID)
	p.mu.Unlock()
	if ok {
		pb.done <- blobResult{err: err}
	}
}

func (p *Protocol) dropPending(fileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, fileID)
}

func (p *Protocol) dropInbound(peerID, fileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inbound, inboundKey{peerID: peerID, fileID: fileID})
}

func (p *Protocol) waitPace(ctx context.Context) error {
	p.mu.Lock()
	pace := p.pace
	p.mu.Unlock()
	if pace == nil {
		return nil
	}
	return pace.Wait(ctx)
}

func (p *Protocol) emitProgress(percent int, fileID string) {
	p.mu.Lock()
	f := p.onProgress
	p.mu.Unlock()
	if f != nil {
		f(percent, fileID)
	}
}

func (p *Protocol) emitComplete(fileID string) {
	p.mu.Lock()
	f := p.onComplete
	p.mu.Unlock()
	if f != nil {
		f(fileID)
	}
}

func (p *Protocol) now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock.Now()
}

// wholePercent returns received/total as a whole percentage, treating an
// empty file as complete.
func wholePercent(received, total uint64) int {
	if total == 0 {
		return 100
	}
	return int(received * 100 / total)
}
