// Package transport defines the wire messages exchanged between peers and
// the channel abstraction they travel over.
//
// Every message is framed as a single kind byte followed by its payload.
// Control messages carry a JSON payload; file chunks carry a binary payload
// so raw file bytes are never re-encoded.
//
// Example:
//
//	data, err := transport.Encode(&transport.FileHeader{
//	    FileID:   "ab12...",
//	    FileName: "photo.jpg",
//	    FileSize: 1 << 20,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	msg, err := transport.Decode(data)
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a wire message.
type Kind byte

const (
	// File transfer message kinds
	KindFileInfo Kind = iota + 1
	KindFileHeader
	KindFileChunk
	KindFileComplete

	// Blob pull message kinds
	KindBlobRequest
	KindBlobRequestForwarded
	KindBlobError

	// Liveness and bookkeeping message kinds
	KindConnectionNotification
	KindKeepAlive
	KindKeepAliveResponse
	KindHealthCheck
	KindHealthCheckResponse
	KindDisconnectNotification
)

// String returns the wire name of the message kind.
func (k Kind) String() string {
	switch k {
	case KindFileInfo:
		return "file-info"
	case KindFileHeader:
		return "file-header"
	case KindFileChunk:
		return "file-chunk"
	case KindFileComplete:
		return "file-complete"
	case KindBlobRequest:
		return "blob-request"
	case KindBlobRequestForwarded:
		return "blob-request-forwarded"
	case KindBlobError:
		return "blob-error"
	case KindConnectionNotification:
		return "connection-notification"
	case KindKeepAlive:
		return "keep-alive"
	case KindKeepAliveResponse:
		return "keep-alive-response"
	case KindHealthCheck:
		return "health-check"
	case KindHealthCheckResponse:
		return "health-check-response"
	case KindDisconnectNotification:
		return "disconnect-notification"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Message is implemented by every wire message type.
type Message interface {
	Kind() Kind
}

// FileInfo announces a shareable file's metadata without opening a transfer.
type FileInfo struct {
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	FileSize       uint64 `json:"fileSize"`
	OriginalSender string `json:"originalSender"`
	Timestamp      int64  `json:"timestamp"`
}

// Kind implements Message.
func (*FileInfo) Kind() Kind { return KindFileInfo }

// FileHeader opens an inbound transfer for the identified file.
type FileHeader struct {
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	FileSize       uint64 `json:"fileSize"`
	OriginalSender string `json:"originalSender"`
	Timestamp      int64  `json:"timestamp"`
}

// Kind implements Message.
func (*FileHeader) Kind() Kind { return KindFileHeader }

// FileChunk carries one payload piece of an in-flight transfer. Reassembly
// is governed by channel ordering; Offset and Total are informational.
type FileChunk struct {
	FileID string
	Data   []byte
	Offset uint64
	Total  uint64
}

// Kind implements Message.
func (*FileChunk) Kind() Kind { return KindFileChunk }

// FileComplete closes a transfer and triggers reassembly and verification.
type FileComplete struct {
	FileID    string `json:"fileId"`
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  uint64 `json:"fileSize"`
	Timestamp int64  `json:"timestamp"`
}

// Kind implements Message.
func (*FileComplete) Kind() Kind { return KindFileComplete }

// BlobRequest asks the addressee to send the identified file's bytes.
type BlobRequest struct {
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	DirectRequest bool   `json:"directRequest"`
	ForwardTo     string `json:"forwardTo,omitempty"`
	ForZip        bool   `json:"forZip,omitempty"`
}

// Kind implements Message.
func (*BlobRequest) Kind() Kind { return KindBlobRequest }

// BlobRequestForwarded is a hub-mediated pull: the hub re-addresses a
// requester's blob request to the file's owner.
type BlobRequestForwarded struct {
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	OriginalSender string `json:"originalSender"`
	RequesterID    string `json:"requesterId"`
}

// Kind implements Message.
func (*BlobRequestForwarded) Kind() Kind { return KindBlobRequestForwarded }

// BlobError reports that a requested file could not be served.
type BlobError struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// Kind implements Message.
func (*BlobError) Kind() Kind { return KindBlobError }

// Notification is the shared shape of the liveness and bookkeeping
// messages: peer id and timestamp only.
type Notification struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionNotification announces a peer's presence on a fresh channel.
type ConnectionNotification struct{ Notification }

// Kind implements Message.
func (*ConnectionNotification) Kind() Kind { return KindConnectionNotification }

// KeepAlive is a heartbeat probe.
type KeepAlive struct{ Notification }

// Kind implements Message.
func (*KeepAlive) Kind() Kind { return KindKeepAlive }

// KeepAliveResponse answers a KeepAlive.
type KeepAliveResponse struct{ Notification }

// Kind implements Message.
func (*KeepAliveResponse) Kind() Kind { return KindKeepAliveResponse }

// HealthCheck is a passive health probe.
type HealthCheck struct{ Notification }

// Kind implements Message.
func (*HealthCheck) Kind() Kind { return KindHealthCheck }

// HealthCheckResponse answers a HealthCheck.
type HealthCheckResponse struct{ Notification }

// Kind implements Message.
func (*HealthCheckResponse) Kind() Kind { return KindHealthCheckResponse }

// DisconnectNotification announces an orderly session teardown.
type DisconnectNotification struct{ Notification }

// Kind implements Message.
func (*DisconnectNotification) Kind() Kind { return KindDisconnectNotification }

// ErrUnknownKind indicates a frame whose kind byte is not part of the
// message taxonomy.
var ErrUnknownKind = errors.New("unknown message kind")

// ErrFrameTooShort indicates a frame too small to carry its declared payload.
var ErrFrameTooShort = errors.New("frame too short")

// Encode converts a message to its wire frame.
func Encode(m Message) ([]byte, error) {
	if c, ok := m.(*FileChunk); ok {
		return encodeChunk(c)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = byte(m.Kind())
	copy(frame[1:], payload)
	return frame, nil
}

// encodeChunk frames a chunk as binary so file bytes avoid JSON.
// Format: [kind (1)][id len (2)][file id][offset (8)][total (8)][data]
func encodeChunk(c *FileChunk) ([]byte, error) {
	id := []byte(c.FileID)
	if len(id) > 0xFFFF {
		return nil, errors.New("file id too long")
	}

	frame := make([]byte, 1+2+len(id)+8+8+len(c.Data))
	frame[0] = byte(KindFileChunk)
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(id)))
	copy(frame[3:], id)
	off := 3 + len(id)
	binary.BigEndian.PutUint64(frame[off:off+8], c.Offset)
	binary.BigEndian.PutUint64(frame[off+8:off+16], c.Total)
	copy(frame[off+16:], c.Data)
	return frame, nil
}

// Decode parses a wire frame into its typed message.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, ErrFrameTooShort
	}

	kind := Kind(data[0])
	payload := data[1:]

	if kind == KindFileChunk {
		return decodeChunk(payload)
	}

	var msg Message
	switch kind {
	case KindFileInfo:
		msg = &FileInfo{}
	case KindFileHeader:
		msg = &FileHeader{}
	case KindFileComplete:
		msg = &FileComplete{}
	case KindBlobRequest:
		msg = &BlobRequest{}
	case KindBlobRequestForwarded:
		msg = &BlobRequestForwarded{}
	case KindBlobError:
		msg = &BlobError{}
	case KindConnectionNotification:
		msg = &ConnectionNotification{}
	case KindKeepAlive:
		msg = &KeepAlive{}
	case KindKeepAliveResponse:
		msg = &KeepAliveResponse{}
	case KindHealthCheck:
		msg = &HealthCheck{}
	case KindHealthCheckResponse:
		msg = &HealthCheckResponse{}
	case KindDisconnectNotification:
		msg = &DisconnectNotification{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, byte(kind))
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}

// decodeChunk parses the binary chunk frame produced by encodeChunk.
func decodeChunk(payload []byte) (*FileChunk, error) {
	if len(payload) < 2 {
		return nil, ErrFrameTooShort
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+idLen+16 {
		return nil, ErrFrameTooShort
	}

	c := &FileChunk{FileID: string(payload[2 : 2+idLen])}
	off := 2 + idLen
	c.Offset = binary.BigEndian.Uint64(payload[off : off+8])
	c.Total = binary.BigEndian.Uint64(payload[off+8 : off+16])
	c.Data = make([]byte, len(payload)-off-16)
	copy(c.Data, payload[off+16:])
	return c, nil
}
