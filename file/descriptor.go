package file

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/peerdrop/transport"
)

// idSize is the FileID digest length in bytes.
const idSize = 20

// Descriptor identifies a shareable file. It is immutable and propagated by
// value in metadata announcements; Owner never changes as announcements are
// relayed.
type Descriptor struct {
	FileID   string
	Name     string
	MimeType string
	Size     uint64
	Owner    string
}

// NewDescriptor builds a descriptor for a locally owned file, deriving a
// fresh FileID.
func NewDescriptor(name, mimeType string, size uint64, owner string) Descriptor {
	return Descriptor{
		FileID:   NewFileID(name, size),
		Name:     name,
		MimeType: mimeType,
		Size:     size,
		Owner:    owner,
	}
}

// NewFileID derives a file identifier from the file's name and size plus a
// random nonce. The nonce keeps two distinct files with identical name and
// size from ever sharing an identifier; the identifier still correlates
// every message of one logical transfer because descriptors propagate by
// value.
func NewFileID(name string, size uint64) string {
	h, err := blake2b.New(idSize, nil)
	if err != nil {
		// Only reachable with an invalid digest size.
		panic(err)
	}

	h.Write([]byte(name))

	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], size)
	h.Write(sz[:])

	nonce := uuid.New()
	h.Write(nonce[:])

	return hex.EncodeToString(h.Sum(nil))
}

// descriptorFromHeader reconstructs the sender's descriptor from a transfer
// header.
func descriptorFromHeader(h *transport.FileHeader) Descriptor {
	return Descriptor{
		FileID:   h.FileID,
		Name:     h.FileName,
		MimeType: h.FileType,
		Size:     h.FileSize,
		Owner:    h.OriginalSender,
	}
}

// DescriptorFromInfo reconstructs a descriptor from a metadata announcement.
func DescriptorFromInfo(info *transport.FileInfo) Descriptor {
	return Descriptor{
		FileID:   info.FileID,
		Name:     info.FileName,
		MimeType: info.FileType,
		Size:     info.FileSize,
		Owner:    info.OriginalSender,
	}
}
