package file

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/opd-ai/peerdrop/transport"
)

func TestChunkingRoundTrip(t *testing.T) {
	a, b, counting := newLinkedEndpoints(t, 16384)

	data := patternData(50000)
	desc := NewDescriptor("big.bin", "application/octet-stream", 50000, "a")

	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(data))
	require.NoError(t, err)

	// 50,000 bytes at 16,384 per chunk: 4 chunk messages, one completion.
	assert.Equal(t, 1, counting.count(transport.KindFileHeader))
	assert.Equal(t, 4, counting.count(transport.KindFileChunk))
	assert.Equal(t, 1, counting.count(transport.KindFileComplete))

	saved, ok := b.savedData(desc.FileID)
	require.True(t, ok, "receiver should have saved the file")
	assert.Len(t, saved, 50000)
	assert.True(t, bytes.Equal(saved, data), "reassembled bytes must match sent bytes")
}

func TestEmptyFileTransfer(t *testing.T) {
	a, b, counting := newLinkedEndpoints(t, 16384)

	desc := NewDescriptor("empty.txt", "text/plain", 0, "a")
	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(nil))
	require.NoError(t, err)

	assert.Equal(t, 0, counting.count(transport.KindFileChunk))
	saved, ok := b.savedData(desc.FileID)
	require.True(t, ok)
	assert.Empty(t, saved)
}

func TestCompletionCallback(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	var completed []string
	b.proto.OnComplete(func(fileID string) { completed = append(completed, fileID) })

	desc := NewDescriptor("note.txt", "text/plain", 3000, "a")
	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(patternData(3000)))
	require.NoError(t, err)

	require.Len(t, completed, 1)
	assert.Equal(t, desc.FileID, completed[0])
}

func TestProgressDeltas(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 100)

	var percents []int
	b.proto.OnProgress(func(percent int, fileID string) {
		percents = append(percents, percent)
	})

	desc := NewDescriptor("steady.bin", "application/octet-stream", 10000, "a")
	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(patternData(10000)))
	require.NoError(t, err)

	require.NotEmpty(t, percents)
	last := 0
	for _, p := range percents {
		if p < last+1 {
			t.Fatalf("Progress fired on a sub-1%% delta: %d after %d", p, last)
		}
		last = p
	}
	assert.Equal(t, 100, last, "final progress must reach 100")
}

func TestSizeMismatchRejectsRequest(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	// The owner declares 1000 bytes but holds only 900: reassembly must
	// fail with a size mismatch on the receiving side.
	desc := NewDescriptor("short.bin", "application/octet-stream", 1000, "a")
	a.proto.Register(desc, patternData(900))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.proto.RequestBlob(ctx, b.sess, desc, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, saved := b.savedData(desc.FileID)
	assert.False(t, saved, "mismatched transfer must not be saved")
}

func TestExactSizeSucceeds(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	data := patternData(1000)
	desc := NewDescriptor("exact.bin", "application/octet-stream", 1000, "a")
	a.proto.Register(desc, data)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.proto.RequestBlob(ctx, b.sess, desc, false)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, data))
}

func TestRequestBlobBypassesSaver(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	data := patternData(5000)
	desc := NewDescriptor("pull.bin", "application/octet-stream", 5000, "a")
	a.proto.Register(desc, data)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.proto.RequestBlob(ctx, b.sess, desc, true)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, data))

	_, saved := b.savedData(desc.FileID)
	assert.False(t, saved, "a pending blob request consumes the bytes instead of the saver")
}

func TestRequestBlobAbsent(t *testing.T) {
	_, b, _ := newLinkedEndpoints(t, 1024)

	desc := NewDescriptor("ghost.bin", "application/octet-stream", 10, "a")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.proto.RequestBlob(ctx, b.sess, desc, false)
	require.Error(t, err)
	assert.Equal(t, "File not available", err.Error())
}

func TestSecondConcurrentRequestRejected(t *testing.T) {
	_, b, _ := newLinkedEndpoints(t, 1024)

	desc := NewDescriptor("busy.bin", "application/octet-stream", 10, "a")
	b.proto.mu.Lock()
	b.proto.pending[desc.FileID] = &pendingBlob{done: make(chan blobResult, 1)}
	b.proto.mu.Unlock()

	_, err := b.proto.RequestBlob(context.Background(), b.sess, desc, false)
	assert.ErrorIs(t, err, ErrRequestInFlight)
}

func TestHeaderReplacesExistingInbound(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	header := &transport.FileHeader{
		FileID:         "dup",
		FileName:       "dup.bin",
		FileSize:       10,
		OriginalSender: "a",
	}
	require.NoError(t, a.sess.Send(header))
	require.NoError(t, a.sess.Send(&transport.FileChunk{FileID: "dup", Data: patternData(6), Total: 10}))

	// A second header for the same file restarts reassembly from scratch.
	require.NoError(t, a.sess.Send(header))
	require.NoError(t, a.sess.Send(&transport.FileChunk{FileID: "dup", Data: patternData(10), Total: 10}))
	require.NoError(t, a.sess.Send(&transport.FileComplete{FileID: "dup", FileSize: 10}))

	saved, ok := b.savedData("dup")
	require.True(t, ok)
	assert.Len(t, saved, 10)
}

func TestTransportErrorAbortsSend(t *testing.T) {
	a, _, _ := newLinkedEndpoints(t, 1024)

	chA, _ := transport.Pipe()
	fault := errors.New("link down")
	chA.FailSends(fault)
	broken := newBrokenSession(t, chA)

	desc := NewDescriptor("doomed.bin", "application/octet-stream", 5000, "a")
	err := a.proto.SendFile(context.Background(), broken, desc, bytes.NewReader(patternData(5000)))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault)
}

func TestShortSourceFailsSend(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	// The source holds 900 bytes against a declared 1000: the sender must
	// report the mismatch instead of claiming success.
	desc := NewDescriptor("short.bin", "application/octet-stream", 1000, "a")
	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(patternData(900)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, saved := b.savedData(desc.FileID)
	assert.False(t, saved, "truncated transfer must not be saved")
}

func TestPacedSendDelivers(t *testing.T) {
	a, b, counting := newLinkedEndpoints(t, 256)
	a.proto.SetPacer(rate.NewLimiter(2000, 1))

	data := patternData(2048)
	desc := NewDescriptor("paced.bin", "application/octet-stream", 2048, "a")
	err := a.proto.SendFile(context.Background(), a.sess, desc, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 8, counting.count(transport.KindFileChunk))
	saved, ok := b.savedData(desc.FileID)
	require.True(t, ok)
	assert.True(t, bytes.Equal(saved, data))
}

func TestPacerHonorsContext(t *testing.T) {
	a, _, _ := newLinkedEndpoints(t, 256)
	a.proto.SetPacer(rate.NewLimiter(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	desc := NewDescriptor("cancelled.bin", "application/octet-stream", 2048, "a")
	err := a.proto.SendFile(ctx, a.sess, desc, bytes.NewReader(patternData(2048)))
	assert.Error(t, err, "a cancelled context must abort the paced send")
}

func TestStallTimeoutAbandonsInbound(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	clock := newFakeClock()
	b.proto.SetTimeProvider(clock)
	b.proto.SetStallTimeout(30 * time.Second)

	require.NoError(t, a.sess.Send(&transport.FileHeader{
		FileID:         "stalled",
		FileName:       "stalled.bin",
		FileSize:       1 << 20,
		OriginalSender: "a",
	}))

	// Not yet stalled.
	clock.Advance(10 * time.Second)
	assert.Empty(t, b.proto.CheckTimeouts())

	clock.Advance(25 * time.Second)
	expired := b.proto.CheckTimeouts()
	require.Len(t, expired, 1)
	assert.Equal(t, "stalled", expired[0])

	// A late completion for the abandoned transfer is dropped.
	require.NoError(t, a.sess.Send(&transport.FileComplete{FileID: "stalled", FileSize: 1 << 20}))
	_, saved := b.savedData("stalled")
	assert.False(t, saved)
}

func TestChunkActivityResetsStallClock(t *testing.T) {
	a, b, _ := newLinkedEndpoints(t, 1024)

	clock := newFakeClock()
	b.proto.SetTimeProvider(clock)
	b.proto.SetStallTimeout(30 * time.Second)

	require.NoError(t, a.sess.Send(&transport.FileHeader{
		FileID:   "slow",
		FileName: "slow.bin",
		FileSize: 4096,
	}))

	clock.Advance(20 * time.Second)
	require.NoError(t, a.sess.Send(&transport.FileChunk{FileID: "slow", Data: patternData(1024), Total: 4096}))

	clock.Advance(20 * time.Second)
	assert.Empty(t, b.proto.CheckTimeouts(), "recent chunk activity must keep the transfer alive")
}
