package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/file"
)

// DefaultMemoryThreshold is the usage fraction at which a partially built
// archive is finalized early.
const DefaultMemoryThreshold = 0.75

// DefaultFetchTimeout bounds one blob fetch during bulk retrieval.
const DefaultFetchTimeout = 60 * time.Second

// ErrArchiveAllocation indicates archive serialization itself failed,
// typically because memory pressure was detected too late. It is fatal only
// to the current batch; callers should retry with smaller batches.
var ErrArchiveAllocation = errors.New("archive allocation failed")

// Fetcher pulls one file's raw bytes, normally through a pending blob
// request on the transfer protocol.
type Fetcher interface {
	FetchBlob(ctx context.Context, desc file.Descriptor) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, desc file.Descriptor) ([]byte, error)

// FetchBlob implements Fetcher.
func (f FetcherFunc) FetchBlob(ctx context.Context, desc file.Descriptor) ([]byte, error) {
	return f(ctx, desc)
}

// Sink receives one finalized archive, named with its sequential part
// number, for the download side effect.
type Sink func(name string, data []byte) error

// Result reports one batch's outcome: bulk operations report succeeded and
// failed counts rather than failing wholesale.
type Result struct {
	Succeeded int
	Failed    map[string]error
	Parts     int
}

// Summary renders the user-visible single-line outcome.
func (r Result) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed", r.Succeeded, len(r.Failed))
}

// Builder assembles archives from fetched blobs one batch at a time,
// watching a live memory gauge and flushing early under pressure. Entries
// are stored uncompressed to bound peak memory and CPU.
type Builder struct {
	fetch        Fetcher
	gauge        Gauge
	sink         Sink
	baseName     string
	threshold    float64
	fetchTimeout time.Duration
}

// NewBuilder creates a builder. gauge may be nil when the runtime exposes
// no memory gauge; pressure checks are then skipped entirely.
func NewBuilder(fetch Fetcher, gauge Gauge, sink Sink, baseName string) *Builder {
	if baseName == "" {
		baseName = "peerdrop-files"
	}
	return &Builder{
		fetch:        fetch,
		gauge:        gauge,
		sink:         sink,
		baseName:     baseName,
		threshold:    DefaultMemoryThreshold,
		fetchTimeout: DefaultFetchTimeout,
	}
}

// SetThreshold overrides the memory safety threshold fraction.
func (b *Builder) SetThreshold(t float64) {
	if t > 0 {
		b.threshold = t
	}
}

// SetFetchTimeout overrides the per-blob fetch bound.
func (b *Builder) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		b.fetchTimeout = d
	}
}

// BuildBatch fetches every file of one batch and packages them into one or
// more archives, handing each finalized archive to the sink with a
// sequential part number starting at startPart. Memory pressure finalizes
// the current archive immediately and starts a fresh one for the remainder.
func (b *Builder) BuildBatch(ctx context.Context, batch []file.Descriptor, startPart int) (Result, error) {
	res := Result{Failed: make(map[string]error)}
	part := startPart
	arc := newArchive()

	// Files added to the in-progress archive; they only count as succeeded
	// once their archive is finalized.
	var inArchive []string

	abort := func(i int, err error) (Result, error) {
		for _, id := range inArchive {
			res.Failed[id] = err
		}
		for _, d := range batch[i:] {
			if _, seen := res.Failed[d.FileID]; !seen {
				res.Failed[d.FileID] = err
			}
		}
		return res, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "BuildBatch",
		"files":      len(batch),
		"start_part": startPart,
	}).Info("Building archive batch")

	for i, desc := range batch {
		if b.underPressure() && arc.count > 0 {
			if err := b.finalize(arc, part); err != nil {
				return abort(i, err)
			}
			res.Succeeded += len(inArchive)
			inArchive = nil
			res.Parts++
			part++
			arc = newArchive()
		}

		data, err := b.fetchOne(ctx, desc)
		if err != nil {
			res.Failed[desc.FileID] = err
			logrus.WithFields(logrus.Fields{
				"function":  "BuildBatch",
				"file_id":   desc.FileID,
				"file_name": desc.Name,
				"error":     err.Error(),
			}).Warn("Blob fetch failed, continuing batch")
			continue
		}

		if err := arc.add(desc.Name, data); err != nil {
			return abort(i+1, fmt.Errorf("%w: %v", ErrArchiveAllocation, err))
		}
		inArchive = append(inArchive, desc.FileID)

		if b.underPressure() {
			logrus.WithFields(logrus.Fields{
				"function": "BuildBatch",
				"files":    arc.count,
				"part":     part,
			}).Warn("Memory pressure, finalizing archive early")

			if err := b.finalize(arc, part); err != nil {
				return abort(i+1, err)
			}
			res.Succeeded += len(inArchive)
			inArchive = nil
			res.Parts++
			part++
			arc = newArchive()
		}
	}

	if arc.count > 0 {
		if err := b.finalize(arc, part); err != nil {
			return abort(len(batch), err)
		}
		res.Succeeded += len(inArchive)
		res.Parts++
	}

	logrus.WithFields(logrus.Fields{
		"function": "BuildBatch",
		"outcome":  res.Summary(),
		"parts":    res.Parts,
	}).Info("Archive batch finished")

	return res, nil
}

func (b *Builder) fetchOne(ctx context.Context, desc file.Descriptor) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()
	return b.fetch.FetchBlob(fetchCtx, desc)
}

func (b *Builder) underPressure() bool {
	if b.gauge == nil {
		return false
	}
	frac, ok := b.gauge.UsedFraction()
	return ok && frac >= b.threshold
}

// finalize closes the archive and hands it to the sink; the buffer is
// released once the sink returns.
func (b *Builder) finalize(arc *archive, part int) error {
	data, err := arc.close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAllocation, err)
	}
	name := fmt.Sprintf("%s-part-%d.zip", b.baseName, part)
	if err := b.sink(name, data); err != nil {
		return fmt.Errorf("archive sink: %w", err)
	}
	return nil
}

// archive accumulates uncompressed entries in memory.
type archive struct {
	buf   bytes.Buffer
	zw    *zip.Writer
	names map[string]int
	count int
}

func newArchive() *archive {
	a := &archive{names: make(map[string]int)}
	a.zw = zip.NewWriter(&a.buf)
	return a
}

// add stores one entry uncompressed, suffixing duplicate names with a
// numeric counter.
func (a *archive) add(name string, data []byte) error {
	entryName := a.uniqueName(name)
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:   entryName,
		Method: zip.Store,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	a.count++
	return nil
}

func (a *archive) uniqueName(name string) string {
	n := a.names[name]
	a.names[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%d%s", stem, n, ext)
}

func (a *archive) close() ([]byte, error) {
	if err := a.zw.Close(); err != nil {
		return nil, err
	}
	return a.buf.Bytes(), nil
}
