package barrel

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rummager/rummager/internal/indexer/index"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Posting is one (DocID, Frequency) pair.
type Posting struct {
	DocID     uint32
	Frequency uint32
}

// Record is one term of a barrel.
type Record struct {
	TermID   uint32
	Postings []Posting
}

// WriteStats summarises a barrel build.
type WriteStats struct {
	Terms      int
	Records    int
	Postings   int
	Unresolved int
	// Merged counts postings folded into an earlier posting of the same term
	// because two document keys resolved to one DocID.
	Merged int
	// Dropped counts terms whose every posting was unresolved.
	Dropped int
	Bytes   int64
}

// Writer streams inverted postings, in ascending TermID order, into barrel
// files. Every file stays at its temp name until Close, which replaces the
// previous build's barrels in one step.
type Writer struct {
	dir      string
	router   *Router
	resolver DocResolver
	logger   *slog.Logger

	manifest Manifest
	stats    WriteStats

	cur     *fileio.AtomicFile
	curInfo FileInfo
	crc     hash.Hash32
	pending []*fileio.AtomicFile

	started bool
	last    uint32

	buf      []byte
	postings []Posting
	seen     map[uint32]int
}

// NewWriter creates dir if needed. Barrels and dumps left by an earlier
// build are left alone until Close.
func NewWriter(dir string, router *Router, resolver DocResolver, docIDs string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating barrel directory: %w", err)
	}
	return &Writer{
		dir:      dir,
		router:   router,
		resolver: resolver,
		logger:   slog.Default().With("component", "barrel-writer"),
		manifest: Manifest{
			Schema:         CurrentSchema,
			TermsPerBarrel: router.TermsPerBarrel(),
			DocIDs:         docIDs,
			Files:          []FileInfo{},
		},
		crc:  crc32.NewIEEE(),
		seen: make(map[uint32]int),
	}, nil
}

func removeStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing barrel directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		stale := name == ManifestName
		if _, ok := ParseFileName(name); ok {
			stale = true
		}
		if k, ok := ParseFileName(trimDumpSuffix(name)); ok && name == dumpName(k) {
			stale = true
		}
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("removing stale barrel file %s: %w", name, err)
		}
	}
	return nil
}

// Add writes the record for one term. Postings whose key does not resolve
// are skipped.
func (w *Writer) Add(tp index.TermPostings) error {
	if w.started && tp.TermID <= w.last {
		return fmt.Errorf("%w: term %d arrived after term %d", apperrors.ErrFormatViolation, tp.TermID, w.last)
	}
	w.started = true
	w.last = tp.TermID
	w.stats.Terms++

	w.postings = w.postings[:0]
	clear(w.seen)
	for i := 0; i < tp.Docs.Len(); i++ {
		key, positions := tp.Docs.At(i)
		id, ok := w.resolver.Resolve(key)
		if !ok {
			w.stats.Unresolved++
			w.logger.Debug("skipping unresolved posting", "term_id", tp.TermID, "doc", key)
			continue
		}
		if j, dup := w.seen[id]; dup {
			w.postings[j].Frequency += uint32(len(positions))
			w.stats.Merged++
			continue
		}
		w.seen[id] = len(w.postings)
		w.postings = append(w.postings, Posting{DocID: id, Frequency: uint32(len(positions))})
	}
	if len(w.postings) == 0 {
		w.stats.Dropped++
		return nil
	}
	return w.write(Record{TermID: tp.TermID, Postings: w.postings})
}

func (w *Writer) write(rec Record) error {
	k := w.router.Route(rec.TermID)
	if w.cur == nil || k != w.curInfo.Barrel {
		if err := w.finishFile(); err != nil {
			return err
		}
		if err := w.openFile(k); err != nil {
			return err
		}
	}
	w.buf = AppendRecord(w.buf[:0], rec)
	if _, err := w.cur.Write(w.buf); err != nil {
		return fmt.Errorf("writing %s: %w", w.curInfo.Name, err)
	}
	w.crc.Write(w.buf)
	if w.curInfo.Records == 0 {
		w.curInfo.FirstTerm = rec.TermID
	}
	w.curInfo.LastTerm = rec.TermID
	w.curInfo.Records++
	w.curInfo.Postings += len(rec.Postings)
	w.curInfo.Bytes += int64(len(w.buf))
	w.stats.Records++
	w.stats.Postings += len(rec.Postings)
	return nil
}

// AppendRecord appends the binary encoding of rec to dst.
func AppendRecord(dst []byte, rec Record) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, rec.TermID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Postings)))
	for _, p := range rec.Postings {
		dst = binary.LittleEndian.AppendUint32(dst, p.DocID)
		dst = binary.LittleEndian.AppendUint32(dst, p.Frequency)
	}
	return dst
}

func (w *Writer) openFile(k uint32) error {
	name := FileName(k)
	f, err := fileio.Create(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	w.cur = f
	w.curInfo = FileInfo{Name: name, Barrel: k}
	w.crc.Reset()
	return nil
}

func (w *Writer) finishFile() error {
	if w.cur == nil {
		return nil
	}
	f := w.cur
	w.cur = nil
	if err := f.Seal(); err != nil {
		return err
	}
	w.pending = append(w.pending, f)
	w.curInfo.CRC32 = w.crc.Sum32()
	w.manifest.Files = append(w.manifest.Files, w.curInfo)
	w.stats.Bytes += w.curInfo.Bytes
	w.logger.Debug("barrel sealed",
		"barrel", w.curInfo.Barrel,
		"first_term", w.curInfo.FirstTerm,
		"last_term", w.curInfo.LastTerm,
		"records", w.curInfo.Records,
		"bytes", w.curInfo.Bytes,
	)
	return nil
}

// Close removes the previous build's barrels, moves every new barrel into
// place and writes the manifest. On failure no new barrel is left under its
// final name.
func (w *Writer) Close() (*Manifest, WriteStats, error) {
	if err := w.finishFile(); err != nil {
		w.Abort()
		return nil, w.stats, err
	}
	if err := removeStale(w.dir); err != nil {
		w.Abort()
		return nil, w.stats, err
	}
	for i, f := range w.pending {
		if err := f.Commit(); err != nil {
			for _, done := range w.pending[:i] {
				os.Remove(done.Path())
			}
			w.Abort()
			return nil, w.stats, err
		}
	}
	w.pending = nil
	if err := writeManifest(w.dir, &w.manifest); err != nil {
		w.unpublish()
		return nil, w.stats, err
	}
	w.logger.Info("barrels complete",
		"barrels", len(w.manifest.Files),
		"records", w.stats.Records,
		"postings", w.stats.Postings,
		"unresolved", w.stats.Unresolved,
	)
	return &w.manifest, w.stats, nil
}

// Abort discards every barrel written so far. The previous build, if any,
// is untouched.
func (w *Writer) Abort() {
	if w.cur != nil {
		w.cur.Abort()
		w.cur = nil
	}
	for _, f := range w.pending {
		f.Abort()
	}
	w.pending = nil
}

func (w *Writer) unpublish() {
	for _, info := range w.manifest.Files {
		os.Remove(filepath.Join(w.dir, info.Name))
	}
}
