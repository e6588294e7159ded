// Package fileio provides the file primitives every build stage shares:
// replayable input readers (transparently decompressing .gz inputs) and
// atomic output files that only appear under their final name once fully
// written and synced.
package fileio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"

	apperrors "github.com/rummager/rummager/pkg/errors"
)

// MaxLineSize bounds a single input line. arXiv abstracts and citation lists
// run to tens of kilobytes; 64 MiB leaves ample headroom.
const MaxLineSize = 64 << 20

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open opens path for a forward-only read. producer names the stage that is
// expected to create the file and is used in the missing-input diagnostic.
func Open(path string, producer string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.MissingInput(path, producer)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

// NewScanner returns a line scanner sized for large records.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return sc
}

// Require fails with a missing-input error when path does not exist.
func Require(path string, producer string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.MissingInput(path, producer)
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	return nil
}

// AtomicFile is a buffered writer whose content becomes visible under its
// final path only after Commit. Until then it lives at <path>.tmp.
type AtomicFile struct {
	*bufio.Writer
	file      *os.File
	finalPath string
	tmpPath   string
	written   int64
	sealed    bool
	done      bool
}

// Create opens <path>.tmp for writing, creating parent directories.
func Create(path string) (*AtomicFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file %s: %w", tmpPath, err)
	}
	a := &AtomicFile{
		file:      f,
		finalPath: path,
		tmpPath:   tmpPath,
	}
	a.Writer = bufio.NewWriterSize(countingWriter{w: f, n: &a.written}, 1<<20)
	return a, nil
}

// Path returns the final path of the file.
func (a *AtomicFile) Path() string {
	return a.finalPath
}

// Size returns the number of bytes flushed to disk so far.
func (a *AtomicFile) Size() int64 {
	return a.written
}

// Seal flushes, syncs and closes the temp file without moving it into
// place. A sealed file holds no descriptor; it is still published by Commit
// or removed by Abort.
func (a *AtomicFile) Seal() error {
	if a.done {
		return fmt.Errorf("seal %s: file already closed", a.finalPath)
	}
	if a.sealed {
		return nil
	}
	a.sealed = true
	if err := a.Flush(); err != nil {
		a.discard()
		return fmt.Errorf("flushing %s: %w", a.tmpPath, err)
	}
	if err := a.file.Sync(); err != nil {
		a.discard()
		return fmt.Errorf("syncing %s: %w", a.tmpPath, err)
	}
	if err := a.file.Close(); err != nil {
		a.done = true
		os.Remove(a.tmpPath)
		return fmt.Errorf("closing %s: %w", a.tmpPath, err)
	}
	return nil
}

// Commit seals the temp file if needed and renames it into place.
func (a *AtomicFile) Commit() error {
	if err := a.Seal(); err != nil {
		return fmt.Errorf("commit %s: %w", a.finalPath, err)
	}
	a.done = true
	if err := os.Rename(a.tmpPath, a.finalPath); err != nil {
		os.Remove(a.tmpPath)
		return fmt.Errorf("renaming %s: %w", a.tmpPath, err)
	}
	return nil
}

// Abort discards the temp file. It is a no-op after Commit, so it is safe to
// defer unconditionally.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	if !a.sealed {
		a.discard()
		return
	}
	a.done = true
	os.Remove(a.tmpPath)
}

func (a *AtomicFile) discard() {
	a.done = true
	a.file.Close()
	os.Remove(a.tmpPath)
}

// WriteFile creates path atomically, calling write to produce its content.
func WriteFile(path string, write func(w *bufio.Writer) error) error {
	f, err := Create(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	if err := write(f.Writer); err != nil {
		return err
	}
	return f.Commit()
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}
