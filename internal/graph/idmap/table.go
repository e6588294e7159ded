package idmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Table is the bijection between canonical IDs and dense IDs in [0, N).
// Dense IDs are positions in the lexicographically sorted canonical IDs.
type Table struct {
	ids   []string
	index map[string]uint32
}

// NewTable sorts the distinct canonical IDs and assigns dense IDs by sorted
// position. Duplicates in ids are collapsed.
func NewTable(ids []string) *Table {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		uniq = append(uniq, id)
	}
	t := &Table{
		ids:   uniq,
		index: make(map[string]uint32, len(uniq)),
	}
	for i, id := range uniq {
		t.index[id] = uint32(i)
	}
	return t
}

// Len returns N, the number of dense IDs.
func (t *Table) Len() int {
	return len(t.ids)
}

// ID returns the dense ID of a canonical ID.
func (t *Table) ID(canonical string) (uint32, bool) {
	id, ok := t.index[canonical]
	return id, ok
}

// Canonical returns the canonical ID for a dense ID.
func (t *Table) Canonical(dense uint32) (string, bool) {
	if int(dense) >= len(t.ids) {
		return "", false
	}
	return t.ids[dense], true
}

// MaxID returns the largest dense ID and false when the table is empty.
func (t *Table) MaxID() (uint32, bool) {
	if len(t.ids) == 0 {
		return 0, false
	}
	return uint32(len(t.ids) - 1), true
}

// Each calls fn for every entry in canonical-ID order.
func (t *Table) Each(fn func(canonical string, dense uint32) error) error {
	for i, id := range t.ids {
		if err := fn(id, uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

// WriteTo writes one "<CanonicalID> <DenseID>" line per entry, sorted by
// canonical ID.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	buf := make([]byte, 0, 64)
	for i, id := range t.ids {
		buf = buf[:0]
		buf = append(buf, id...)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(i), 10)
		buf = append(buf, '\n')
		m, err := bw.Write(buf)
		n += int64(m)
		if err != nil {
			return n, fmt.Errorf("writing id map: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flushing id map: %w", err)
	}
	return n, nil
}

// Scan streams "<CanonicalID> <DenseID>" lines in file order. Lines that
// do not parse are format violations; uniqueness is left to the caller.
func Scan(r io.Reader, path string, fn func(canonical string, dense uint32) error) (int64, error) {
	sc := fileio.NewScanner(r)
	var offset int64
	for sc.Scan() {
		line := sc.Text()
		lineOffset := offset
		offset += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return offset, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("expected 2 fields, got %d", len(fields)))
		}
		dense, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return offset, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("dense id %q: %w", fields[1], err))
		}
		if err := fn(fields[0], uint32(dense)); err != nil {
			var fe *apperrors.FormatError
			if errors.As(err, &fe) {
				return offset, err
			}
			if errors.Is(err, apperrors.ErrFormatViolation) {
				return offset, apperrors.NewFormatError(path, lineOffset, err)
			}
			return offset, err
		}
	}
	if err := sc.Err(); err != nil {
		return offset, fmt.Errorf("reading id map %s: %w", path, err)
	}
	return offset, nil
}

// Read parses an ID map file. The file is a build artifact, so any line that
// does not parse, a duplicate, or a gap in [0, N) is a format violation.
func Read(r io.Reader, path string) (*Table, error) {
	entries := make(map[uint32]string)
	end, err := Scan(r, path, func(canonical string, dense uint32) error {
		if prev, dup := entries[dense]; dup {
			return fmt.Errorf("%w: dense id %d assigned to both %q and %q", apperrors.ErrFormatViolation, dense, prev, canonical)
		}
		entries[dense] = canonical
		return nil
	})
	if err != nil {
		return nil, err
	}
	t := &Table{
		ids:   make([]string, len(entries)),
		index: make(map[string]uint32, len(entries)),
	}
	for dense, id := range entries {
		if int(dense) >= len(entries) {
			return nil, apperrors.NewFormatError(path, end, fmt.Errorf("dense id %d outside [0,%d)", dense, len(entries)))
		}
		if _, dup := t.index[id]; dup {
			return nil, apperrors.NewFormatError(path, end, fmt.Errorf("canonical id %q mapped twice", id))
		}
		t.ids[dense] = id
		t.index[id] = dense
	}
	return t, nil
}
