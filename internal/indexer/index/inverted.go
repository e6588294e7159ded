package index

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Estimated in-memory cost of buffered postings, used against the spill
// threshold.
const (
	pairOverhead     = 48
	positionOverhead = 4
)

// InverterOptions configures an Inverter.
type InverterOptions struct {
	// SpillThreshold is the estimated buffer size in bytes above which the
	// buffer is written out as a sorted run. 0 disables spilling.
	SpillThreshold int64
	// SpillDir holds run files; empty means the system temp directory.
	SpillDir string
}

// InvertStats summarises an inversion.
type InvertStats struct {
	Documents int
	Terms     int
	Postings  int
	Runs      int
}

// Inverter regroups forward entries by TermID. Entries must be added in
// document processing order; that order is kept within every term.
type Inverter struct {
	opts    InverterOptions
	terms   map[uint32]*DocPostings
	size    int64
	runDir  string
	runs    []string
	stats   InvertStats
	onSpill func(run string, bytes int64)
	logger  *slog.Logger
}

func NewInverter(opts InverterOptions) *Inverter {
	return &Inverter{
		opts:   opts,
		terms:  make(map[uint32]*DocPostings),
		logger: slog.Default().With("component", "inverted-index"),
	}
}

// OnSpill registers a callback invoked after each run file is written.
func (v *Inverter) OnSpill(fn func(run string, bytes int64)) {
	v.onSpill = fn
}

// Add records every occurrence of entry. Spilling only happens between
// documents, so a document's positions for one term never straddle runs.
func (v *Inverter) Add(entry ForwardEntry) error {
	v.stats.Documents++
	for _, o := range entry.Terms {
		docs, ok := v.terms[o.TermID]
		if !ok {
			docs = NewDocPostings()
			v.terms[o.TermID] = docs
		}
		before := docs.Len()
		docs.Append(entry.DocKey, o.Position)
		if docs.Len() != before {
			v.size += int64(len(entry.DocKey)) + pairOverhead
		}
		v.size += positionOverhead
	}
	if v.opts.SpillThreshold > 0 && v.size >= v.opts.SpillThreshold {
		return v.spill()
	}
	return nil
}

// Runs returns the number of run files written so far.
func (v *Inverter) Runs() int {
	return len(v.runs)
}

func (v *Inverter) sortedTerms() []uint32 {
	ids := make([]uint32, 0, len(v.terms))
	for id := range v.terms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (v *Inverter) spill() error {
	if len(v.terms) == 0 {
		return nil
	}
	if v.runDir == "" {
		dir, err := os.MkdirTemp(v.opts.SpillDir, "inverted-runs-*")
		if err != nil {
			return fmt.Errorf("creating spill directory: %w", err)
		}
		v.runDir = dir
	}
	path := filepath.Join(v.runDir, fmt.Sprintf("run_%06d.bin", len(v.runs)))
	n, err := writeRun(path, v.sortedTerms(), v.terms)
	if err != nil {
		return err
	}
	v.runs = append(v.runs, path)
	v.logger.Info("spilled inverted run",
		"run", len(v.runs)-1,
		"terms", len(v.terms),
		"estimated_bytes", v.size,
		"file_bytes", n,
	)
	if v.onSpill != nil {
		v.onSpill(path, n)
	}
	v.terms = make(map[uint32]*DocPostings)
	v.size = 0
	return nil
}

// Each calls fn once per TermID in ascending order. If runs were spilled,
// the remaining buffer is spilled too and all runs are merged.
func (v *Inverter) Each(ctx context.Context, fn func(TermPostings) error) (InvertStats, error) {
	emit := func(tp TermPostings) error {
		v.stats.Terms++
		v.stats.Postings += tp.Docs.Len()
		if v.stats.Terms%4096 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		return fn(tp)
	}
	if len(v.runs) == 0 {
		for _, id := range v.sortedTerms() {
			if err := emit(TermPostings{TermID: id, Docs: v.terms[id]}); err != nil {
				return v.stats, err
			}
		}
		return v.stats, nil
	}
	if err := v.spill(); err != nil {
		return v.stats, err
	}
	v.stats.Runs = len(v.runs)
	if err := mergeRuns(v.runs, emit); err != nil {
		return v.stats, err
	}
	return v.stats, nil
}

// Close removes any run files.
func (v *Inverter) Close() error {
	if v.runDir == "" {
		return nil
	}
	err := os.RemoveAll(v.runDir)
	v.runDir = ""
	v.runs = nil
	return err
}

// AppendInvertedLine appends "<TermID>\t<DocKey>:<p,p>;<DocKey>:<p>\n".
func AppendInvertedLine(dst []byte, tp TermPostings) []byte {
	dst = strconv.AppendUint(dst, uint64(tp.TermID), 10)
	dst = append(dst, '\t')
	for i := 0; i < tp.Docs.Len(); i++ {
		key, positions := tp.Docs.At(i)
		if i > 0 {
			dst = append(dst, ';')
		}
		dst = append(dst, key...)
		dst = append(dst, ':')
		for j, p := range positions {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(p), 10)
		}
	}
	return append(dst, '\n')
}

// WriteInverted drains v into w in text form.
func WriteInverted(ctx context.Context, v *Inverter, w io.Writer) (InvertStats, error) {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 4096)
	stats, err := v.Each(ctx, func(tp TermPostings) error {
		buf = AppendInvertedLine(buf[:0], tp)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("writing inverted index: %w", err)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing inverted index: %w", err)
	}
	return stats, nil
}

// ParseInvertedLine decodes one inverted index line. Doc keys may contain
// ':' since the last colon of each posting separates the positions.
func ParseInvertedLine(line string) (TermPostings, error) {
	idText, rest, ok := strings.Cut(line, "\t")
	if !ok {
		return TermPostings{}, fmt.Errorf("expected <term>\\t<postings>")
	}
	id, err := strconv.ParseUint(idText, 10, 32)
	if err != nil {
		return TermPostings{}, fmt.Errorf("bad term id %q", idText)
	}
	tp := TermPostings{TermID: uint32(id), Docs: NewDocPostings()}
	if rest == "" {
		return TermPostings{}, fmt.Errorf("term %d has no postings", id)
	}
	for _, posting := range strings.Split(rest, ";") {
		i := strings.LastIndexByte(posting, ':')
		if i <= 0 {
			return TermPostings{}, fmt.Errorf("bad posting %q", posting)
		}
		key, list := posting[:i], posting[i+1:]
		if list == "" {
			return TermPostings{}, fmt.Errorf("posting %q has no positions", posting)
		}
		positions := make([]uint32, 0, strings.Count(list, ",")+1)
		for _, p := range strings.Split(list, ",") {
			n, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				return TermPostings{}, fmt.Errorf("bad position %q in posting for %q", p, key)
			}
			positions = append(positions, uint32(n))
		}
		tp.Docs.Append(key, positions...)
	}
	return tp, nil
}

// ReadInverted calls fn for every line of an inverted index file. TermIDs
// must be strictly ascending.
func ReadInverted(ctx context.Context, r io.Reader, path string, fn func(TermPostings) error) (int, error) {
	sc := fileio.NewScanner(r)
	var offset int64
	terms := 0
	var last uint32
	for sc.Scan() {
		line := sc.Text()
		lineOffset := offset
		offset += int64(len(line)) + 1
		if line == "" {
			continue
		}
		if terms%4096 == 0 && ctx.Err() != nil {
			return terms, ctx.Err()
		}
		tp, err := ParseInvertedLine(strings.TrimRight(line, "\r"))
		if err != nil {
			return terms, apperrors.NewFormatError(path, lineOffset, err)
		}
		if terms > 0 && tp.TermID <= last {
			return terms, apperrors.NewFormatError(path, lineOffset,
				fmt.Errorf("term %d follows term %d", tp.TermID, last))
		}
		last = tp.TermID
		terms++
		if err := fn(tp); err != nil {
			return terms, err
		}
	}
	if err := sc.Err(); err != nil {
		return terms, fmt.Errorf("reading inverted index %s: %w", path, err)
	}
	return terms, nil
}
