// Package lexicon assigns term IDs. IDs start at 1 and are handed out in the
// order terms are first seen while scanning the corpus, so a lexicon is only
// reproducible for a fixed document order.
package lexicon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rummager/rummager/internal/indexer/corpus"
	"github.com/rummager/rummager/internal/indexer/tokenizer"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Lexicon pairs a Store with the explicit first-seen counter.
type Lexicon struct {
	store Store
	next  uint32
}

// New returns an empty lexicon over store.
func New(store Store) *Lexicon {
	return &Lexicon{store: store, next: 1}
}

// Assign returns the TermID of term, assigning the next ID if it is new.
func (l *Lexicon) Assign(term string) (uint32, bool, error) {
	id, ok, err := l.store.Get(term)
	if err != nil {
		return 0, false, fmt.Errorf("looking up term %q: %w", term, err)
	}
	if ok {
		return id, false, nil
	}
	id = l.next
	if err := l.store.Put(term, id); err != nil {
		return 0, false, fmt.Errorf("storing term %q: %w", term, err)
	}
	l.next++
	return id, true, nil
}

// Lookup returns the TermID of term without assigning.
func (l *Lexicon) Lookup(term string) (uint32, bool, error) {
	return l.store.Get(term)
}

// Len returns the number of terms.
func (l *Lexicon) Len() int {
	return l.store.Len()
}

// MaxID returns the largest assigned TermID.
func (l *Lexicon) MaxID() uint32 {
	return l.next - 1
}

// Close releases the underlying store.
func (l *Lexicon) Close() error {
	return l.store.Close()
}

// Stats summarises a lexicon build.
type Stats struct {
	corpus.Stats
	Tokens int
	Terms  int
}

// Builder scans documents and writes "<TermID>\t<Term>" lines as terms are
// discovered, so the output is already in assignment order.
type Builder struct {
	reader        *corpus.Reader
	tok           tokenizer.Tokenizer
	logger        *slog.Logger
	progressEvery int
}

func NewBuilder(reader *corpus.Reader, tok tokenizer.Tokenizer, progressEvery int) *Builder {
	return &Builder{
		reader:        reader,
		tok:           tok,
		logger:        slog.Default().With("component", "lexicon"),
		progressEvery: progressEvery,
	}
}

// Build assigns IDs for every kept token in src into lex and writes the new
// entries to w.
func (b *Builder) Build(ctx context.Context, src io.Reader, lex *Lexicon, w io.Writer) (Stats, error) {
	var stats Stats
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	docs := 0
	scanStats, err := b.reader.Scan(ctx, src, func(doc corpus.Document) error {
		for _, term := range b.tok.Tokenize(doc.Text) {
			stats.Tokens++
			id, isNew, err := lex.Assign(term)
			if err != nil {
				return err
			}
			if !isNew {
				continue
			}
			buf = strconv.AppendUint(buf[:0], uint64(id), 10)
			buf = append(buf, '\t')
			buf = append(buf, term...)
			buf = append(buf, '\n')
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("writing lexicon: %w", err)
			}
		}
		docs++
		if b.progressEvery > 0 && docs%b.progressEvery == 0 {
			b.logger.Info("lexicon progress", "documents", docs, "terms", lex.Len())
		}
		return nil
	})
	stats.Stats = scanStats
	if err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing lexicon: %w", err)
	}
	stats.Terms = lex.Len()
	b.logger.Info("lexicon built",
		"documents", stats.Documents,
		"tokens", stats.Tokens,
		"terms", stats.Terms,
		"malformed", stats.Malformed,
	)
	return stats, nil
}

// Load reads a lexicon file into store. IDs and terms must be unique and
// IDs at least 1; the counter resumes after the largest ID.
func Load(r io.Reader, path string, store Store) (*Lexicon, error) {
	lex := New(store)
	seen := make(map[uint32]struct{})
	sc := fileio.NewScanner(r)
	var offset int64
	for sc.Scan() {
		line := sc.Text()
		lineOffset := offset
		offset += int64(len(line)) + 1
		if line == "" {
			continue
		}
		idText, term, ok := strings.Cut(line, "\t")
		if !ok || term == "" {
			return nil, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("expected <id>\\t<term>"))
		}
		id, err := strconv.ParseUint(idText, 10, 32)
		if err != nil || id == 0 {
			return nil, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("bad term id %q", idText))
		}
		if _, dup := seen[uint32(id)]; dup {
			return nil, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("term id %d repeated", id))
		}
		seen[uint32(id)] = struct{}{}
		prev, dup, err := store.Get(term)
		if err != nil {
			return nil, fmt.Errorf("loading term %q: %w", term, err)
		}
		if dup {
			return nil, apperrors.NewFormatError(path, lineOffset, fmt.Errorf("term %q listed under ids %d and %d", term, prev, id))
		}
		if err := store.Put(term, uint32(id)); err != nil {
			return nil, fmt.Errorf("loading term %q: %w", term, err)
		}
		if uint32(id) >= lex.next {
			lex.next = uint32(id) + 1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading lexicon %s: %w", path, err)
	}
	return lex, nil
}
