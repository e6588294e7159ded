// Package index builds the forward and inverted indexes. The forward index
// lists, per document, the TermID and position of every token found in the
// lexicon; the inverted index regroups those occurrences by TermID.
package index

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rummager/rummager/internal/indexer/corpus"
	"github.com/rummager/rummager/internal/indexer/lexicon"
	"github.com/rummager/rummager/internal/indexer/tokenizer"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// ForwardStats summarises a forward build.
type ForwardStats struct {
	corpus.Stats
	Tokens      int
	Occurrences int
	Empty       int
}

// ForwardBuilder turns corpus documents into forward entries.
type ForwardBuilder struct {
	reader        *corpus.Reader
	tok           tokenizer.Tokenizer
	logger        *slog.Logger
	progressEvery int
}

func NewForwardBuilder(reader *corpus.Reader, tok tokenizer.Tokenizer, progressEvery int) *ForwardBuilder {
	return &ForwardBuilder{
		reader:        reader,
		tok:           tok,
		logger:        slog.Default().With("component", "forward-index"),
		progressEvery: progressEvery,
	}
}

// Entry maps one document to its forward entry. Tokens missing from the
// lexicon are dropped and do not consume a position.
func (b *ForwardBuilder) Entry(doc corpus.Document, lex *lexicon.Lexicon) (ForwardEntry, int, error) {
	tokens := b.tok.Tokenize(doc.Text)
	entry := ForwardEntry{DocKey: doc.Key, Terms: make([]Occurrence, 0, len(tokens))}
	var pos uint32
	for _, term := range tokens {
		id, ok, err := lex.Lookup(term)
		if err != nil {
			return ForwardEntry{}, 0, fmt.Errorf("looking up term %q: %w", term, err)
		}
		if !ok {
			continue
		}
		entry.Terms = append(entry.Terms, Occurrence{TermID: id, Position: pos})
		pos++
	}
	return entry, len(tokens), nil
}

// Build streams src, writing one forward line per document to out and its
// matched-token count to lengths (if non-nil). visit, when non-nil, receives
// every entry in document order after it has been written.
func (b *ForwardBuilder) Build(ctx context.Context, src io.Reader, lex *lexicon.Lexicon, out, lengths io.Writer, visit func(ForwardEntry) error) (ForwardStats, error) {
	var stats ForwardStats
	bw := bufio.NewWriter(out)
	var lw *bufio.Writer
	if lengths != nil {
		lw = bufio.NewWriter(lengths)
	}
	buf := make([]byte, 0, 4096)
	docs := 0
	scanStats, err := b.reader.Scan(ctx, src, func(doc corpus.Document) error {
		entry, tokens, err := b.Entry(doc, lex)
		if err != nil {
			return err
		}
		stats.Tokens += tokens
		stats.Occurrences += len(entry.Terms)
		if len(entry.Terms) == 0 {
			stats.Empty++
		}
		buf = AppendForwardLine(buf[:0], entry)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("writing forward index: %w", err)
		}
		if lw != nil {
			buf = append(buf[:0], entry.DocKey...)
			buf = append(buf, '\t')
			buf = strconv.AppendInt(buf, int64(len(entry.Terms)), 10)
			buf = append(buf, '\n')
			if _, err := lw.Write(buf); err != nil {
				return fmt.Errorf("writing document lengths: %w", err)
			}
		}
		if visit != nil {
			if err := visit(entry); err != nil {
				return err
			}
		}
		docs++
		if b.progressEvery > 0 && docs%b.progressEvery == 0 {
			b.logger.Info("forward index progress", "documents", docs)
		}
		return nil
	})
	stats.Stats = scanStats
	if err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing forward index: %w", err)
	}
	if lw != nil {
		if err := lw.Flush(); err != nil {
			return stats, fmt.Errorf("flushing document lengths: %w", err)
		}
	}
	b.logger.Info("forward index built",
		"documents", stats.Documents,
		"occurrences", stats.Occurrences,
		"empty", stats.Empty,
		"malformed", stats.Malformed,
	)
	return stats, nil
}

// AppendForwardLine appends "<DocKey>\t<t>:<p>,<t>:<p>\n" to dst.
func AppendForwardLine(dst []byte, entry ForwardEntry) []byte {
	dst = append(dst, entry.DocKey...)
	dst = append(dst, '\t')
	for i, o := range entry.Terms {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendUint(dst, uint64(o.TermID), 10)
		dst = append(dst, ':')
		dst = strconv.AppendUint(dst, uint64(o.Position), 10)
	}
	return append(dst, '\n')
}

// ParseForwardLine decodes one forward index line.
func ParseForwardLine(line string) (ForwardEntry, error) {
	key, rest, ok := strings.Cut(line, "\t")
	if !ok || key == "" {
		return ForwardEntry{}, fmt.Errorf("expected <doc>\\t<pairs>")
	}
	entry := ForwardEntry{DocKey: key}
	if rest == "" {
		return entry, nil
	}
	entry.Terms = make([]Occurrence, 0, strings.Count(rest, ",")+1)
	for len(rest) > 0 {
		var pair string
		pair, rest, _ = strings.Cut(rest, ",")
		t, p, ok := strings.Cut(pair, ":")
		if !ok {
			return ForwardEntry{}, fmt.Errorf("bad pair %q", pair)
		}
		term, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return ForwardEntry{}, fmt.Errorf("bad term id in %q", pair)
		}
		pos, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ForwardEntry{}, fmt.Errorf("bad position in %q", pair)
		}
		entry.Terms = append(entry.Terms, Occurrence{TermID: uint32(term), Position: uint32(pos)})
	}
	return entry, nil
}

// ReadForward calls fn for every entry of a forward index file. Any
// unparsable line is a format violation.
func ReadForward(ctx context.Context, r io.Reader, path string, fn func(ForwardEntry) error) (int, error) {
	sc := fileio.NewScanner(r)
	var offset int64
	docs := 0
	for sc.Scan() {
		line := sc.Text()
		lineOffset := offset
		offset += int64(len(line)) + 1
		if line == "" {
			continue
		}
		if docs%4096 == 0 && ctx.Err() != nil {
			return docs, ctx.Err()
		}
		entry, err := ParseForwardLine(strings.TrimRight(line, "\r"))
		if err != nil {
			return docs, apperrors.NewFormatError(path, lineOffset, err)
		}
		docs++
		if err := fn(entry); err != nil {
			return docs, err
		}
	}
	if err := sc.Err(); err != nil {
		return docs, fmt.Errorf("reading forward index %s: %w", path, err)
	}
	return docs, nil
}
