// Package corpus streams documents out of the raw corpus. A document is an
// opaque key plus a text blob assembled from configured fields; corpora are
// either JSONL records or the preprocessed "<key>\t<text>" form.
package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

const (
	FormatJSONL = "jsonl"
	FormatTSV   = "tsv"
)

// Document is a single corpus entry.
type Document struct {
	Key  string
	Text string
}

// Options controls how lines become documents.
type Options struct {
	Format     string
	IDField    string
	TextFields []string
	// Limit stops the scan after this many documents; 0 means no limit.
	Limit int
}

// Stats counts what a scan saw.
type Stats struct {
	Lines     int
	Documents int
	Malformed int
}

// Reader decodes corpus lines according to Options.
type Reader struct {
	opts   Options
	logger *slog.Logger
}

func NewReader(opts Options) *Reader {
	if opts.Format == "" {
		opts.Format = FormatJSONL
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	return &Reader{
		opts:   opts,
		logger: slog.Default().With("component", "corpus"),
	}
}

// Scan calls fn for every well-formed document in r, in input order.
func (c *Reader) Scan(ctx context.Context, r io.Reader, fn func(doc Document) error) (Stats, error) {
	var stats Stats
	sc := fileio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		if stats.Lines%4096 == 0 && ctx.Err() != nil {
			return stats, ctx.Err()
		}
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		doc, err := c.Parse(line)
		if err != nil {
			stats.Malformed++
			c.logger.Debug("skipping malformed corpus line", "line", stats.Lines, "error", err)
			continue
		}
		stats.Documents++
		if err := fn(doc); err != nil {
			return stats, err
		}
		if c.opts.Limit > 0 && stats.Documents >= c.opts.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading corpus after line %d: %w", stats.Lines, err)
	}
	return stats, nil
}

// Parse decodes a single line.
func (c *Reader) Parse(line []byte) (Document, error) {
	switch c.opts.Format {
	case FormatTSV:
		return parseTSV(line)
	default:
		return c.parseJSON(line)
	}
}

func parseTSV(line []byte) (Document, error) {
	s := strings.TrimRight(string(line), "\r")
	key, text, ok := strings.Cut(s, "\t")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Document{}, apperrors.Malformedf("expected <key>\\t<text>")
	}
	if !ValidKey(key) {
		return Document{}, apperrors.Malformedf("document key %q contains a reserved character", key)
	}
	return Document{Key: key, Text: text}, nil
}

func (c *Reader) parseJSON(line []byte) (Document, error) {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return Document{}, apperrors.Malformedf("%v", err)
	}
	key := strings.TrimSpace(StringField(record, c.opts.IDField))
	if key == "" {
		return Document{}, apperrors.Malformedf("missing %q", c.opts.IDField)
	}
	if !ValidKey(key) {
		return Document{}, apperrors.Malformedf("document key %q contains a reserved character", key)
	}
	parts := make([]string, len(c.opts.TextFields))
	for i, f := range c.opts.TextFields {
		parts[i] = StringField(record, f)
	}
	return Document{Key: key, Text: strings.Join(parts, " ")}, nil
}

// ValidKey reports whether key can be written into the forward and inverted
// index text formats, which use tab, semicolon and newline as separators.
func ValidKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "\t;\r\n")
}

// StringField returns record[name] as a string. Numbers are formatted,
// anything else reads as empty.
func StringField(record map[string]any, name string) string {
	switch v := record[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}
