package publish

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rummager/rummager/internal/graph/idmap"
	"github.com/rummager/rummager/pkg/fileio"
)

// Metadata fields and the values used when a record lacks them.
const (
	DefaultTitle      = "Untitled"
	DefaultAuthors    = "Unknown Authors"
	DefaultCategories = "N/A"
	DefaultDate       = "N/A"
	emptyValue        = "Unknown"
)

// MetadataRow is one line of the metadata table.
type MetadataRow struct {
	DenseID     uint32
	CanonicalID string
	Title       string
	Authors     string
	Categories  string
	Date        string
	Placeholder bool
}

// PlaceholderRow is the row written for a DenseID with no metadata.
func PlaceholderRow(dense uint32) MetadataRow {
	return MetadataRow{
		DenseID:     dense,
		CanonicalID: "UnknownID",
		Title:       "Unknown Title (Doc #" + strconv.FormatUint(uint64(dense), 10) + ")",
		Authors:     "Unknown",
		Categories:  "N/A",
		Date:        "N/A",
		Placeholder: true,
	}
}

// Line renders the row as "<id>|<title>|<authors>|<categories>|<date>".
// The ID goes through the same character mapping as the other fields.
func (r MetadataRow) Line() string {
	return pipeSafe.Replace(r.CanonicalID) + "|" + r.Title + "|" + r.Authors + "|" + r.Categories + "|" + r.Date
}

var pipeSafe = strings.NewReplacer("|", "-", "\n", " ", "\r", "", "\t", " ")

// Sanitize makes text safe for the pipe-delimited table.
func Sanitize(text string) string {
	text = strings.TrimSpace(pipeSafe.Replace(text))
	if text == "" {
		return emptyValue
	}
	return text
}

// MetadataStats counts what MergeMetadata saw.
type MetadataStats struct {
	Lines        int
	Malformed    int
	Matched      int
	Unmatched    int
	Replaced     int
	Placeholders int
	Written      int
}

// MetadataMerger joins external metadata records to the ID map.
type MetadataMerger struct {
	table  *idmap.Table
	canon  *idmap.Canonicalizer
	logger *slog.Logger
}

func NewMetadataMerger(table *idmap.Table, canon *idmap.Canonicalizer, logger *slog.Logger) *MetadataMerger {
	return &MetadataMerger{table: table, canon: canon, logger: logger}
}

// Merge scans JSONL metadata from r and writes exactly max(DenseID)+1 lines
// to w. When several records resolve to one DenseID the last one wins.
// emit, when non-nil, sees every written row in DenseID order.
func (m *MetadataMerger) Merge(ctx context.Context, r io.Reader, w io.Writer, emit func(MetadataRow) error) (MetadataStats, error) {
	var stats MetadataStats
	rows := make([]*MetadataRow, m.table.Len())
	sc := fileio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		if stats.Lines%65536 == 0 && ctx.Err() != nil {
			return stats, ctx.Err()
		}
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			stats.Malformed++
			m.logger.Debug("skipping malformed metadata line", "line", stats.Lines, "error", err)
			continue
		}
		canonical := m.canon.Canonical(fieldText(record, "id"))
		dense, ok := m.table.ID(canonical)
		if !ok {
			stats.Unmatched++
			continue
		}
		if rows[dense] != nil {
			stats.Replaced++
		} else {
			stats.Matched++
		}
		rows[dense] = &MetadataRow{
			DenseID:     dense,
			CanonicalID: canonical,
			Title:       field(record, "title", DefaultTitle),
			Authors:     field(record, "authors", DefaultAuthors),
			Categories:  field(record, "categories", DefaultCategories),
			Date:        field(record, "update_date", DefaultDate),
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading metadata after line %d: %w", stats.Lines, err)
	}

	bw := bufio.NewWriter(w)
	for i, row := range rows {
		if row == nil {
			p := PlaceholderRow(uint32(i))
			row = &p
			stats.Placeholders++
		}
		if _, err := bw.WriteString(row.Line()); err != nil {
			return stats, fmt.Errorf("writing metadata table: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return stats, fmt.Errorf("writing metadata table: %w", err)
		}
		stats.Written++
		if emit != nil {
			if err := emit(*row); err != nil {
				return stats, err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing metadata table: %w", err)
	}
	return stats, nil
}

// field returns the sanitized value of name, or def when the record has no
// such key.
func field(record map[string]any, name, def string) string {
	if _, ok := record[name]; !ok {
		return def
	}
	return Sanitize(fieldText(record, name))
}

func fieldText(record map[string]any, name string) string {
	switch v := record[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
