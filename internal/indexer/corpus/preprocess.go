package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rummager/rummager/pkg/fileio"
)

// PreprocessFields are concatenated, in order, into the text column.
var PreprocessFields = []string{"title", "authors", "abstract", "categories", "update_date"}

var flatten = strings.NewReplacer("\n", " ", "\t", " ", "\r", " ")

// Preprocess converts a JSONL snapshot into the "<key>\t<text>" form, with
// tabs and line breaks inside fields flattened to spaces. Malformed lines
// are skipped.
func Preprocess(ctx context.Context, r io.Reader, w io.Writer, idField string, limit int) (Stats, error) {
	logger := slog.Default().With("component", "preprocess")
	if idField == "" {
		idField = "id"
	}
	var stats Stats
	bw := bufio.NewWriter(w)
	sc := fileio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		if stats.Lines%4096 == 0 && ctx.Err() != nil {
			return stats, ctx.Err()
		}
		line := sc.Bytes()
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			stats.Malformed++
			continue
		}
		key := flatten.Replace(StringField(record, idField))
		key = strings.TrimSpace(key)
		if key == "" {
			key = "Unknown"
		}
		parts := make([]string, len(PreprocessFields))
		for i, f := range PreprocessFields {
			parts[i] = flatten.Replace(StringField(record, f))
		}
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", key, strings.Join(parts, " ")); err != nil {
			return stats, fmt.Errorf("writing preprocessed corpus: %w", err)
		}
		stats.Documents++
		if limit > 0 && stats.Documents >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading snapshot after line %d: %w", stats.Lines, err)
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing preprocessed corpus: %w", err)
	}
	logger.Info("corpus preprocessed", "documents", stats.Documents, "malformed", stats.Malformed)
	return stats, nil
}
