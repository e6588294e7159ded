// Package citation decodes the citation edge input: one JSON object per line
// whose keys are raw source identifiers and whose values are lists of raw
// target identifiers. Keys are reported in the order they appear on the line.
package citation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// Edge is one source with its outgoing references, as raw identifiers.
type Edge struct {
	Source  string
	Targets []string
}

// Stats counts what a scan saw.
type Stats struct {
	Lines     int
	Records   int
	Malformed int
}

// ParseLine decodes a single input line into its edges.
func ParseLine(line []byte) ([]Edge, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, apperrors.Malformedf("%v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, apperrors.Malformedf("expected object, got %v", tok)
	}
	var edges []Edge
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, apperrors.Malformedf("%v", err)
		}
		source, ok := keyTok.(string)
		if !ok {
			return nil, apperrors.Malformedf("non-string key %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, apperrors.Malformedf("value of %q: %v", source, err)
		}
		targets, err := targetList(value)
		if err != nil {
			return nil, apperrors.Malformedf("value of %q: %v", source, err)
		}
		edges = append(edges, Edge{Source: source, Targets: targets})
	}
	if _, err := dec.Token(); err != nil {
		return nil, apperrors.Malformedf("%v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, apperrors.Malformedf("trailing data after object")
	}
	return edges, nil
}

func targetList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		targets := make([]string, 0, len(v))
		for _, item := range v {
			switch t := item.(type) {
			case string:
				targets = append(targets, t)
			case json.Number:
				targets = append(targets, t.String())
			default:
				return nil, fmt.Errorf("unsupported target %v", item)
			}
		}
		return targets, nil
	default:
		return nil, fmt.Errorf("expected list of targets, got %T", value)
	}
}

// Scan reads r line by line and calls fn with the edges of every well-formed
// line. Blank lines are ignored; malformed lines are logged, counted and
// skipped. An error from fn aborts the scan.
func Scan(ctx context.Context, r io.Reader, logger *slog.Logger, fn func(edges []Edge) error) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats Stats
	sc := fileio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		if stats.Lines%4096 == 0 && ctx.Err() != nil {
			return stats, ctx.Err()
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		edges, err := ParseLine(line)
		if err != nil {
			stats.Malformed++
			logger.Debug("skipping malformed citation line", "line", stats.Lines, "error", err)
			continue
		}
		stats.Records++
		if err := fn(edges); err != nil {
			return stats, err
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading citations after line %d: %w", stats.Lines, err)
	}
	return stats, nil
}
