// Package publish joins the dense ID space back to canonical IDs: ranking
// scores become a CanonicalID-keyed JSON object and external metadata
// becomes a table with one line per DenseID.
package publish

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/rummager/rummager/internal/graph/idmap"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
)

// ScoreDigits is the number of fractional digits written for each score.
const ScoreDigits = 10

// ScoreStats counts what LoadScores and MergeScores saw.
type ScoreStats struct {
	Lines      int
	Loaded     int
	Malformed  int
	Duplicates int
	Written    int
	Missing    int
}

// ScoreRow is one published score.
type ScoreRow struct {
	CanonicalID string
	Score       float64
}

// LoadScores reads "<DenseID> <score>" lines. Lines that do not parse or
// carry a non-finite score are skipped; a repeated DenseID keeps the last
// score.
func LoadScores(ctx context.Context, r io.Reader, logger *slog.Logger) (map[uint32]float64, ScoreStats, error) {
	var stats ScoreStats
	scores := make(map[uint32]float64)
	sc := fileio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		if stats.Lines%65536 == 0 && ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		dense, score, err := parseScore(line)
		if err != nil {
			stats.Malformed++
			logger.Debug("skipping malformed score line", "line", stats.Lines, "error", err)
			continue
		}
		if _, dup := scores[dense]; dup {
			stats.Duplicates++
		} else {
			stats.Loaded++
		}
		scores[dense] = score
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("reading scores after line %d: %w", stats.Lines, err)
	}
	return scores, stats, nil
}

func parseScore(line string) (uint32, float64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, apperrors.Malformedf("expected 2 fields, got %d", len(fields))
	}
	dense, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, apperrors.Malformedf("dense id %q", fields[0])
	}
	score, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, 0, apperrors.Malformedf("score %q", fields[1])
	}
	return uint32(dense), score, nil
}

// MergeScores streams the ID map from idMap and writes the published score
// object to w, one entry per ID that has a score, in ID map order. emit,
// when non-nil, sees every written row.
func MergeScores(ctx context.Context, idMap io.Reader, idMapPath string, scores map[uint32]float64, w io.Writer, emit func(ScoreRow) error) (ScoreStats, error) {
	var stats ScoreStats
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("{\n"); err != nil {
		return stats, fmt.Errorf("writing scores: %w", err)
	}
	buf := make([]byte, 0, 128)
	seen := 0
	_, err := idmap.Scan(idMap, idMapPath, func(canonical string, dense uint32) error {
		seen++
		if seen%65536 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		score, ok := scores[dense]
		if !ok {
			stats.Missing++
			return nil
		}
		buf = buf[:0]
		if stats.Written > 0 {
			buf = append(buf, ",\n"...)
		}
		buf = appendScoreEntry(buf, canonical, score)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("writing scores: %w", err)
		}
		stats.Written++
		if emit != nil {
			return emit(ScoreRow{CanonicalID: canonical, Score: score})
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	tail := "}\n"
	if stats.Written > 0 {
		tail = "\n}\n"
	}
	if _, err := bw.WriteString(tail); err != nil {
		return stats, fmt.Errorf("writing scores: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing scores: %w", err)
	}
	return stats, nil
}

func appendScoreEntry(dst []byte, canonical string, score float64) []byte {
	key, _ := json.Marshal(canonical)
	dst = append(dst, "  "...)
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	return strconv.AppendFloat(dst, score, 'f', ScoreDigits, 64)
}
