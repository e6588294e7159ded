// Package idmap normalizes raw document identifiers and assigns each
// distinct canonical identifier a dense integer ID. Assignment is a pure
// function of the set of identifiers seen in the citation input: the set is
// sorted and each identifier gets its sorted position.
package idmap

import (
	"context"
	"io"
	"log/slog"

	"github.com/rummager/rummager/internal/graph/citation"
	apperrors "github.com/rummager/rummager/pkg/errors"
)

// Stats summarises pass 1.
type Stats struct {
	citation.Stats
	Invalid int
	IDs     int
}

// Skipped is the number of lines and records that contributed no identifiers.
func (s Stats) Skipped() int {
	return s.Malformed + s.Invalid
}

// Builder runs pass 1 of the graph build.
type Builder struct {
	canon  *Canonicalizer
	logger *slog.Logger
}

func NewBuilder(canon *Canonicalizer) *Builder {
	if canon == nil {
		canon = NewCanonicalizer(nil)
	}
	return &Builder{
		canon:  canon,
		logger: slog.Default().With("component", "idmap"),
	}
}

// Resolve canonicalizes an edge. It fails when the source or any target has
// no valid canonical form; pass 1 and pass 2 both apply it so they agree on
// which records exist.
func (c *Canonicalizer) Resolve(e citation.Edge) (string, []string, error) {
	src := c.Canonical(e.Source)
	if !Valid(src) {
		return "", nil, apperrors.Malformedf("source %q has no valid canonical form", e.Source)
	}
	targets := make([]string, len(e.Targets))
	for i, raw := range e.Targets {
		t := c.Canonical(raw)
		if !Valid(t) {
			return "", nil, apperrors.Malformedf("target %q of %q has no valid canonical form", raw, e.Source)
		}
		targets[i] = t
	}
	return src, targets, nil
}

// Build scans the citation stream once and returns the dense ID table.
func (b *Builder) Build(ctx context.Context, r io.Reader) (*Table, Stats, error) {
	seen := make(map[string]struct{})
	var stats Stats
	scanStats, err := citation.Scan(ctx, r, b.logger, func(edges []citation.Edge) error {
		for _, e := range edges {
			src, targets, err := b.canon.Resolve(e)
			if err != nil {
				stats.Invalid++
				b.logger.Warn("skipping citation record", "source", e.Source, "error", err)
				continue
			}
			seen[src] = struct{}{}
			for _, t := range targets {
				seen[t] = struct{}{}
			}
		}
		return nil
	})
	stats.Stats = scanStats
	if err != nil {
		return nil, stats, err
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	table := NewTable(ids)
	stats.IDs = table.Len()
	b.logger.Info("dense ids assigned",
		"ids", stats.IDs,
		"records", stats.Records,
		"malformed", stats.Malformed,
		"invalid", stats.Invalid,
	)
	return table, stats, nil
}
