// Package graph writes the dense-ID citation graph consumed by the external
// PageRank step. It is pass 2 of the two-pass build: pass 1 (package idmap)
// must have produced the table from the same input.
package graph

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/rummager/rummager/internal/graph/citation"
	"github.com/rummager/rummager/internal/graph/idmap"
	apperrors "github.com/rummager/rummager/pkg/errors"
)

// Stats summarises pass 2.
type Stats struct {
	citation.Stats
	Invalid    int
	Unresolved int
	Written    int
	Edges      int
}

// Builder resolves raw edges against a dense ID table and writes the
// adjacency list.
type Builder struct {
	canon         *idmap.Canonicalizer
	table         *idmap.Table
	logger        *slog.Logger
	progressEvery int
}

func NewBuilder(canon *idmap.Canonicalizer, table *idmap.Table, progressEvery int) *Builder {
	if canon == nil {
		canon = idmap.NewCanonicalizer(nil)
	}
	return &Builder{
		canon:         canon,
		table:         table,
		logger:        slog.Default().With("component", "graph"),
		progressEvery: progressEvery,
	}
}

// Build writes the header line N followed by one
// "<src> <outDegree> <t1> <t2> ..." line per citation record, in input order.
func (b *Builder) Build(ctx context.Context, r io.Reader, w io.Writer) (Stats, error) {
	var stats Stats
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d\n", b.table.Len()); err != nil {
		return stats, fmt.Errorf("writing graph header: %w", err)
	}
	buf := make([]byte, 0, 256)
	dense := make([]uint32, 0, 64)

	scanStats, err := citation.Scan(ctx, r, b.logger, func(edges []citation.Edge) error {
		for _, e := range edges {
			src, targets, err := b.canon.Resolve(e)
			if err != nil {
				stats.Invalid++
				b.logger.Warn("skipping citation record", "source", e.Source, "error", err)
				continue
			}
			srcID, ok := b.table.ID(src)
			if !ok {
				stats.Unresolved++
				b.logger.Error("source missing from id map, skipping record",
					"source", src,
					"error", apperrors.ErrUnresolvedReference,
				)
				continue
			}
			dense = dense[:0]
			resolved := true
			for _, t := range targets {
				id, ok := b.table.ID(t)
				if !ok {
					resolved = false
					b.logger.Error("target missing from id map, skipping record",
						"source", src,
						"target", t,
						"error", apperrors.ErrUnresolvedReference,
					)
					break
				}
				dense = append(dense, id)
			}
			if !resolved {
				stats.Unresolved++
				continue
			}

			buf = appendLine(buf[:0], srcID, dense)
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("writing graph line: %w", err)
			}
			stats.Written++
			stats.Edges += len(dense)
			if b.progressEvery > 0 && stats.Written%b.progressEvery == 0 {
				b.logger.Info("graph progress", "records", stats.Written)
			}
		}
		return nil
	})
	stats.Stats = scanStats
	if err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("flushing graph: %w", err)
	}
	b.logger.Info("graph written",
		"nodes", b.table.Len(),
		"records", stats.Written,
		"edges", stats.Edges,
		"malformed", stats.Malformed,
		"invalid", stats.Invalid,
		"unresolved", stats.Unresolved,
	)
	return stats, nil
}

func appendLine(buf []byte, src uint32, targets []uint32) []byte {
	buf = strconv.AppendUint(buf, uint64(src), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(len(targets)), 10)
	for _, t := range targets {
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(t), 10)
	}
	return append(buf, '\n')
}
