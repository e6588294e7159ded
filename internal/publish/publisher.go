package publish

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rummager/rummager/internal/graph/idmap"
	"github.com/rummager/rummager/pkg/fileio"
	"github.com/rummager/rummager/pkg/resilience"
)

// Inputs names the files a publish run reads and writes.
type Inputs struct {
	IDMap          string
	Scores         string
	Metadata       string
	PublishedScore string
	MetadataTable  string
}

// Stats summarises both joins.
type Stats struct {
	Scores   ScoreStats
	Metadata MetadataStats
}

// Publisher runs the score and metadata joins concurrently. They share no
// outputs; each one is sequential internally.
type Publisher struct {
	canon     *idmap.Canonicalizer
	sinks     []Sink
	batchSize int
	retry     resilience.RetryConfig
	onBatch   func(sink string, err error)
	logger    *slog.Logger
}

func NewPublisher(canon *idmap.Canonicalizer, batchSize int, sinks ...Sink) *Publisher {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Publisher{
		canon:     canon,
		sinks:     sinks,
		batchSize: batchSize,
		retry:     resilience.RetryConfig{MaxAttempts: 3},
		logger:    slog.Default().With("component", "publish"),
	}
}

// SetRetry replaces the retry policy applied to every sink batch.
func (p *Publisher) SetRetry(cfg resilience.RetryConfig) {
	p.retry = cfg
}

// OnBatch registers a callback invoked after every sink batch.
func (p *Publisher) OnBatch(fn func(sink string, err error)) {
	p.onBatch = fn
}

// Run performs whichever joins have their inputs configured. A join whose
// external input (scores or metadata) is unset is skipped with a warning.
func (p *Publisher) Run(ctx context.Context, in Inputs) (Stats, error) {
	var stats Stats
	if err := fileio.Require(in.IDMap, "graph"); err != nil {
		return stats, err
	}
	for _, s := range p.sinks {
		if r, ok := s.(interface{ Reset(context.Context) error }); ok {
			if err := r.Reset(ctx); err != nil {
				return stats, err
			}
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	if in.Scores != "" {
		g.Go(func() error {
			st, err := p.publishScores(gctx, in)
			stats.Scores = st
			if err != nil {
				return fmt.Errorf("publishing scores: %w", err)
			}
			return nil
		})
	} else {
		p.logger.Warn("no score file configured, skipping score merge")
	}
	if in.Metadata != "" {
		g.Go(func() error {
			st, err := p.publishMetadata(gctx, in)
			stats.Metadata = st
			if err != nil {
				return fmt.Errorf("publishing metadata: %w", err)
			}
			return nil
		})
	} else {
		p.logger.Warn("no metadata file configured, skipping metadata merge")
	}
	err := g.Wait()
	return stats, err
}

// deliver hands one batch to a sink, retrying transient failures. Once ctx
// is done the error is final.
func (p *Publisher) deliver(ctx context.Context, sink Sink, op string, write func(context.Context) error) error {
	err := resilience.Retry(ctx, sink.Name()+"-"+op, p.retry, func() error {
		err := write(ctx)
		if err != nil && ctx.Err() != nil {
			return resilience.Permanent(err)
		}
		return err
	})
	if p.onBatch != nil {
		p.onBatch(sink.Name(), err)
	}
	return err
}

func (p *Publisher) publishScores(ctx context.Context, in Inputs) (ScoreStats, error) {
	sf, err := fileio.Open(in.Scores, "")
	if err != nil {
		return ScoreStats{}, err
	}
	defer sf.Close()
	scores, loadStats, err := LoadScores(ctx, sf, p.logger)
	if err != nil {
		return loadStats, err
	}
	p.logger.Info("scores loaded",
		"scores", loadStats.Loaded,
		"malformed", loadStats.Malformed,
		"duplicates", loadStats.Duplicates,
	)

	mf, err := fileio.Open(in.IDMap, "graph")
	if err != nil {
		return loadStats, err
	}
	defer mf.Close()
	out, err := fileio.Create(in.PublishedScore)
	if err != nil {
		return loadStats, err
	}
	defer out.Abort()

	batches := make([]*batcher[ScoreRow], len(p.sinks))
	for i, s := range p.sinks {
		batches[i] = newBatcher(p.batchSize, func(ctx context.Context, rows []ScoreRow) error {
			return p.deliver(ctx, s, "scores", func(ctx context.Context) error {
				return s.WriteScores(ctx, rows)
			})
		})
	}
	var emit func(ScoreRow) error
	if len(batches) > 0 {
		emit = func(row ScoreRow) error {
			for _, b := range batches {
				if err := b.add(ctx, row); err != nil {
					return err
				}
			}
			return nil
		}
	}
	st, err := MergeScores(ctx, mf, in.IDMap, scores, out, emit)
	st.Lines, st.Loaded, st.Malformed, st.Duplicates = loadStats.Lines, loadStats.Loaded, loadStats.Malformed, loadStats.Duplicates
	if err != nil {
		return st, err
	}
	for _, b := range batches {
		if err := b.drain(ctx); err != nil {
			return st, err
		}
	}
	if err := out.Commit(); err != nil {
		return st, err
	}
	p.logger.Info("scores published", "written", st.Written, "missing", st.Missing)
	return st, nil
}

func (p *Publisher) publishMetadata(ctx context.Context, in Inputs) (MetadataStats, error) {
	mf, err := fileio.Open(in.IDMap, "graph")
	if err != nil {
		return MetadataStats{}, err
	}
	table, err := idmap.Read(mf, in.IDMap)
	mf.Close()
	if err != nil {
		return MetadataStats{}, err
	}
	src, err := fileio.Open(in.Metadata, "")
	if err != nil {
		return MetadataStats{}, err
	}
	defer src.Close()
	out, err := fileio.Create(in.MetadataTable)
	if err != nil {
		return MetadataStats{}, err
	}
	defer out.Abort()

	batches := make([]*batcher[MetadataRow], len(p.sinks))
	for i, s := range p.sinks {
		batches[i] = newBatcher(p.batchSize, func(ctx context.Context, rows []MetadataRow) error {
			return p.deliver(ctx, s, "metadata", func(ctx context.Context) error {
				return s.WriteMetadata(ctx, rows)
			})
		})
	}
	var emit func(MetadataRow) error
	if len(batches) > 0 {
		emit = func(row MetadataRow) error {
			for _, b := range batches {
				if err := b.add(ctx, row); err != nil {
					return err
				}
			}
			return nil
		}
	}
	st, err := NewMetadataMerger(table, p.canon, p.logger).Merge(ctx, src, out, emit)
	if err != nil {
		return st, err
	}
	for _, b := range batches {
		if err := b.drain(ctx); err != nil {
			return st, err
		}
	}
	if err := out.Commit(); err != nil {
		return st, err
	}
	p.logger.Info("metadata published",
		"rows", st.Written,
		"matched", st.Matched,
		"placeholders", st.Placeholders,
		"malformed", st.Malformed,
	)
	return st, nil
}
