// Package pipeline sequences the build stages. Each stage runs to completion
// before the next starts; a run carries one ID through its logs, spans,
// metrics and completion event.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rummager/rummager/internal/graph"
	"github.com/rummager/rummager/internal/graph/idmap"
	"github.com/rummager/rummager/internal/indexer"
	"github.com/rummager/rummager/internal/indexer/index"
	"github.com/rummager/rummager/internal/publish"
	"github.com/rummager/rummager/pkg/config"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
	"github.com/rummager/rummager/pkg/logger"
	"github.com/rummager/rummager/pkg/metrics"
	"github.com/rummager/rummager/pkg/postgres"
	"github.com/rummager/rummager/pkg/redis"
	"github.com/rummager/rummager/pkg/resilience"
	"github.com/rummager/rummager/pkg/tracing"
)

// Stage names accepted by Run.
const (
	StagePreprocess = "preprocess"
	StageGraph      = indexer.StageGraph
	StageLexicon    = indexer.StageLexicon
	StageForward    = indexer.StageForward
	StageInverted   = indexer.StageInverted
	// StageIndex builds forward and inverted indexes in one corpus pass.
	StageIndex   = "index"
	StageBarrels = indexer.StageBarrels
	StageVerify  = "verify"
	StageDump    = "dump"
	StagePublish = "publish"
	StageAll     = "all"
)

// AllStages is the dependency order StageAll expands to.
var AllStages = []string{StageGraph, StageLexicon, StageIndex, StageBarrels, StageVerify, StagePublish}

// Result describes a finished run.
type Result struct {
	RunID     string
	Stages    []string
	Artifacts map[string]string
	Counts    map[string]int64
	Duration  time.Duration
}

func (r *Result) count(key string, n int) {
	r.Counts[key] += int64(n)
}

// Pipeline runs stages against one configuration.
type Pipeline struct {
	cfg      *config.Config
	engine   *indexer.Engine
	metrics  *metrics.Metrics
	notifier Notifier
	logger   *slog.Logger
}

// New builds a pipeline. m and notifier may be nil.
func New(cfg *config.Config, m *metrics.Metrics, notifier Notifier) (*Pipeline, error) {
	engine, err := indexer.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		engine:   engine,
		metrics:  m,
		notifier: notifier,
		logger:   logger.WithComponent("pipeline"),
	}
	if m != nil {
		engine.OnSpill(func(string, int64) { m.SpillRuns.Inc() })
	}
	return p, nil
}

// Expand resolves StageAll and rejects unknown stage names.
func Expand(stages []string) ([]string, error) {
	var out []string
	for _, s := range stages {
		if s == StageAll {
			out = append(out, AllStages...)
			continue
		}
		if !isKnownStage(s) {
			return nil, fmt.Errorf("%w: unknown stage %q", apperrors.ErrInvalidConfig, s)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no stages given", apperrors.ErrInvalidConfig)
	}
	return out, nil
}

// Run executes stages in the order given, stopping at the first failure.
func (p *Pipeline) Run(ctx context.Context, stages ...string) (*Result, error) {
	stages, err := Expand(stages)
	if err != nil {
		return nil, err
	}
	res := &Result{
		RunID:     uuid.NewString(),
		Stages:    stages,
		Artifacts: make(map[string]string),
		Counts:    make(map[string]int64),
	}
	ctx = logger.WithRunID(ctx, res.RunID)
	log := logger.FromContext(ctx).With("component", "pipeline")
	ctx, root := tracing.StartSpan(ctx, "build", res.RunID)
	start := time.Now()
	log.Info("build starting", "stages", stages, "output_dir", p.cfg.Paths.OutputDir)

	for _, stage := range stages {
		if err = p.runStage(ctx, res, stage); err != nil {
			break
		}
	}
	res.Duration = time.Since(start)
	root.End(err)
	root.Log(log)
	if err != nil {
		log.Error("build failed", "error", err, "duration", res.Duration)
		return res, err
	}
	log.Info("build complete", "duration", res.Duration)

	if p.notifier != nil {
		event := BuildComplete{
			RunID:       res.RunID,
			Stages:      res.Stages,
			OutputDir:   p.cfg.Paths.OutputDir,
			Artifacts:   res.Artifacts,
			Counts:      res.Counts,
			CompletedAt: time.Now().UTC(),
		}
		if nerr := p.notifier.Notify(ctx, event); nerr != nil {
			log.Warn("build completion notification failed", "error", nerr)
		}
	}
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, res *Result, stage string) error {
	ctx, span := tracing.StartChildSpan(ctx, stage)
	log := logger.FromContext(ctx).With("component", "pipeline", "stage", stage)
	log.Info("stage starting")
	start := time.Now()

	err := p.stage(ctx, res, stage)

	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "failed"
		err = apperrors.Stage(stage, err)
	}
	span.SetAttr("status", status)
	span.End(err)
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
		p.metrics.StageRuns.WithLabelValues(stage, status).Inc()
	}
	if err != nil {
		log.Error("stage failed", "error", err, "duration", elapsed)
		return err
	}
	log.Info("stage complete", "duration", elapsed)
	return nil
}

func (p *Pipeline) stage(ctx context.Context, res *Result, stage string) error {
	switch stage {
	case StagePreprocess:
		return p.preprocess(ctx, res)
	case StageGraph:
		return p.graph(ctx, res)
	case StageLexicon:
		return p.lexicon(ctx, res)
	case StageForward:
		return p.forward(ctx, res)
	case StageInverted:
		return p.inverted(ctx, res)
	case StageIndex:
		return p.index(ctx, res)
	case StageBarrels:
		return p.barrels(ctx, res)
	case StageVerify:
		return p.verify(res)
	case StageDump:
		return p.dump(res)
	case StagePublish:
		return p.publish(ctx, res)
	}
	return fmt.Errorf("%w: unknown stage %q", apperrors.ErrInvalidConfig, stage)
}

func (p *Pipeline) out(path string) string {
	return p.cfg.Paths.Resolve(path)
}

func (p *Pipeline) processed(stage string, n int) {
	if p.metrics != nil {
		p.metrics.RecordsProcessed.WithLabelValues(stage).Add(float64(n))
	}
}

func (p *Pipeline) skipped(stage, reason string, n int) {
	if p.metrics != nil && n > 0 {
		p.metrics.RecordsSkipped.WithLabelValues(stage, reason).Add(float64(n))
	}
}

func (p *Pipeline) artifact(res *Result, name, path string) {
	res.Artifacts[name] = path
	if p.metrics == nil {
		return
	}
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		p.metrics.ArtifactBytes.WithLabelValues(name).Set(float64(fi.Size()))
	}
}

func requirePath(name, path string) error {
	if path == "" {
		return fmt.Errorf("%w: paths.%s is not set", apperrors.ErrInvalidConfig, name)
	}
	return nil
}

func (p *Pipeline) preprocess(ctx context.Context, res *Result) error {
	if err := requirePath("corpus", p.cfg.Paths.Corpus); err != nil {
		return err
	}
	st, err := p.engine.Preprocess(ctx)
	if err != nil {
		return err
	}
	p.processed(StagePreprocess, st.Lines)
	p.skipped(StagePreprocess, "malformed", st.Malformed)
	res.count("preprocessed_documents", st.Documents)
	p.artifact(res, "clean_corpus", p.out(p.cfg.Paths.CleanCorpus))
	return nil
}

// graph runs both passes over the citation file: pass 1 collects and
// numbers canonical IDs, pass 2 writes the adjacency list.
func (p *Pipeline) graph(ctx context.Context, res *Result) error {
	src := p.cfg.Paths.Citations
	if err := requirePath("citations", src); err != nil {
		return err
	}
	canon := idmap.NewCanonicalizer(p.cfg.Graph.StripPrefixes)

	in, err := fileio.Open(src, "")
	if err != nil {
		return err
	}
	table, st1, err := idmap.NewBuilder(canon).Build(ctx, in)
	in.Close()
	if err != nil {
		return err
	}
	idPath := p.out(p.cfg.Paths.IDMap)
	idOut, err := fileio.Create(idPath)
	if err != nil {
		return err
	}
	defer idOut.Abort()
	if _, err := table.WriteTo(idOut); err != nil {
		return fmt.Errorf("writing %s: %w", idPath, err)
	}
	if err := idOut.Seal(); err != nil {
		return err
	}

	in, err = fileio.Open(src, "")
	if err != nil {
		return err
	}
	defer in.Close()
	graphPath := p.out(p.cfg.Paths.Graph)
	out, err := fileio.Create(graphPath)
	if err != nil {
		return err
	}
	defer out.Abort()
	st2, err := graph.NewBuilder(canon, table, p.cfg.Logging.ProgressEvery).Build(ctx, in, out)
	if err != nil {
		return err
	}

	// The id map and graph file describe the same numbering; neither is
	// published unless both are complete.
	if err := out.Commit(); err != nil {
		return err
	}
	if err := idOut.Commit(); err != nil {
		os.Remove(graphPath)
		return err
	}
	p.artifact(res, "id_map", idPath)
	p.artifact(res, "graph", graphPath)
	if p.metrics != nil {
		p.metrics.DenseIDs.Set(float64(table.Len()))
	}
	res.count("dense_ids", table.Len())

	p.processed(StageGraph, st1.Records+st2.Records)
	p.skipped(StageGraph, "malformed", st1.Malformed+st2.Malformed)
	p.skipped(StageGraph, "invalid", st1.Invalid+st2.Invalid)
	p.skipped(StageGraph, "unresolved", st2.Unresolved)
	res.count("graph_records", st2.Written)
	res.count("graph_edges", st2.Edges)
	return nil
}

func (p *Pipeline) lexicon(ctx context.Context, res *Result) error {
	if err := requirePath("corpus", p.cfg.Paths.Corpus); err != nil {
		return err
	}
	st, err := p.engine.BuildLexicon(ctx)
	if err != nil {
		return err
	}
	p.processed(StageLexicon, st.Documents)
	p.skipped(StageLexicon, "malformed", st.Malformed)
	if p.metrics != nil {
		p.metrics.LexiconTerms.Set(float64(st.Terms))
	}
	res.count("terms", st.Terms)
	p.artifact(res, "lexicon", p.out(p.cfg.Paths.Lexicon))
	return nil
}

func (p *Pipeline) recordForward(res *Result, st index.ForwardStats) {
	p.processed(StageForward, st.Documents)
	p.skipped(StageForward, "malformed", st.Malformed)
	if p.metrics != nil {
		p.metrics.DocumentsIndexed.Set(float64(st.Documents))
	}
	res.count("documents", st.Documents)
	p.artifact(res, "forward_index", p.out(p.cfg.Paths.ForwardIndex))
	p.artifact(res, "doc_lengths", p.out(p.cfg.Paths.DocLengths))
}

func (p *Pipeline) recordInverted(res *Result, st index.InvertStats) {
	p.processed(StageInverted, st.Documents)
	res.count("inverted_terms", st.Terms)
	res.count("postings", st.Postings)
	p.artifact(res, "inverted_index", p.out(p.cfg.Paths.InvertedIndex))
}

func (p *Pipeline) forward(ctx context.Context, res *Result) error {
	if err := requirePath("corpus", p.cfg.Paths.Corpus); err != nil {
		return err
	}
	st, err := p.engine.BuildForward(ctx, nil)
	if err != nil {
		return err
	}
	p.recordForward(res, st)
	return nil
}

func (p *Pipeline) inverted(ctx context.Context, res *Result) error {
	st, err := p.engine.BuildInverted(ctx)
	if err != nil {
		return err
	}
	p.recordInverted(res, st)
	return nil
}

func (p *Pipeline) index(ctx context.Context, res *Result) error {
	if err := requirePath("corpus", p.cfg.Paths.Corpus); err != nil {
		return err
	}
	fs, is, err := p.engine.IndexCorpus(ctx)
	if err != nil {
		return err
	}
	p.recordForward(res, fs)
	p.recordInverted(res, is)
	return nil
}

func (p *Pipeline) barrels(ctx context.Context, res *Result) error {
	m, st, err := p.engine.BuildBarrels(ctx)
	if err != nil {
		return err
	}
	p.processed(StageBarrels, st.Terms)
	p.skipped(StageBarrels, "unresolved", st.Unresolved)
	if p.metrics != nil {
		p.metrics.BarrelsWritten.Set(float64(len(m.Files)))
		p.metrics.ArtifactBytes.WithLabelValues("barrels").Set(float64(st.Bytes))
	}
	res.count("barrels", len(m.Files))
	res.count("barrel_records", st.Records)
	res.Artifacts["barrels"] = p.out(p.cfg.Paths.BarrelDir)
	return nil
}

func (p *Pipeline) verify(res *Result) error {
	rep, err := p.engine.VerifyBarrels()
	if err != nil {
		return err
	}
	p.logger.Info("barrels verified",
		"files", rep.Files,
		"records", rep.Records,
		"postings", rep.Postings,
		"bytes", rep.Bytes,
	)
	res.count("verified_records", rep.Records)
	return nil
}

func (p *Pipeline) dump(res *Result) error {
	paths, err := p.engine.DumpBarrels()
	if err != nil {
		return err
	}
	res.count("barrel_dumps", len(paths))
	return nil
}

func (p *Pipeline) publish(ctx context.Context, res *Result) error {
	var sinks []publish.Sink
	if p.cfg.Publish.Postgres {
		db, err := postgres.New(ctx, p.cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := publish.NewPostgresSink(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
	}
	if p.cfg.Publish.Redis {
		rc, err := redis.NewClient(ctx, p.cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		sinks = append(sinks, publish.NewRedisSink(rc, p.cfg.Redis.ScoreKey, p.cfg.Redis.MetadataKey))
	}
	pub := publish.NewPublisher(idmap.NewCanonicalizer(p.cfg.Graph.StripPrefixes), p.cfg.Publish.BatchSize, sinks...)
	pub.SetRetry(resilience.RetryConfig{MaxAttempts: p.cfg.Publish.RetryAttempts})
	if p.metrics != nil {
		pub.OnBatch(func(sink string, err error) {
			status := "ok"
			if err != nil {
				status = "failed"
			}
			p.metrics.SinkBatches.WithLabelValues(sink, status).Inc()
		})
	}
	in := publish.Inputs{
		IDMap:          p.out(p.cfg.Paths.IDMap),
		Scores:         p.cfg.Paths.Scores,
		Metadata:       p.cfg.Paths.Metadata,
		PublishedScore: p.out(p.cfg.Paths.PublishedScore),
		MetadataTable:  p.out(p.cfg.Paths.MetadataTable),
	}
	st, err := pub.Run(ctx, in)
	if err != nil {
		return err
	}
	p.processed(StagePublish, st.Scores.Lines+st.Metadata.Lines)
	p.skipped(StagePublish, "malformed", st.Scores.Malformed+st.Metadata.Malformed)
	if in.Scores != "" {
		res.count("published_scores", st.Scores.Written)
		p.artifact(res, "published_scores", in.PublishedScore)
	}
	if in.Metadata != "" {
		res.count("metadata_rows", st.Metadata.Written)
		p.artifact(res, "metadata_table", in.MetadataTable)
	}
	return nil
}
