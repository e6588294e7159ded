// Package indexer drives the text side of the build: lexicon, forward
// index, inverted index and barrels. Every stage reads its inputs from the
// artifacts of earlier stages, so each can be rerun on its own.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/pbnjay/memory"

	"github.com/rummager/rummager/internal/graph/idmap"
	"github.com/rummager/rummager/internal/indexer/barrel"
	"github.com/rummager/rummager/internal/indexer/corpus"
	"github.com/rummager/rummager/internal/indexer/index"
	"github.com/rummager/rummager/internal/indexer/lexicon"
	"github.com/rummager/rummager/internal/indexer/tokenizer"
	"github.com/rummager/rummager/pkg/config"
	"github.com/rummager/rummager/pkg/fileio"
)

// Stage names, also used as producers in missing-input diagnostics.
const (
	StageGraph    = "graph"
	StageLexicon  = "lexicon"
	StageForward  = "forward"
	StageInverted = "inverted"
	StageBarrels  = "barrels"
)

// Engine runs the indexing stages for one configuration.
type Engine struct {
	cfg     *config.Config
	reader  *corpus.Reader
	tok     tokenizer.Tokenizer
	onSpill func(run string, bytes int64)
	logger  *slog.Logger
}

func NewEngine(cfg *config.Config) (*Engine, error) {
	if dir := cfg.Paths.OutputDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	return &Engine{
		cfg: cfg,
		reader: corpus.NewReader(corpus.Options{
			Format:     cfg.Corpus.Format,
			IDField:    cfg.Corpus.IDField,
			TextFields: cfg.Corpus.TextFields,
			Limit:      cfg.Corpus.Limit,
		}),
		tok: tokenizer.New(tokenizer.Options{
			Stem:           cfg.Tokenizer.Stem,
			MinLength:      cfg.Tokenizer.MinLength,
			ExtraStopwords: cfg.Tokenizer.ExtraStopwords,
		}),
		logger: slog.Default().With("component", "indexer"),
	}, nil
}

// OnSpill registers a callback for inverted-index run files.
func (e *Engine) OnSpill(fn func(run string, bytes int64)) {
	e.onSpill = fn
}

func (e *Engine) path(p string) string {
	return e.cfg.Paths.Resolve(p)
}

// SpillThreshold returns the configured spill threshold, or, when that is
// zero, MemoryFraction of the memory currently free.
func (e *Engine) SpillThreshold() int64 {
	if e.cfg.Index.SpillThreshold > 0 {
		return e.cfg.Index.SpillThreshold
	}
	if e.cfg.Index.MemoryFraction <= 0 {
		return 0
	}
	avail := memory.FreeMemory()
	if avail == 0 {
		avail = memory.TotalMemory()
	}
	return int64(float64(avail) * e.cfg.Index.MemoryFraction)
}

func (e *Engine) openStore() (lexicon.Store, error) {
	if e.cfg.Lexicon.Store == "bolt" {
		path := e.cfg.Lexicon.BoltPath
		if path != "" {
			// The lexicon file is authoritative; the store is rebuilt from
			// scratch on every open.
			path = e.path(path)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("removing stale lexicon store: %w", err)
			}
		}
		return lexicon.OpenBoltStore(path, lexicon.DefaultBoltBatch)
	}
	return lexicon.NewMemoryStore(), nil
}

func (e *Engine) openCorpus() (io.ReadCloser, error) {
	return fileio.Open(e.cfg.Paths.Corpus, "")
}

// BuildLexicon assigns TermIDs over the corpus and writes the lexicon.
func (e *Engine) BuildLexicon(ctx context.Context) (lexicon.Stats, error) {
	src, err := e.openCorpus()
	if err != nil {
		return lexicon.Stats{}, err
	}
	defer src.Close()
	store, err := e.openStore()
	if err != nil {
		return lexicon.Stats{}, err
	}
	lex := lexicon.New(store)
	defer lex.Close()

	out, err := fileio.Create(e.path(e.cfg.Paths.Lexicon))
	if err != nil {
		return lexicon.Stats{}, err
	}
	defer out.Abort()
	stats, err := lexicon.NewBuilder(e.reader, e.tok, e.cfg.Logging.ProgressEvery).Build(ctx, src, lex, out)
	if err != nil {
		return stats, err
	}
	return stats, out.Commit()
}

// LoadLexicon reads the lexicon artifact into the configured store.
func (e *Engine) LoadLexicon() (*lexicon.Lexicon, error) {
	path := e.path(e.cfg.Paths.Lexicon)
	f, err := fileio.Open(path, StageLexicon)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	store, err := e.openStore()
	if err != nil {
		return nil, err
	}
	lex, err := lexicon.Load(f, path, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.logger.Info("lexicon loaded", "terms", lex.Len())
	return lex, nil
}

// BuildForward writes the forward index and document lengths. visit, when
// non-nil, sees every entry as it is written.
func (e *Engine) BuildForward(ctx context.Context, visit func(index.ForwardEntry) error) (index.ForwardStats, error) {
	lex, err := e.LoadLexicon()
	if err != nil {
		return index.ForwardStats{}, err
	}
	defer lex.Close()
	src, err := e.openCorpus()
	if err != nil {
		return index.ForwardStats{}, err
	}
	defer src.Close()

	fwd, err := fileio.Create(e.path(e.cfg.Paths.ForwardIndex))
	if err != nil {
		return index.ForwardStats{}, err
	}
	defer fwd.Abort()
	lengths, err := fileio.Create(e.path(e.cfg.Paths.DocLengths))
	if err != nil {
		return index.ForwardStats{}, err
	}
	defer lengths.Abort()

	fb := index.NewForwardBuilder(e.reader, e.tok, e.cfg.Logging.ProgressEvery)
	stats, err := fb.Build(ctx, src, lex, fwd, lengths, visit)
	if err != nil {
		return stats, err
	}
	if err := fwd.Commit(); err != nil {
		return stats, err
	}
	return stats, lengths.Commit()
}

func (e *Engine) newInverter() *index.Inverter {
	threshold := e.SpillThreshold()
	e.logger.Info("inverting", "spill_threshold_bytes", threshold)
	inv := index.NewInverter(index.InverterOptions{
		SpillThreshold: threshold,
		SpillDir:       e.cfg.Index.SpillDir,
	})
	if e.onSpill != nil {
		inv.OnSpill(e.onSpill)
	}
	return inv
}

func (e *Engine) writeInverted(ctx context.Context, inv *index.Inverter) (index.InvertStats, error) {
	out, err := fileio.Create(e.path(e.cfg.Paths.InvertedIndex))
	if err != nil {
		return index.InvertStats{}, err
	}
	defer out.Abort()
	stats, err := index.WriteInverted(ctx, inv, out)
	if err != nil {
		return stats, err
	}
	if err := out.Commit(); err != nil {
		return stats, err
	}
	e.logger.Info("inverted index built",
		"documents", stats.Documents,
		"terms", stats.Terms,
		"postings", stats.Postings,
		"runs", stats.Runs,
	)
	return stats, nil
}

// BuildInverted inverts the forward index artifact.
func (e *Engine) BuildInverted(ctx context.Context) (index.InvertStats, error) {
	path := e.path(e.cfg.Paths.ForwardIndex)
	f, err := fileio.Open(path, StageForward)
	if err != nil {
		return index.InvertStats{}, err
	}
	defer f.Close()
	inv := e.newInverter()
	defer inv.Close()
	if _, err := index.ReadForward(ctx, f, path, inv.Add); err != nil {
		return index.InvertStats{}, err
	}
	return e.writeInverted(ctx, inv)
}

// IndexCorpus builds the forward and inverted indexes in one corpus pass.
// The result is identical to BuildForward followed by BuildInverted.
func (e *Engine) IndexCorpus(ctx context.Context) (index.ForwardStats, index.InvertStats, error) {
	inv := e.newInverter()
	defer inv.Close()
	fs, err := e.BuildForward(ctx, inv.Add)
	if err != nil {
		return fs, index.InvertStats{}, err
	}
	is, err := e.writeInverted(ctx, inv)
	return fs, is, err
}

// Resolver builds the DocResolver selected by barrels.docIds.
func (e *Engine) Resolver(ctx context.Context) (barrel.DocResolver, error) {
	if e.cfg.Barrels.DocIDs == barrel.DocIDsOrdinal {
		path := e.path(e.cfg.Paths.ForwardIndex)
		f, err := fileio.Open(path, StageForward)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return barrel.LoadOrdinals(ctx, f, path)
	}
	path := e.path(e.cfg.Paths.IDMap)
	f, err := fileio.Open(path, StageGraph)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	table, err := idmap.Read(f, path)
	if err != nil {
		return nil, err
	}
	return barrel.NewIDMapResolver(idmap.NewCanonicalizer(e.cfg.Graph.StripPrefixes), table), nil
}

// BuildBarrels shards the inverted index into binary barrels.
func (e *Engine) BuildBarrels(ctx context.Context) (*barrel.Manifest, barrel.WriteStats, error) {
	resolver, err := e.Resolver(ctx)
	if err != nil {
		return nil, barrel.WriteStats{}, err
	}
	path := e.path(e.cfg.Paths.InvertedIndex)
	f, err := fileio.Open(path, StageInverted)
	if err != nil {
		return nil, barrel.WriteStats{}, err
	}
	defer f.Close()
	router, err := barrel.NewRouter(e.cfg.Barrels.TermsPerBarrel)
	if err != nil {
		return nil, barrel.WriteStats{}, err
	}
	w, err := barrel.NewWriter(e.path(e.cfg.Paths.BarrelDir), router, resolver, e.cfg.Barrels.DocIDs)
	if err != nil {
		return nil, barrel.WriteStats{}, err
	}
	if _, err := index.ReadInverted(ctx, f, path, w.Add); err != nil {
		w.Abort()
		return nil, barrel.WriteStats{}, err
	}
	return w.Close()
}

// VerifyBarrels checks the barrels against their manifest.
func (e *Engine) VerifyBarrels() (barrel.Report, error) {
	return barrel.Verify(e.path(e.cfg.Paths.BarrelDir))
}

// DumpBarrels writes the text form of every barrel next to it.
func (e *Engine) DumpBarrels() ([]string, error) {
	return barrel.DumpDir(e.path(e.cfg.Paths.BarrelDir))
}

// Preprocess converts the JSONL corpus into the "<key>\t<text>" form.
func (e *Engine) Preprocess(ctx context.Context) (corpus.Stats, error) {
	src, err := e.openCorpus()
	if err != nil {
		return corpus.Stats{}, err
	}
	defer src.Close()
	out, err := fileio.Create(e.path(e.cfg.Paths.CleanCorpus))
	if err != nil {
		return corpus.Stats{}, err
	}
	defer out.Abort()
	stats, err := corpus.Preprocess(ctx, src, out, e.cfg.Corpus.IDField, e.cfg.Corpus.Limit)
	if err != nil {
		return stats, err
	}
	return stats, out.Commit()
}
