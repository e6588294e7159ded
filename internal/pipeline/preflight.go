package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rummager/rummager/internal/indexer/barrel"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/fileio"
	"github.com/rummager/rummager/pkg/health"
	"github.com/rummager/rummager/pkg/kafka"
	"github.com/rummager/rummager/pkg/postgres"
	"github.com/rummager/rummager/pkg/redis"
)

// PreflightTimeout bounds each individual preflight check.
const PreflightTimeout = 10 * time.Second

// requirement is one file a stage reads. An intermediate artifact is
// satisfied when an earlier stage of the same run produces it.
type requirement struct {
	name     string
	path     string
	producer string
}

// Preflight registers checks for every file and service the given stages
// depend on. It performs no I/O itself; call Run on the result.
func (p *Pipeline) Preflight(stages ...string) (*health.Checker, error) {
	stages, err := Expand(stages)
	if err != nil {
		return nil, err
	}
	c := health.NewChecker(PreflightTimeout)
	c.Register("output_dir", p.checkOutputDir)

	produced := make(map[string]bool)
	for _, stage := range stages {
		for _, req := range p.requirements(stage) {
			if req.path == "" {
				if req.producer == "" {
					c.Register("input:"+req.name, func(context.Context) health.ComponentHealth {
						return health.Down(fmt.Errorf("%w: paths.%s is not set", apperrors.ErrInvalidConfig, req.name))
					})
				}
				continue
			}
			if req.producer != "" && produced[req.producer] {
				continue
			}
			c.Register("input:"+req.name, checkFile(req.path, req.producer))
		}
		for _, out := range produces(stage) {
			produced[out] = true
		}
		if stage == StagePublish {
			p.registerPublish(c)
		}
	}
	if p.cfg.Kafka.Notify {
		brokers := p.cfg.Kafka.Brokers
		c.Register("kafka", func(ctx context.Context) health.ComponentHealth {
			if err := kafka.Ping(ctx, brokers); err != nil {
				return health.Down(err)
			}
			return health.Up(fmt.Sprintf("%d brokers", len(brokers)))
		})
	}
	return c, nil
}

func (p *Pipeline) requirements(stage string) []requirement {
	paths := p.cfg.Paths
	corpus := requirement{name: "corpus", path: paths.Corpus}
	lexicon := requirement{name: "lexicon", path: p.out(paths.Lexicon), producer: StageLexicon}
	forward := requirement{name: "forwardIndex", path: p.out(paths.ForwardIndex), producer: StageForward}
	manifest := requirement{
		name:     "barrelManifest",
		path:     filepath.Join(p.out(paths.BarrelDir), barrel.ManifestName),
		producer: StageBarrels,
	}
	switch stage {
	case StagePreprocess, StageLexicon:
		return []requirement{corpus}
	case StageGraph:
		return []requirement{{name: "citations", path: paths.Citations}}
	case StageForward, StageIndex:
		return []requirement{corpus, lexicon}
	case StageInverted:
		return []requirement{forward}
	case StageBarrels:
		reqs := []requirement{{name: "invertedIndex", path: p.out(paths.InvertedIndex), producer: StageInverted}}
		if p.cfg.Barrels.DocIDs == barrel.DocIDsOrdinal {
			return append(reqs, forward)
		}
		return append(reqs, requirement{name: "idMap", path: p.out(paths.IDMap), producer: StageGraph})
	case StageVerify, StageDump:
		return []requirement{manifest}
	case StagePublish:
		reqs := []requirement{{name: "idMap", path: p.out(paths.IDMap), producer: StageGraph}}
		if paths.Scores != "" {
			reqs = append(reqs, requirement{name: "scores", path: paths.Scores})
		}
		if paths.Metadata != "" {
			reqs = append(reqs, requirement{name: "metadata", path: paths.Metadata})
		}
		return reqs
	}
	return nil
}

// produces lists the producer names a stage satisfies. StageIndex writes
// both indexes.
func produces(stage string) []string {
	switch stage {
	case StageIndex:
		return []string{StageForward, StageInverted}
	case StagePreprocess, StageVerify, StageDump, StagePublish:
		return nil
	}
	return []string{stage}
}

func checkFile(path, producer string) health.Check {
	return func(context.Context) health.ComponentHealth {
		if err := fileio.Require(path, producer); err != nil {
			return health.Down(err)
		}
		return health.Up(path)
	}
}

func (p *Pipeline) checkOutputDir(context.Context) health.ComponentHealth {
	dir := p.cfg.Paths.OutputDir
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return health.Down(fmt.Errorf("output directory %s is not writable: %w", dir, err))
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return health.Up(dir)
}

func (p *Pipeline) registerPublish(c *health.Checker) {
	paths := p.cfg.Paths
	if paths.Scores == "" && paths.Metadata == "" {
		c.Register("publish", func(context.Context) health.ComponentHealth {
			return health.Degraded("neither paths.scores nor paths.metadata is set; publish has nothing to join")
		})
	}
	if p.cfg.Publish.Postgres {
		cfg := p.cfg.Postgres
		c.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			db, err := postgres.New(ctx, cfg)
			if err != nil {
				return health.Down(err)
			}
			db.Close()
			return health.Up(fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database))
		})
	}
	if p.cfg.Publish.Redis {
		cfg := p.cfg.Redis
		c.Register("redis", func(ctx context.Context) health.ComponentHealth {
			rc, err := redis.NewClient(ctx, cfg)
			if err != nil {
				return health.Down(err)
			}
			rc.Close()
			return health.Up(cfg.Addr)
		})
	}
}

// knownStages is the set Expand accepts, StageAll excluded.
var knownStages = []string{StagePreprocess, StageGraph, StageLexicon, StageForward, StageInverted,
	StageIndex, StageBarrels, StageVerify, StageDump, StagePublish}

func isKnownStage(s string) bool {
	return slices.Contains(knownStages, s)
}
