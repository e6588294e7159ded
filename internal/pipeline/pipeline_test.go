package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rummager/rummager/pkg/config"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/health"
	"github.com/rummager/rummager/pkg/metrics"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []BuildComplete
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event BuildComplete) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(dir, "out")
	cfg.Paths.Citations = write("citations.jsonl", `{"p1":["p2"],"p2":[]}`+"\n")
	cfg.Paths.Corpus = write("corpus.jsonl", `{"id":"p1","title":"Quantum gravity"}`+"\n"+`{"id":"p2","title":"Gravity waves"}`+"\n")
	cfg.Paths.Scores = write("pagerank.txt", "0 0.5\n1 0.25\n")
	cfg.Paths.Metadata = write("metadata.jsonl", `{"id":"p2","title":"Waves"}`+"\n")
	cfg.Corpus.TextFields = []string{"title"}
	cfg.Index.SpillDir = dir
	cfg.Logging.ProgressEvery = 0
	return cfg
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunAll(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New(prometheus.NewRegistry())
	notifier := &recordingNotifier{}
	p, err := New(cfg, m, notifier)
	require.NoError(t, err)

	res, err := p.Run(context.Background(), StageAll)
	require.NoError(t, err)

	assert.Equal(t, AllStages, res.Stages)
	assert.NotEmpty(t, res.RunID)
	out := cfg.Paths.Resolve
	assert.Equal(t, "p1 0\np2 1\n", read(t, out(cfg.Paths.IDMap)))
	assert.Equal(t, "2\n0 1 1\n1 0\n", read(t, out(cfg.Paths.Graph)))
	assert.Equal(t, "1\tp1:0\n2\tp1:1;p2:0\n3\tp2:1\n", read(t, out(cfg.Paths.InvertedIndex)))
	assert.Equal(t, "{\n  \"p1\": 0.5000000000,\n  \"p2\": 0.2500000000\n}\n", read(t, out(cfg.Paths.PublishedScore)))
	assert.Equal(t,
		"UnknownID|Unknown Title (Doc #0)|Unknown|N/A|N/A\np2|Waves|Unknown Authors|N/A|N/A\n",
		read(t, out(cfg.Paths.MetadataTable)))

	assert.Equal(t, int64(2), res.Counts["dense_ids"])
	assert.Equal(t, int64(3), res.Counts["terms"])
	assert.Equal(t, int64(1), res.Counts["barrels"])
	assert.Equal(t, int64(3), res.Counts["verified_records"])
	assert.Equal(t, out(cfg.Paths.BarrelDir), res.Artifacts["barrels"])

	require.Len(t, notifier.events, 1)
	assert.Equal(t, res.RunID, notifier.events[0].RunID)
	assert.Equal(t, cfg.Paths.OutputDir, notifier.events[0].OutputDir)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DenseIDs))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LexiconTerms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRuns.WithLabelValues(StageGraph, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BarrelsWritten))
}

func TestRunStagesSeparately(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, stage := range []string{StageGraph, StageLexicon, StageForward, StageInverted, StageBarrels, StageDump} {
		_, err := p.Run(ctx, stage)
		require.NoError(t, err, stage)
	}
	assert.Equal(t, "1\tp1:0\n2\tp1:1;p2:0\n3\tp2:1\n", read(t, cfg.Paths.Resolve(cfg.Paths.InvertedIndex)))
	assert.FileExists(t, filepath.Join(cfg.Paths.Resolve(cfg.Paths.BarrelDir), "barrel_0.txt"))
}

func TestRunFailureIsAttributedAndNotAnnounced(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New(prometheus.NewRegistry())
	notifier := &recordingNotifier{}
	p, err := New(cfg, m, notifier)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), StageBarrels)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingInput)
	var se *apperrors.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBarrels, se.Stage)
	assert.Equal(t, apperrors.ExitMissingInput, apperrors.ExitCode(err))

	assert.Empty(t, notifier.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRuns.WithLabelValues(StageBarrels, "failed")))
}

func TestGraphFailureKeepsPreviousIDMap(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = p.Run(ctx, StageGraph)
	require.NoError(t, err)
	idPath := cfg.Paths.Resolve(cfg.Paths.IDMap)
	require.Equal(t, "p1 0\np2 1\n", read(t, idPath))

	require.NoError(t, os.WriteFile(cfg.Paths.Citations, []byte(`{"p0":["p1"],"p1":["p2"],"p2":[]}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(cfg.Paths.Resolve("blocked"), nil, 0o644))
	cfg.Paths.Graph = filepath.Join("blocked", "graph.txt")
	p, err = New(cfg, nil, nil)
	require.NoError(t, err)
	_, err = p.Run(ctx, StageGraph)
	require.Error(t, err)

	assert.Equal(t, "p1 0\np2 1\n", read(t, idPath))
	assert.NoFileExists(t, idPath+".tmp")
}

func TestNotifyFailureDoesNotFailBuild(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, &recordingNotifier{err: errors.New("broker down")})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), StageGraph)
	assert.NoError(t, err)
}

func TestRunRequiresConfiguredInputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.Citations = ""
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), StageGraph)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestExpand(t *testing.T) {
	got, err := Expand([]string{StagePreprocess, StageAll})
	require.NoError(t, err)
	assert.Equal(t, append([]string{StagePreprocess}, AllStages...), got)

	_, err = Expand([]string{"rank"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	_, err = Expand(nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestPreflightFullRunNeedsOnlyExternalInputs(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)

	checker, err := p.Preflight(StageAll)
	require.NoError(t, err)
	report := checker.Run(context.Background())
	assert.Equal(t, health.StatusUp, report.Status)
	assert.NoError(t, report.Err())
	assert.Contains(t, report.Components, "input:corpus")
	assert.Contains(t, report.Components, "input:citations")
	assert.NotContains(t, report.Components, "input:lexicon")
}

func TestPreflightReportsMissingArtifacts(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)

	checker, err := p.Preflight(StageBarrels, StageVerify)
	require.NoError(t, err)
	report := checker.Run(context.Background())
	assert.Equal(t, health.StatusDown, report.Status)
	assert.ErrorIs(t, report.Err(), apperrors.ErrMissingInput)
	assert.Equal(t, health.StatusDown, report.Components["input:invertedIndex"].Status)
	assert.Equal(t, health.StatusDown, report.Components["input:idMap"].Status)
	assert.NotContains(t, report.Components, "input:barrelManifest")
}

func TestPreflightPublishWithoutJoins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.Scores = ""
	cfg.Paths.Metadata = ""
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), StageGraph)
	require.NoError(t, err)

	checker, err := p.Preflight(StagePublish)
	require.NoError(t, err)
	report := checker.Run(context.Background())
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.NoError(t, report.Err())
}

func TestPreflightUnsetCorpus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.Corpus = ""
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)

	checker, err := p.Preflight(StageLexicon)
	require.NoError(t, err)
	assert.ErrorIs(t, checker.Run(context.Background()).Err(), apperrors.ErrInvalidConfig)
}
