package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerForExposesBuildCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DenseIDs.Set(42)
	m.StageRuns.WithLabelValues("graph", "ok").Inc()
	m.RecordsSkipped.WithLabelValues("graph", "unresolved").Add(3)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "build_dense_ids 42")
	assert.Contains(t, body, `build_stage_runs_total{stage="graph",status="ok"} 1`)
	assert.Contains(t, body, `build_records_skipped_total{reason="unresolved",stage="graph"} 3`)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
