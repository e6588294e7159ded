package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker(0)
	c.Register("a", func(context.Context) ComponentHealth { return Up("ok") })
	report := c.Run(context.Background())
	assert.Equal(t, StatusUp, report.Status)
	assert.NoError(t, report.Err())

	c.Register("b", func(context.Context) ComponentHealth { return Degraded("slow") })
	assert.Equal(t, StatusDegraded, c.Run(context.Background()).Status)

	missing := errors.New("no such file")
	c.Register("c", func(context.Context) ComponentHealth { return Down(missing) })
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, []string{"a", "b", "c"}, report.Names())
	assert.ErrorIs(t, report.Err(), missing)
	assert.Contains(t, report.Err().Error(), "c: no such file")
	assert.Equal(t, 3, c.Len())
}

func TestRunAppliesTimeout(t *testing.T) {
	c := NewChecker(10 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		return Down(ctx.Err())
	})
	report := c.Run(context.Background())
	assert.ErrorIs(t, report.Err(), context.DeadlineExceeded)
}

func TestHandler(t *testing.T) {
	c := NewChecker(0)
	c.Register("db", func(context.Context) ComponentHealth { return Down(errors.New("refused")) })

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDown, body.Status)
	assert.Equal(t, "refused", body.Components["db"].Message)
}
