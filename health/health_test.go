package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.Register("store", func(context.Context) Status { return NewHealthy("ok") })
	m.Register("upstream", func(context.Context) Status { return NewDegraded("reconnecting") })

	results := m.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, Healthy, results["store"].Level)
	assert.Equal(t, "store", results["store"].Component)
	assert.Equal(t, Degraded, Aggregate(results))

	m.Register("upstream", func(context.Context) Status { return NewUnhealthy("gone") })
	assert.Equal(t, Unhealthy, Aggregate(m.Check(context.Background())))
}

func TestAggregateEmpty(t *testing.T) {
	assert.Equal(t, Healthy, Aggregate(nil))
}

func TestCheckerPanicIsUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Register("bad", func(context.Context) Status { panic("boom") })

	results := m.Check(context.Background())
	assert.Equal(t, Unhealthy, results["bad"].Level)
}

func TestRemoveAndNames(t *testing.T) {
	m := NewMonitor()
	m.Register("b", func(context.Context) Status { return NewHealthy("") })
	m.Register("a", func(context.Context) Status { return NewHealthy("") })

	assert.Equal(t, []string{"a", "b"}, m.Names())
	m.Remove("a")
	assert.Equal(t, []string{"b"}, m.Names())
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor()
	m.Register("dep", func(context.Context) Status { return NewHealthy("ok") })

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	m.Register("dep", func(context.Context) Status { return NewUnhealthy("down") })
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDegradedStillServes200(t *testing.T) {
	m := NewMonitor()
	m.Register("dep", func(context.Context) Status { return NewDegraded("slow") })

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestLivenessAlwaysOK(t *testing.T) {
	m := NewMonitor()
	m.Register("dep", func(context.Context) Status { return NewUnhealthy("down") })

	rec := httptest.NewRecorder()
	m.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness(t *testing.T) {
	m := NewMonitor()
	m.Register("dep", func(context.Context) Status { return NewUnhealthy("down") })

	rec := httptest.NewRecorder()
	m.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckDurationRecorded(t *testing.T) {
	m := NewMonitor()
	m.Register("slowish", func(context.Context) Status {
		time.Sleep(10 * time.Millisecond)
		return NewHealthy("ok")
	})

	results := m.Check(context.Background())
	assert.GreaterOrEqual(t, results["slowish"].Duration, 10*time.Millisecond)
}
