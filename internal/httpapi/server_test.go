package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briarworks/offloadpool/internal/metrics"
	"github.com/briarworks/offloadpool/pkg/types"
)

type fakeStatusProvider struct {
	state        types.PoolState
	processCount int
	pendingCount int
}

func (f fakeStatusProvider) State() types.PoolState     { return f.state }
func (f fakeStatusProvider) CurrentProcessCount() int   { return f.processCount }
func (f fakeStatusProvider) PendingCount() int          { return f.pendingCount }

func TestStatusRouteReportsPoolState(t *testing.T) {
	provider := fakeStatusProvider{state: types.Running, processCount: 4, pendingCount: 2}
	router := NewRouter(provider, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "running", status.State)
	assert.Equal(t, 4, status.ProcessCount)
	assert.Equal(t, 2, status.PendingCount)
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	collector := metrics.New()
	collector.RecordSubmitted()

	router := NewRouter(fakeStatusProvider{}, collector)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offloadpool_submissions_total")
}

func TestMetricsRouteAbsentWithoutCollector(t *testing.T) {
	router := NewRouter(fakeStatusProvider{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
