// Package httpapi is the pool's introspection surface: a /metrics endpoint
// for Prometheus and a /status endpoint with a JSON snapshot of pool state.
// Grounded on the teacher's internal/cli/cli.go, which wires
// promhttp.Handler() onto a bare net/http mux inline; this repo upgrades
// that to gorilla/mux since /status is a second real route, not just a
// metrics afterthought.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briarworks/offloadpool/internal/metrics"
	"github.com/briarworks/offloadpool/pkg/types"
)

// StatusProvider is the subset of internal/pool.Pool the /status route
// reads from.
type StatusProvider interface {
	State() types.PoolState
	CurrentProcessCount() int
	PendingCount() int
}

// Status is the JSON shape /status returns.
type Status struct {
	State           string `json:"state"`
	ProcessCount    int    `json:"process_count"`
	PendingCount    int    `json:"pending_count"`
}

// NewRouter builds the introspection server's route table.
func NewRouter(pool StatusProvider, collector *metrics.Collector) *mux.Router {
	r := mux.NewRouter()

	if collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		status := Status{
			State:        pool.State().String(),
			ProcessCount: pool.CurrentProcessCount(),
			PendingCount: pool.PendingCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)

	return r
}
