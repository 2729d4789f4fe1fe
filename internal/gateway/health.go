package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// registerHealthRoutes wires the ambient liveness/detail probes, grounded
// on the teacher's core/backend/jobs.go /kurbisio/health routes.
func (g *Gateway) registerHealthRoutes(r *mux.Router) {
	r.HandleFunc("/api/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/health/details", g.handleHealthDetails).Methods(http.MethodGet)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write([]byte(`{"status":"ok"}`))
}

// healthDetail is the admin-only diagnostic payload: per-queue depth and
// pool-registry size. It carries no realtime subscriber counts.
type healthDetail struct {
	Status       string                `json:"status"`
	Queues       map[string]queueStats `json:"queues,omitempty"`
	PoolRegistry int                   `json:"pool_registry_size"`
}

type queueStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (g *Gateway) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	detail := healthDetail{Status: "ok", PoolRegistry: g.pools.Size()}
	if stats, err := g.jobsEngine.Stats(r.Context()); err == nil {
		detail.Queues = make(map[string]queueStats, len(stats))
		for q, s := range stats {
			detail.Queues[string(q)] = queueStats{Ready: s.Ready, Delayed: s.Delayed, Failed: s.Failed}
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(detail)
}
