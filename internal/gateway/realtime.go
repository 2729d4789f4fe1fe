package gateway

import "net/http"

// handleRealtime wires one SSE connection to the Realtime Bridge for the
// tenant resolved by the pipeline, honouring an optional ?table= filter.
func (g *Gateway) handleRealtime(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	connStr := g.cfg.DirectDSN(s.project.DBName)
	tableFilter := r.URL.Query().Get("table")
	g.realtime.ServeHTTP(w, r, s.slug, connStr, tableFilter)
}
