package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 15 * time.Second

// ServeHTTP implements the SSE subscriber lifecycle from spec.md §4.6: set
// streaming headers, write the connected frame, register, keep-alive
// every 15s, and clean up on socket close.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request, slug, connStr, tableFilter string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := b.Subscribe(slug, connStr, tableFilter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer b.Unsubscribe(slug, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(map[string]string{"type": "connected", "clientId": sub.ID})
	fmt.Fprintf(w, "data: %s\n\n", connected)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case payload, ok := <-sub.Out():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
