package handlers

import (
	"context"
	"net/http"
	"time"
)

type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Health reports liveness plus the index document count.
func Health(index Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		n, err := index.Count(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "documents": n})
	}
}
