package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// QueueStats reports the depth of the email job queue.
type QueueStats interface {
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Health responds with 200 while the database answers and 503 otherwise.
// Either dependency may be nil.
func Health(db Pinger, jobs QueueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				payload["status"] = "degraded"
				payload["database"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, payload)
				return
			}
		}
		if jobs != nil {
			if stats, err := jobs.GetStats(ctx); err == nil {
				payload["jobs"] = stats
			}
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
