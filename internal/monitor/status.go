package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

const defaultStatusSessions = 10

// Status is the read-only dashboard view served at /status.
type Status struct {
	Engine         Stats                   `json:"engine"`
	Date           string                  `json:"date"`
	Usage          []storage.DailyUsage    `json:"usage"`
	RecentSessions []storage.SessionRecord `json:"recent_sessions"`
}

// StatusHandler serves the engine state plus today's usage and recent
// history. A nil usage store serves the engine state only.
func StatusHandler(e *Engine, usage storage.UsageStore, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("handler", "status").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := defaultStatusSessions
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		status := Status{
			Engine:         e.Stats(),
			Date:           e.clock.Now().Format(storage.DateFormat),
			Usage:          []storage.DailyUsage{},
			RecentSessions: []storage.SessionRecord{},
		}

		if usage != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			daily, err := usage.ListDailyUsage(ctx, status.Date)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to list daily usage")
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
			if daily != nil {
				status.Usage = daily
			}

			if limit > 0 {
				recent, err := usage.ListRecentSessions(ctx, limit)
				if err != nil {
					logger.Error().Err(err).Msg("Failed to list recent sessions")
					http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
					return
				}
				if recent != nil {
					status.RecentSessions = recent
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn().Err(err).Msg("Failed to write status response")
		}
	})
}
