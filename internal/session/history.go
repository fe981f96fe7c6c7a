package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

// Recorder persists session snapshots and aggregates ended sessions into
// daily usage totals.
type Recorder struct {
	usageStore storage.UsageStore
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewRecorder creates a Recorder. A nil store disables recording.
func NewRecorder(usageStore storage.UsageStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		usageStore: usageStore,
		timeout:    2 * time.Second,
		logger:     logger.With().Str("component", "session-history").Logger(),
	}
}

// Record stores every snapshot in the update. Failures are logged, never
// returned, so a broken store cannot stall the monitoring loop.
func (r *Recorder) Record(update Update) {
	if r == nil || r.usageStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if update.Ended != nil {
		if err := r.finalize(ctx, update.Ended); err != nil {
			metrics.StorageErrors.WithLabelValues("finalize").Inc()
			r.logger.Error().Err(err).Str("session_id", update.Ended.ID).Msg("Failed to finalize session")
		}
	}

	if update.Current != nil {
		if err := r.usageStore.UpsertSession(ctx, update.Current.Record()); err != nil {
			metrics.StorageErrors.WithLabelValues("upsert").Inc()
			r.logger.Error().Err(err).Str("session_id", update.Current.ID).Msg("Failed to save session")
		}
	}
}

func (r *Recorder) finalize(ctx context.Context, snap *Snapshot) error {
	if err := r.usageStore.UpsertSession(ctx, snap.Record()); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	// Usage counts against the day the session started on.
	date := snap.StartedAt.Format(storage.DateFormat)
	minutes := int64(snap.ElapsedMinutes)

	if err := r.usageStore.IncrementDailyUsage(ctx, date, string(snap.AgeGroup), minutes); err != nil {
		return fmt.Errorf("failed to aggregate daily usage: %w", err)
	}

	metrics.UsageMinutesConsumed.WithLabelValues(string(snap.AgeGroup)).Add(float64(minutes))

	r.logger.Debug().
		Str("date", date).
		Str("age_group", string(snap.AgeGroup)).
		Int64("minutes", minutes).
		Msg("Aggregated session to daily usage")

	return nil
}
