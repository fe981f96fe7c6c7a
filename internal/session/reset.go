package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how long session history and daily totals are kept.
const DefaultRetentionDays = 90

// EpisodeResetter clears the active lock episode at the start of a new day.
type EpisodeResetter interface {
	ResetEpisode() bool
}

// ResetConfig holds reset scheduler configuration
type ResetConfig struct {
	ResetTime     string // HH:MM local time
	RetentionDays int
}

// ResetScheduler manages the daily policy reset and history pruning.
type ResetScheduler struct {
	resetter      EpisodeResetter
	usageStore    storage.UsageStore
	resetTime     policy.ClockTime
	retentionDays int
	cron          *cron.Cron
	now           func() time.Time
	logger        zerolog.Logger
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(resetter EpisodeResetter, usageStore storage.UsageStore, config ResetConfig, logger zerolog.Logger) (*ResetScheduler, error) {
	resetTime, err := policy.ParseClockTime(config.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("invalid daily reset time: %w", err)
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultRetentionDays
	}

	return &ResetScheduler{
		resetter:      resetter,
		usageStore:    usageStore,
		resetTime:     resetTime,
		retentionDays: config.RetentionDays,
		cron:          cron.New(cron.WithLocation(time.Local)),
		now:           time.Now,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
	}, nil
}

// Spec returns the cron expression the scheduler runs on.
func (rs *ResetScheduler) Spec() string {
	return fmt.Sprintf("%d %d * * *", rs.resetTime.Minute, rs.resetTime.Hour)
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() error {
	if _, err := rs.cron.AddFunc(rs.Spec(), func() {
		rs.PerformReset(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule daily reset: %w", err)
	}
	rs.cron.Start()

	rs.logger.Info().
		Str("reset_time", rs.resetTime.String()).
		Int("retention_days", rs.retentionDays).
		Msg("Daily reset scheduler started")
	return nil
}

// Stop stops the reset scheduler and waits for a running reset to finish.
func (rs *ResetScheduler) Stop() {
	<-rs.cron.Stop().Done()
	rs.logger.Info().Msg("Daily reset scheduler stopped")
}

// PerformReset issues the new-day episode reset and prunes old history.
func (rs *ResetScheduler) PerformReset(ctx context.Context) {
	rs.logger.Info().Msg("Performing daily reset")

	if rs.resetter != nil && rs.resetter.ResetEpisode() {
		rs.logger.Info().Msg("Cleared lock episode of active session")
	}

	if rs.usageStore == nil {
		return
	}

	cutoff := rs.now().AddDate(0, 0, -rs.retentionDays)
	cutoffDate := cutoff.Format(storage.DateFormat)

	rowsDeleted, err := rs.usageStore.DeleteDailyUsageBefore(ctx, cutoffDate)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old daily usage data")
		return
	}

	sessionsDeleted, err := rs.usageStore.DeleteEndedSessionsBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old sessions")
		return
	}

	rs.logger.Info().
		Int("rows_deleted", rowsDeleted).
		Int("sessions_deleted", sessionsDeleted).
		Str("cutoff_date", cutoffDate).
		Msg("Daily reset complete, old data cleaned up")
}
