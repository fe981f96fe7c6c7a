// Package notify delivers session updates and lock signals to the outside.
package notify

import (
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/session"
	"github.com/rs/zerolog"
)

// LogNotifier writes session transitions and lock signals to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed observer and lock handler.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger.With().Str("component", "notify-log").Logger(),
	}
}

// OnSessionUpdate implements monitor.Observer.
func (n *LogNotifier) OnSessionUpdate(snap *session.Snapshot) {
	if snap == nil {
		n.logger.Debug().Msg("No active session")
		return
	}
	n.logger.Debug().
		Str("session_id", snap.ID).
		Str("age_group", string(snap.AgeGroup)).
		Int("elapsed_minutes", snap.ElapsedMinutes).
		Int("remaining_minutes", snap.RemainingMinutes).
		Bool("lock_raised", snap.LockEpisodeRaised).
		Msg("Session update")
}

// OnLockRequired implements monitor.LockHandler.
func (n *LogNotifier) OnLockRequired(reason policy.LockReason) {
	n.logger.Warn().Str("reason", string(reason)).Msg("Device lock required")
}
