// Package session tracks the single active child session and its history.
package session

import (
	"time"

	"github.com/goodtune/kguard/internal/classifier"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSilenceTimeout is how long a session survives without an accepted
// classification.
const DefaultSilenceTimeout = 5 * time.Minute

// Config holds manager configuration
type Config struct {
	SilenceTimeout time.Duration
}

// Manager owns the single active session. It is not safe for concurrent use;
// callers serialize every call behind one lock.
type Manager struct {
	table          policy.Table
	silenceTimeout time.Duration
	active         *Session
	newID          func() string
	logger         zerolog.Logger
}

// NewManager creates a session manager
func NewManager(table policy.Table, config Config, logger zerolog.Logger) *Manager {
	if config.SilenceTimeout <= 0 {
		config.SilenceTimeout = DefaultSilenceTimeout
	}

	return &Manager{
		table:          table,
		silenceTimeout: config.SilenceTimeout,
		newID:          uuid.NewString,
		logger:         logger.With().Str("component", "session-manager").Logger(),
	}
}

// Active returns a snapshot of the active session, or nil.
func (m *Manager) Active() *Snapshot {
	if m.active == nil {
		return nil
	}
	return m.active.snapshot()
}

// Subject returns the active session for policy evaluation.
func (m *Manager) Subject() (policy.Subject, bool) {
	if m.active == nil {
		return nil, false
	}
	return m.active, true
}

// OnClassification applies one accepted event. It either starts a session,
// supersedes the active one with a new age group, or extends it.
func (m *Manager) OnClassification(ev classifier.Event) Update {
	var update Update

	if m.active != nil && m.active.AgeGroup != ev.AgeGroup {
		m.logger.Info().
			Str("session_id", m.active.ID).
			Str("from", string(m.active.AgeGroup)).
			Str("to", string(ev.AgeGroup)).
			Msg("Age group changed, superseding session")
		update.Ended = m.end(ev.ObservedAt, EndSuperseded)
	}

	if m.active == nil {
		if !m.start(ev) {
			return update
		}
		update.Current = m.active.snapshot()
		return update
	}

	// Continue existing session
	if ev.ObservedAt.After(m.active.LastObservedAt) {
		m.active.LastObservedAt = ev.ObservedAt
	}
	m.active.Confidence = ev.Confidence

	m.logger.Debug().
		Str("session_id", m.active.ID).
		Str("age_group", string(m.active.AgeGroup)).
		Time("last_observed_at", m.active.LastObservedAt).
		Msg("Classification extends session")

	update.Current = m.active.snapshot()
	return update
}

// OnTick recomputes elapsed time and ends the session after the silence timeout.
func (m *Manager) OnTick(now time.Time) Update {
	if m.active == nil {
		return Update{}
	}

	m.active.ElapsedMinutes = m.active.elapsedAt(now)

	if silence := now.Sub(m.active.LastObservedAt); silence > m.silenceTimeout {
		m.logger.Info().
			Str("session_id", m.active.ID).
			Dur("silence", silence).
			Msg("Subject no longer observed, ending session")
		return Update{Ended: m.end(now, EndSilence)}
	}

	metrics.ActiveSessionElapsed.Set(float64(m.active.ElapsedMinutes))
	return Update{Current: m.active.snapshot()}
}

// End finishes the active session, if any.
func (m *Manager) End(now time.Time, reason EndReason) *Snapshot {
	if m.active == nil {
		return nil
	}
	return m.end(now, reason)
}

// ResetLockEpisode clears the active session's lock episode so the next
// violation is signalled again. It reports whether an episode was cleared.
func (m *Manager) ResetLockEpisode() bool {
	if m.active == nil || !m.active.LockRaised {
		return false
	}

	m.active.LockRaised = false
	m.logger.Info().
		Str("session_id", m.active.ID).
		Str("previous_reason", string(m.active.LastLockReason)).
		Msg("Lock episode reset")
	return true
}

func (m *Manager) start(ev classifier.Event) bool {
	p, ok := m.table.Lookup(ev.AgeGroup)
	if !ok {
		m.logger.Warn().Str("age_group", string(ev.AgeGroup)).Msg("No policy for age group, ignoring classification")
		return false
	}

	m.active = &Session{
		ID:             m.newID(),
		AgeGroup:       ev.AgeGroup,
		StartedAt:      ev.ObservedAt,
		LastObservedAt: ev.ObservedAt,
		LimitMinutes:   p.ScreenTimeLimitMinutes,
		Bedtime:        p.Bedtime,
		Confidence:     ev.Confidence,
		State:          StateActive,
	}

	metrics.SessionsStarted.WithLabelValues(string(ev.AgeGroup)).Inc()
	metrics.ActiveSessionElapsed.Set(0)

	m.logger.Info().
		Str("session_id", m.active.ID).
		Str("age_group", string(ev.AgeGroup)).
		Int("limit_minutes", p.ScreenTimeLimitMinutes).
		Str("bedtime", p.Bedtime.String()).
		Msg("Started new session")

	return true
}

// end finalizes the active session and drops it.
func (m *Manager) end(now time.Time, reason EndReason) *Snapshot {
	s := m.active
	s.State = StateEnding
	m.active = nil

	s.ElapsedMinutes = s.elapsedAt(now)
	s.EndedAt = now
	s.EndReason = reason
	s.State = StateEnded

	metrics.SessionsEnded.WithLabelValues(string(s.AgeGroup), string(reason)).Inc()
	metrics.ActiveSessionElapsed.Set(0)

	m.logger.Info().
		Str("session_id", s.ID).
		Str("age_group", string(s.AgeGroup)).
		Str("reason", string(reason)).
		Int("elapsed_minutes", s.ElapsedMinutes).
		Msg("Session ended")

	return s.snapshot()
}
