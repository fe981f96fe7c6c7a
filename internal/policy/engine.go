package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Rules decides which lock reason, if any, applies to a set of facts.
// Implementations report only the candidate reason; episode suppression
// is the Enforcer's job.
type Rules interface {
	Evaluate(ctx context.Context, facts Facts) (LockReason, error)
}

// Subject is the session state the Enforcer reads and flags.
type Subject interface {
	Facts(now time.Time) Facts
	LockEpisodeRaised() bool
	RaiseLockEpisode(reason LockReason)
}

// BuiltinRules evaluates the screen-time and bedtime rules natively.
// Screen time is checked first; only one reason is surfaced.
type BuiltinRules struct{}

// Evaluate implements Rules.
func (BuiltinRules) Evaluate(_ context.Context, facts Facts) (LockReason, error) {
	if facts.LimitMinutes > 0 && facts.ElapsedMinutes >= facts.LimitMinutes {
		return LockScreenTimeExceeded, nil
	}
	if facts.Bedtime.ReachedBy(facts.Now) {
		return LockBedtime, nil
	}
	return LockNone, nil
}

// Enforcer raises a lock signal at most once per violation episode.
type Enforcer struct {
	rules    Rules
	fallback Rules
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewEnforcer creates an Enforcer. A nil rules uses BuiltinRules.
func NewEnforcer(rules Rules, logger zerolog.Logger) *Enforcer {
	if rules == nil {
		rules = BuiltinRules{}
	}
	return &Enforcer{
		rules:    rules,
		fallback: BuiltinRules{},
		timeout:  2 * time.Second,
		logger:   logger.With().Str("component", "enforcer").Logger(),
	}
}

// Decide returns the candidate reason for the facts without touching any
// episode state. Rule evaluation errors fall back to the builtin rules.
func (e *Enforcer) Decide(facts Facts) LockReason {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	reason, err := e.rules.Evaluate(ctx, facts)
	if err != nil {
		e.logger.Error().Err(err).Msg("Rule evaluation failed, falling back to builtin rules")
		reason, _ = e.fallback.Evaluate(ctx, facts)
	}
	return reason
}

// Evaluate checks the subject at now. It returns the reason and true only the
// first time a violation is seen in the subject's episode.
func (e *Enforcer) Evaluate(s Subject, now time.Time) (LockReason, bool) {
	facts := s.Facts(now)
	reason := e.Decide(facts)
	if reason == LockNone {
		return LockNone, false
	}

	if s.LockEpisodeRaised() {
		e.logger.Debug().
			Str("age_group", string(facts.AgeGroup)).
			Str("reason", string(reason)).
			Msg("Lock already raised for this episode, suppressing")
		return LockNone, false
	}

	s.RaiseLockEpisode(reason)

	e.logger.Info().
		Str("age_group", string(facts.AgeGroup)).
		Str("reason", string(reason)).
		Int("elapsed_minutes", facts.ElapsedMinutes).
		Int("limit_minutes", facts.LimitMinutes).
		Str("bedtime", facts.Bedtime.String()).
		Msg("Lock required")

	return reason, true
}
