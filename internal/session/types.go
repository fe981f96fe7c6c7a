package session

import (
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
)

// State is a session lifecycle state.
type State string

// A session is Ending only while Manager finalizes it; observers see
// Active or Ended.
const (
	StateActive State = "active"
	StateEnding State = "ending"
	StateEnded  State = "ended"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndSilence    EndReason = "silence_timeout"
	EndSuperseded EndReason = "superseded"
	EndStopped    EndReason = "stopped"
)

// Session is the continuous tracked presence of one age group.
type Session struct {
	ID             string
	AgeGroup       policy.AgeGroup
	StartedAt      time.Time
	LastObservedAt time.Time
	ElapsedMinutes int
	LimitMinutes   int
	Bedtime        policy.ClockTime
	Confidence     float64
	LockRaised     bool
	LastLockReason policy.LockReason
	State          State
	EndedAt        time.Time
	EndReason      EndReason
}

// elapsedAt is floor((now - StartedAt) / 1m), never below the last value.
func (s *Session) elapsedAt(now time.Time) int {
	elapsed := int(now.Sub(s.StartedAt) / time.Minute)
	if elapsed < s.ElapsedMinutes {
		return s.ElapsedMinutes
	}
	return elapsed
}

// Facts implements policy.Subject.
func (s *Session) Facts(now time.Time) policy.Facts {
	return policy.Facts{
		AgeGroup:       s.AgeGroup,
		LimitMinutes:   s.LimitMinutes,
		ElapsedMinutes: s.elapsedAt(now),
		Bedtime:        s.Bedtime,
		Now:            now,
	}
}

// LockEpisodeRaised implements policy.Subject.
func (s *Session) LockEpisodeRaised() bool {
	return s.LockRaised
}

// RaiseLockEpisode implements policy.Subject.
func (s *Session) RaiseLockEpisode(reason policy.LockReason) {
	s.LockRaised = true
	s.LastLockReason = reason
}

// Snapshot is an immutable copy of a session for observers.
type Snapshot struct {
	ID                string            `json:"id"`
	AgeGroup          policy.AgeGroup   `json:"age_group"`
	StartedAt         time.Time         `json:"started_at"`
	LastObservedAt    time.Time         `json:"last_observed_at"`
	ElapsedMinutes    int               `json:"elapsed_minutes"`
	LimitMinutes      int               `json:"limit_minutes"`
	RemainingMinutes  int               `json:"remaining_minutes"`
	Bedtime           policy.ClockTime  `json:"bedtime"`
	Confidence        float64           `json:"confidence"`
	LockEpisodeRaised bool              `json:"lock_episode_raised"`
	LastLockReason    policy.LockReason `json:"last_lock_reason,omitempty"`
	State             State             `json:"state"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	EndReason         EndReason         `json:"end_reason,omitempty"`
}

func (s *Session) snapshot() *Snapshot {
	snap := &Snapshot{
		ID:                s.ID,
		AgeGroup:          s.AgeGroup,
		StartedAt:         s.StartedAt,
		LastObservedAt:    s.LastObservedAt,
		ElapsedMinutes:    s.ElapsedMinutes,
		LimitMinutes:      s.LimitMinutes,
		Bedtime:           s.Bedtime,
		Confidence:        s.Confidence,
		LockEpisodeRaised: s.LockRaised,
		LastLockReason:    s.LastLockReason,
		State:             s.State,
		EndReason:         s.EndReason,
	}
	if s.LimitMinutes > 0 && s.ElapsedMinutes < s.LimitMinutes {
		snap.RemainingMinutes = s.LimitMinutes - s.ElapsedMinutes
	}
	if !s.EndedAt.IsZero() {
		endedAt := s.EndedAt
		snap.EndedAt = &endedAt
	}
	return snap
}

// Record converts the snapshot to its storage form.
func (s *Snapshot) Record() storage.SessionRecord {
	return storage.SessionRecord{
		ID:             s.ID,
		AgeGroup:       string(s.AgeGroup),
		StartedAt:      s.StartedAt,
		LastObservedAt: s.LastObservedAt,
		EndedAt:        s.EndedAt,
		ElapsedMinutes: s.ElapsedMinutes,
		LimitMinutes:   s.LimitMinutes,
		Bedtime:        s.Bedtime.String(),
		State:          string(s.State),
		EndReason:      string(s.EndReason),
		LockReason:     string(s.LastLockReason),
	}
}

// Update describes the result of one Manager call. Ended is set when a
// session finished during the call; Current is the active session afterwards.
type Update struct {
	Ended   *Snapshot
	Current *Snapshot
}
