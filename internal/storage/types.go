package storage

import (
	"sort"
	"time"
)

// DateFormat is the layout of daily usage keys.
const DateFormat = "2006-01-02"

// SessionRecord is the persisted form of a session snapshot.
type SessionRecord struct {
	ID             string     `json:"id"`
	AgeGroup       string     `json:"age_group"`
	StartedAt      time.Time  `json:"started_at"`
	LastObservedAt time.Time  `json:"last_observed_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ElapsedMinutes int        `json:"elapsed_minutes"`
	LimitMinutes   int        `json:"limit_minutes"`
	Bedtime        string     `json:"bedtime"`
	State          string     `json:"state"`
	EndReason      string     `json:"end_reason,omitempty"`
	LockReason     string     `json:"lock_reason,omitempty"`
}

// Ended reports whether the session is finished.
func (r SessionRecord) Ended() bool {
	return r.EndedAt != nil
}

// DailyUsage aggregates usage per day and age group.
type DailyUsage struct {
	Date         string `json:"date"`
	AgeGroup     string `json:"age_group"`
	TotalMinutes int64  `json:"total_minutes"`
	Sessions     int64  `json:"sessions"`
}

// SortRecent orders sessions newest first and truncates to limit (0 = no limit).
func SortRecent(sessions []SessionRecord, limit int) []SessionRecord {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}
