package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSessionRecord converts a Redis hash to SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastObserved, err := time.Parse(time.RFC3339Nano, data["last_observed_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_observed_at: %w", err)
	}

	var endedAt *time.Time
	if raw := data["ended_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		endedAt = &t
	}

	elapsed, err := strconv.Atoi(data["elapsed_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse elapsed_minutes: %w", err)
	}

	limit, err := strconv.Atoi(data["limit_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse limit_minutes: %w", err)
	}

	return &storage.SessionRecord{
		ID:             data["id"],
		AgeGroup:       data["age_group"],
		StartedAt:      startedAt,
		LastObservedAt: lastObserved,
		EndedAt:        endedAt,
		ElapsedMinutes: elapsed,
		LimitMinutes:   limit,
		Bedtime:        data["bedtime"],
		State:          data["state"],
		EndReason:      data["end_reason"],
		LockReason:     data["lock_reason"],
	}, nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalMinutes, err := strconv.ParseInt(data["total_minutes"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_minutes: %w", err)
	}

	sessions, err := strconv.ParseInt(data["sessions"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sessions: %w", err)
	}

	return &storage.DailyUsage{
		Date:         data["date"],
		AgeGroup:     data["age_group"],
		TotalMinutes: totalMinutes,
		Sessions:     sessions,
	}, nil
}
