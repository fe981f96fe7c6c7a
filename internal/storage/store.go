package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
}

// UsageStore manages session history and per-day usage totals.
type UsageStore interface {
	UpsertSession(ctx context.Context, session SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListRecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	GetDailyUsage(ctx context.Context, date string, ageGroup string) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, date string) ([]DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, date string, ageGroup string, minutes int64) error
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
	DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
