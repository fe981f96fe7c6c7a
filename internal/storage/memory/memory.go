// Package memory is a bounded in-process history store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of sessions kept when none is configured.
const DefaultCapacity = 1000

// Store keeps the most recent sessions in an LRU cache. Daily totals are
// few and kept in full until pruned.
type Store struct {
	mu       sync.Mutex
	sessions *lru.Cache[string, storage.SessionRecord]
	daily    map[string]storage.DailyUsage
}

// Open creates a memory store holding up to capacity sessions.
func Open(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, storage.SessionRecord](capacity)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Store{
		sessions: cache,
		daily:    make(map[string]storage.DailyUsage),
	}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}

// Usage implements storage.Store.
func (s *Store) Usage() storage.UsageStore {
	return s
}

func dailyKey(date, ageGroup string) string {
	return date + "|" + ageGroup
}

func (s *Store) UpsertSession(_ context.Context, session storage.SessionRecord) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.sessions.Add(session.ID, session)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*storage.SessionRecord, error) {
	session, ok := s.sessions.Peek(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &session, nil
}

func (s *Store) ListRecentSessions(_ context.Context, limit int) ([]storage.SessionRecord, error) {
	sessions := s.sessions.Values()
	return storage.SortRecent(sessions, limit), nil
}

func (s *Store) GetDailyUsage(_ context.Context, date string, ageGroup string) (*storage.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.daily[dailyKey(date, ageGroup)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &usage, nil
}

func (s *Store) ListDailyUsage(_ context.Context, date string) ([]storage.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var usage []storage.DailyUsage
	for _, u := range s.daily {
		if u.Date == date {
			usage = append(usage, u)
		}
	}
	return usage, nil
}

func (s *Store) IncrementDailyUsage(_ context.Context, date string, ageGroup string, minutes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dailyKey(date, ageGroup)
	usage := s.daily[key]
	usage.Date = date
	usage.AgeGroup = ageGroup
	usage.TotalMinutes += minutes
	usage.Sessions++
	s.daily[key] = usage
	return nil
}

func (s *Store) DeleteDailyUsageBefore(_ context.Context, cutoffDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, u := range s.daily {
		if u.Date < cutoffDate {
			delete(s.daily, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) DeleteEndedSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for _, id := range s.sessions.Keys() {
		session, ok := s.sessions.Peek(id)
		if !ok || !session.Ended() || !session.StartedAt.Before(cutoff) {
			continue
		}
		if s.sessions.Remove(id) {
			deleted++
		}
	}
	return deleted, nil
}
