package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "kguard:"
	recentIndexKey = keyPrefix + "sessions:recent"
	dailyPrefix    = keyPrefix + "usage:daily:"
	dailyDatesKey  = dailyPrefix + "dates"
	pruneBatchSize = 100
)

var (
	upsertSession          = redis.NewScript(upsertSessionScript)
	incrementDailyUsage    = redis.NewScript(incrementDailyUsageScript)
	deleteDailyUsageBefore = redis.NewScript(deleteDailyUsageBeforeScript)
)

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func dailyKey(date, ageGroup string) string {
	return dailyPrefix + date + ":" + ageGroup
}

func dailyIndexKey(date string) string {
	return dailyPrefix + "index:" + date
}

type usageStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newUsageStore(client *redis.Client, ttl time.Duration) *usageStore {
	return &usageStore{client: client, ttl: ttl}
}

// UpsertSession creates or updates a session record
func (s *usageStore) UpsertSession(ctx context.Context, session storage.SessionRecord) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}

	endedAt := ""
	if session.EndedAt != nil {
		endedAt = formatTime(*session.EndedAt)
	}

	keys := []string{sessionKey(session.ID), recentIndexKey}
	args := []interface{}{
		session.ID,
		session.AgeGroup,
		formatTime(session.StartedAt),
		formatTime(session.LastObservedAt),
		endedAt,
		session.ElapsedMinutes,
		session.LimitMinutes,
		session.Bedtime,
		session.State,
		session.EndReason,
		session.LockReason,
		session.StartedAt.UnixMilli(),
		int64(s.ttl / time.Second),
	}

	return upsertSession.Run(ctx, s.client, keys, args...).Err()
}

// GetSession retrieves a session by ID
func (s *usageStore) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSessionRecord(data)
}

// ListRecentSessions returns sessions newest first. Index entries whose
// record has expired are dropped from the index.
func (s *usageStore) ListRecentSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, recentIndexKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	records, stale, err := s.fetchSessions(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, recentIndexKey, stale...)
	}

	return storage.SortRecent(records, limit), nil
}

// fetchSessions loads records by ID and reports IDs that no longer exist.
func (s *usageStore) fetchSessions(ctx context.Context, ids []string) ([]storage.SessionRecord, []interface{}, error) {
	if len(ids) == 0 {
		return []storage.SessionRecord{}, nil, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, err
	}

	records := make([]storage.SessionRecord, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			stale = append(stale, ids[i])
			continue
		}

		record, err := parseSessionRecord(data)
		if err == nil {
			records = append(records, *record)
		}
	}

	return records, stale, nil
}

// GetDailyUsage retrieves the total for a date and age group
func (s *usageStore) GetDailyUsage(ctx context.Context, date string, ageGroup string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyKey(date, ageGroup)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseDailyUsage(data)
}

// ListDailyUsage returns all daily usage entries for a specific date
func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	groups, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
	if err != nil {
		return nil, err
	}

	if len(groups) == 0 {
		return []storage.DailyUsage{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(groups))
	for i, group := range groups {
		cmds[i] = pipe.HGetAll(ctx, dailyKey(date, group))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	usages := make([]storage.DailyUsage, 0, len(groups))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		usage, err := parseDailyUsage(data)
		if err == nil {
			usages = append(usages, *usage)
		}
	}

	return usages, nil
}

// IncrementDailyUsage atomically adds one finished session to a day's total
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, ageGroup string, minutes int64) error {
	if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return fmt.Errorf("invalid usage date %q: %w", date, err)
	}

	keys := []string{dailyKey(date, ageGroup), dailyIndexKey(date), dailyDatesKey}
	args := []interface{}{date, ageGroup, minutes, int64(s.ttl / time.Second)}

	return incrementDailyUsage.Run(ctx, s.client, keys, args...).Err()
}

// DeleteDailyUsageBefore deletes daily usage entries before the specified date
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted, err := deleteDailyUsageBefore.Run(ctx, s.client, []string{dailyDatesKey}, dailyPrefix, cutoffDate).Int()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteEndedSessionsBefore deletes ended sessions that started before cutoff
func (s *usageStore) DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, recentIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	var deletedCount int
	for start := 0; start < len(ids); start += pruneBatchSize {
		end := start + pruneBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		records, stale, err := s.fetchSessions(ctx, ids[start:end])
		if err != nil {
			return deletedCount, err
		}

		toDelete := make([]string, 0, len(records))
		members := stale
		for _, record := range records {
			if !record.Ended() {
				continue
			}
			toDelete = append(toDelete, sessionKey(record.ID))
			members = append(members, record.ID)
		}

		if len(toDelete) > 0 {
			deleted, err := s.client.Del(ctx, toDelete...).Result()
			if err != nil {
				return deletedCount, err
			}
			deletedCount += int(deleted)
		}
		if len(members) > 0 {
			if err := s.client.ZRem(ctx, recentIndexKey, members...).Err(); err != nil {
				return deletedCount, err
			}
		}
	}

	return deletedCount, nil
}
