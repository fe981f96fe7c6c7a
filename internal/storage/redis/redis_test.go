package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("expected error for invalid dial_timeout")
	}
}

func TestUsageStore_UpsertSession(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	started := time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)
	session := storage.SessionRecord{
		ID:             "session-1",
		AgeGroup:       "7to9",
		StartedAt:      started,
		LastObservedAt: started.Add(10 * time.Minute),
		ElapsedMinutes: 10,
		LimitMinutes:   90,
		Bedtime:        "21:00",
		State:          "active",
	}

	if err := usageStore.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	retrieved, err := usageStore.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if retrieved.AgeGroup != "7to9" || retrieved.ElapsedMinutes != 10 || retrieved.LimitMinutes != 90 {
		t.Errorf("retrieved = %+v", retrieved)
	}
	if !retrieved.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", retrieved.StartedAt, started)
	}
	if retrieved.Ended() {
		t.Error("active session should not be ended")
	}
	if ttl := mr.TTL(sessionKey(session.ID)); ttl != 0 {
		t.Errorf("active session TTL = %v, want none", ttl)
	}

	// End the session
	ended := started.Add(40 * time.Minute)
	session.EndedAt = &ended
	session.ElapsedMinutes = 40
	session.State = "ended"
	session.EndReason = "silence_timeout"
	session.LockReason = "screen_time_exceeded"

	if err := usageStore.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession (end) failed: %v", err)
	}

	retrieved, err = usageStore.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !retrieved.Ended() || !retrieved.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", retrieved.EndedAt, ended)
	}
	if retrieved.EndReason != "silence_timeout" || retrieved.LockReason != "screen_time_exceeded" {
		t.Errorf("retrieved = %+v", retrieved)
	}
	if ttl := mr.TTL(sessionKey(session.ID)); ttl <= 0 {
		t.Errorf("ended session TTL = %v, want positive", ttl)
	}
}

func TestUsageStore_UpsertSessionRequiresID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.Usage().UpsertSession(context.Background(), storage.SessionRecord{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestUsageStore_GetSessionNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Usage().GetSession(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUsageStore_ListRecentSessions(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	base := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		started := base.Add(time.Duration(i) * time.Hour)
		if err := usageStore.UpsertSession(ctx, storage.SessionRecord{
			ID:             id,
			AgeGroup:       "4to6",
			StartedAt:      started,
			LastObservedAt: started,
			State:          "active",
		}); err != nil {
			t.Fatalf("UpsertSession(%s) failed: %v", id, err)
		}
	}

	sessions, err := usageStore.ListRecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("sessions = %+v, want [c b]", sessions)
	}

	// An expired record drops out of the index
	mr.Del(sessionKey("c"))

	sessions, err = usageStore.ListRecentSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecentSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "b" || sessions[1].ID != "a" {
		t.Fatalf("sessions = %+v, want [b a]", sessions)
	}
	if members, _ := mr.ZMembers(recentIndexKey); len(members) != 2 {
		t.Errorf("index members = %v, want 2", members)
	}
}

func TestUsageStore_IncrementDailyUsage(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	date := "2024-01-15"

	if err := usageStore.IncrementDailyUsage(ctx, date, "7to9", 45); err != nil {
		t.Fatalf("IncrementDailyUsage failed: %v", err)
	}
	if err := usageStore.IncrementDailyUsage(ctx, date, "7to9", 30); err != nil {
		t.Fatalf("Second IncrementDailyUsage failed: %v", err)
	}

	usage, err := usageStore.GetDailyUsage(ctx, date, "7to9")
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if usage.TotalMinutes != 75 || usage.Sessions != 2 {
		t.Errorf("usage = %+v, want 75 minutes over 2 sessions", usage)
	}

	if err := usageStore.IncrementDailyUsage(ctx, "15/01/2024", "7to9", 1); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestUsageStore_ListDailyUsage(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	date := "2024-01-15"
	_ = usageStore.IncrementDailyUsage(ctx, date, "4to6", 60)
	_ = usageStore.IncrementDailyUsage(ctx, date, "7to9", 20)
	_ = usageStore.IncrementDailyUsage(ctx, "2024-01-16", "7to9", 10)

	usages, err := usageStore.ListDailyUsage(ctx, date)
	if err != nil {
		t.Fatalf("ListDailyUsage failed: %v", err)
	}
	if len(usages) != 2 {
		t.Fatalf("Expected 2 usage entries, got %d", len(usages))
	}

	empty, err := usageStore.ListDailyUsage(ctx, "2023-12-31")
	if err != nil {
		t.Fatalf("ListDailyUsage failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no usage, got %+v", empty)
	}
}

func TestUsageStore_DeleteDailyUsageBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	_ = usageStore.IncrementDailyUsage(ctx, "2024-01-13", "4to6", 10)
	_ = usageStore.IncrementDailyUsage(ctx, "2024-01-14", "4to6", 10)
	_ = usageStore.IncrementDailyUsage(ctx, "2024-01-14", "7to9", 10)
	_ = usageStore.IncrementDailyUsage(ctx, "2024-01-15", "7to9", 10)

	deleted, err := usageStore.DeleteDailyUsageBefore(ctx, "2024-01-15")
	if err != nil {
		t.Fatalf("DeleteDailyUsageBefore failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	if _, err := usageStore.GetDailyUsage(ctx, "2024-01-14", "7to9"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("2024-01-14 should be gone, err = %v", err)
	}
	if _, err := usageStore.GetDailyUsage(ctx, "2024-01-15", "7to9"); err != nil {
		t.Errorf("cutoff day should survive, err = %v", err)
	}
}

func TestUsageStore_DeleteEndedSessionsBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	usageStore := store.Usage()

	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-48 * time.Hour)
	oldEnd := old.Add(time.Hour)

	records := []storage.SessionRecord{
		{ID: "old-ended", AgeGroup: "4to6", StartedAt: old, LastObservedAt: old, EndedAt: &oldEnd, State: "ended"},
		{ID: "old-active", AgeGroup: "4to6", StartedAt: old, LastObservedAt: old, State: "active"},
		{ID: "new-ended", AgeGroup: "4to6", StartedAt: cutoff.Add(time.Hour), LastObservedAt: cutoff, EndedAt: &oldEnd, State: "ended"},
	}
	for _, r := range records {
		if err := usageStore.UpsertSession(ctx, r); err != nil {
			t.Fatalf("UpsertSession(%s) failed: %v", r.ID, err)
		}
	}

	deleted, err := usageStore.DeleteEndedSessionsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteEndedSessionsBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := usageStore.GetSession(ctx, "old-ended"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old-ended should be gone, err = %v", err)
	}
	for _, id := range []string{"old-active", "new-ended"} {
		if _, err := usageStore.GetSession(ctx, id); err != nil {
			t.Errorf("%s should survive, err = %v", id, err)
		}
	}
}
