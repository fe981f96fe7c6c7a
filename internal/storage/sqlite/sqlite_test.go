package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "nested", "kguard.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kguard.db")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := first.Usage().IncrementDailyUsage(context.Background(), "2024-06-03", "4to6", 10); err != nil {
		t.Fatalf("IncrementDailyUsage() error = %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer func() { _ = second.Close() }()

	usage, err := second.Usage().GetDailyUsage(context.Background(), "2024-06-03", "4to6")
	if err != nil {
		t.Fatalf("GetDailyUsage() error = %v", err)
	}
	if usage.TotalMinutes != 10 {
		t.Errorf("TotalMinutes = %d, want 10", usage.TotalMinutes)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	us := store.Usage()

	started := time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)
	record := storage.SessionRecord{
		ID:             "s1",
		AgeGroup:       "7to9",
		StartedAt:      started,
		LastObservedAt: started,
		LimitMinutes:   90,
		Bedtime:        "21:00",
		State:          "active",
	}
	if err := us.UpsertSession(ctx, record); err != nil {
		t.Fatalf("UpsertSession() error = %v", err)
	}

	ended := started.Add(30 * time.Minute)
	record.EndedAt = &ended
	record.ElapsedMinutes = 30
	record.State = "ended"
	record.EndReason = "stopped"
	if err := us.UpsertSession(ctx, record); err != nil {
		t.Fatalf("UpsertSession() error = %v", err)
	}

	got, err := us.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ElapsedMinutes != 30 || got.EndReason != "stopped" || !got.StartedAt.Equal(started) {
		t.Errorf("got %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, ended)
	}

	if _, err := us.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRecentSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	us := store.Usage()

	base := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		started := base.Add(time.Duration(i) * time.Hour)
		if err := us.UpsertSession(ctx, storage.SessionRecord{ID: id, AgeGroup: "4to6", StartedAt: started, LastObservedAt: started, State: "active"}); err != nil {
			t.Fatalf("UpsertSession(%s) error = %v", id, err)
		}
	}

	sessions, err := us.ListRecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentSessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Errorf("sessions = %+v, want [c b]", sessions)
	}

	all, err := us.ListRecentSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecentSessions() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
}

func TestDailyUsage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	us := store.Usage()

	_ = us.IncrementDailyUsage(ctx, "2024-06-02", "4to6", 15)
	_ = us.IncrementDailyUsage(ctx, "2024-06-03", "4to6", 20)
	_ = us.IncrementDailyUsage(ctx, "2024-06-03", "4to6", 25)
	_ = us.IncrementDailyUsage(ctx, "2024-06-03", "7to9", 5)

	usage, err := us.GetDailyUsage(ctx, "2024-06-03", "4to6")
	if err != nil {
		t.Fatalf("GetDailyUsage() error = %v", err)
	}
	if usage.TotalMinutes != 45 || usage.Sessions != 2 {
		t.Errorf("usage = %+v, want 45 minutes over 2 sessions", usage)
	}

	list, err := us.ListDailyUsage(ctx, "2024-06-03")
	if err != nil {
		t.Fatalf("ListDailyUsage() error = %v", err)
	}
	if len(list) != 2 || list[0].AgeGroup != "4to6" || list[1].AgeGroup != "7to9" {
		t.Errorf("list = %+v", list)
	}

	if err := us.IncrementDailyUsage(ctx, "yesterday", "4to6", 1); err == nil {
		t.Error("expected error for malformed date")
	}

	deleted, err := us.DeleteDailyUsageBefore(ctx, "2024-06-03")
	if err != nil {
		t.Fatalf("DeleteDailyUsageBefore() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestDeleteEndedSessionsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	us := store.Usage()

	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-24 * time.Hour)
	end := old.Add(time.Hour)

	for _, r := range []storage.SessionRecord{
		{ID: "old-ended", AgeGroup: "4to6", StartedAt: old, LastObservedAt: old, EndedAt: &end, State: "ended"},
		{ID: "old-active", AgeGroup: "4to6", StartedAt: old, LastObservedAt: old, State: "active"},
		{ID: "new-ended", AgeGroup: "4to6", StartedAt: cutoff, LastObservedAt: cutoff, EndedAt: &end, State: "ended"},
	} {
		if err := us.UpsertSession(ctx, r); err != nil {
			t.Fatalf("UpsertSession(%s) error = %v", r.ID, err)
		}
	}

	deleted, err := us.DeleteEndedSessionsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteEndedSessionsBefore() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := us.GetSession(ctx, "old-active"); err != nil {
		t.Errorf("old-active should survive: %v", err)
	}
}
