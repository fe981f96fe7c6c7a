package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestUpsertSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	started := time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		id      string
		endedAt string
		wantTTL bool
	}{
		{name: "active session", id: "session-1", endedAt: "", wantTTL: false},
		{name: "ended session", id: "session-2", endedAt: started.Add(time.Hour).Format(time.RFC3339Nano), wantTTL: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := sessionKey(tt.id)

			err := client.Eval(ctx, upsertSessionScript, []string{key, recentIndexKey},
				tt.id, "7to9", started.Format(time.RFC3339Nano), started.Format(time.RFC3339Nano),
				tt.endedAt, 12, 90, "21:00", "active", "", "", started.UnixMilli(), 3600,
			).Err()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}

			data := client.HGetAll(ctx, key).Val()
			if data["id"] != tt.id || data["age_group"] != "7to9" || data["elapsed_minutes"] != "12" {
				t.Errorf("hash = %v", data)
			}

			score, err := client.ZScore(ctx, recentIndexKey, tt.id).Result()
			if err != nil {
				t.Fatalf("ZScore failed: %v", err)
			}
			if int64(score) != started.UnixMilli() {
				t.Errorf("score = %v, want %d", score, started.UnixMilli())
			}

			if hasTTL := mr.TTL(key) > 0; hasTTL != tt.wantTTL {
				t.Errorf("TTL set = %v, want %v", hasTTL, tt.wantTTL)
			}
		})
	}
}

func TestIncrementDailyUsageScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	date := "2024-01-15"
	keys := []string{dailyKey(date, "4to6"), dailyIndexKey(date), dailyDatesKey}

	for i, minutes := range []int{25, 15} {
		if err := client.Eval(ctx, incrementDailyUsageScript, keys, date, "4to6", minutes, 3600).Err(); err != nil {
			t.Fatalf("Script execution %d failed: %v", i, err)
		}
	}

	data := client.HGetAll(ctx, keys[0]).Val()
	if data["total_minutes"] != "40" || data["sessions"] != "2" {
		t.Errorf("hash = %v, want 40 minutes over 2 sessions", data)
	}
	if !client.SIsMember(ctx, keys[1], "4to6").Val() {
		t.Error("age group missing from date index")
	}
	if dates, _ := mr.ZMembers(dailyDatesKey); len(dates) != 1 || dates[0] != date {
		t.Errorf("dates = %v", dates)
	}
	if mr.TTL(keys[0]) <= 0 {
		t.Error("TTL should be set on daily usage")
	}
}

func TestDeleteDailyUsageBeforeScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	for _, date := range []string{"2024-01-09", "2024-01-10", "2024-01-11"} {
		keys := []string{dailyKey(date, "1to3"), dailyIndexKey(date), dailyDatesKey}
		if err := client.Eval(ctx, incrementDailyUsageScript, keys, date, "1to3", 5, 0).Err(); err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}

	deleted, err := client.Eval(ctx, deleteDailyUsageBeforeScript, []string{dailyDatesKey}, dailyPrefix, "2024-01-11").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	if mr.Exists(dailyIndexKey("2024-01-10")) {
		t.Error("index for pruned day should be removed")
	}
	if !mr.Exists(dailyKey("2024-01-11", "1to3")) {
		t.Error("cutoff day should be kept")
	}
	if dates, _ := mr.ZMembers(dailyDatesKey); len(dates) != 1 {
		t.Errorf("dates = %v, want only the cutoff day", dates)
	}
}
