package policy

import (
	"testing"
	"time"
)

func TestFakeClockTickers(t *testing.T) {
	start := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	fast := clock.NewTicker(30 * time.Second)
	slow := clock.NewTicker(time.Minute)

	clock.Advance(2 * time.Minute)

	if got := len(fast.C()); got != 4 {
		t.Errorf("fast ticker fired %d times, want 4", got)
	}
	if got := len(slow.C()); got != 2 {
		t.Errorf("slow ticker fired %d times, want 2", got)
	}

	first := <-fast.C()
	if want := start.Add(30 * time.Second); !first.Equal(want) {
		t.Errorf("first tick at %v, want %v", first, want)
	}

	if now := clock.Now(); !now.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("Now() = %v after Advance", now)
	}
}

func TestFakeClockStoppedTicker(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()

	clock.Advance(10 * time.Second)

	if got := len(ticker.C()); got != 0 {
		t.Errorf("stopped ticker fired %d times", got)
	}
}
