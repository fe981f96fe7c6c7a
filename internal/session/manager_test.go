package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/classifier"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 6, 3, 17, 0, 0, 0, time.Local)

func newTestManager() *Manager {
	m := NewManager(policy.DefaultTable(), Config{SilenceTimeout: 5 * time.Minute}, zerolog.Nop())
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
	return m
}

func event(group policy.AgeGroup, at time.Duration) classifier.Event {
	return classifier.Event{AgeGroup: group, Confidence: 90, ObservedAt: t0.Add(at)}
}

func TestOnClassificationStartsSession(t *testing.T) {
	m := newTestManager()

	update := m.OnClassification(event(policy.AgeGroup4to6, 0))
	if update.Ended != nil {
		t.Error("first classification must not end anything")
	}
	snap := update.Current
	if snap == nil {
		t.Fatal("expected a current snapshot")
	}
	if snap.ID != "session-1" || snap.AgeGroup != policy.AgeGroup4to6 || snap.State != StateActive {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !snap.StartedAt.Equal(t0) || !snap.LastObservedAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want %v", snap.StartedAt, snap.LastObservedAt, t0)
	}
	if snap.LimitMinutes != 60 || snap.RemainingMinutes != 60 || snap.LockEpisodeRaised {
		t.Errorf("policy fields not initialised: %+v", snap)
	}
}

func TestSameAgeGroupContinuesSession(t *testing.T) {
	m := newTestManager()
	m.OnClassification(event(policy.AgeGroup7to9, 0))

	update := m.OnClassification(event(policy.AgeGroup7to9, 3*time.Minute))
	if update.Ended != nil {
		t.Fatal("same age group must not end the session")
	}
	if update.Current.ID != "session-1" {
		t.Errorf("session replaced: %s", update.Current.ID)
	}
	if !update.Current.StartedAt.Equal(t0) {
		t.Error("startedAt must not move on continuation")
	}
	if !update.Current.LastObservedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("lastObservedAt = %v", update.Current.LastObservedAt)
	}
}

func TestElapsedIndependentOfClassificationCount(t *testing.T) {
	sparse := newTestManager()
	dense := newTestManager()

	sparse.OnClassification(event(policy.AgeGroup10to12, 0))
	dense.OnClassification(event(policy.AgeGroup10to12, 0))

	for i := 1; i <= 40; i++ {
		at := time.Duration(i) * 30 * time.Second
		dense.OnClassification(event(policy.AgeGroup10to12, at))
		if i%8 == 0 {
			sparse.OnClassification(event(policy.AgeGroup10to12, at))
		}
	}

	tick := t0.Add(20*time.Minute + 59*time.Second)
	for _, m := range []*Manager{sparse, dense} {
		update := m.OnTick(tick)
		if update.Current == nil {
			t.Fatal("session ended unexpectedly")
		}
		if update.Current.ElapsedMinutes != 20 {
			t.Errorf("elapsed = %d, want 20", update.Current.ElapsedMinutes)
		}
	}
}

func TestAgeGroupChangeSupersedes(t *testing.T) {
	m := newTestManager()
	m.OnClassification(event(policy.AgeGroup4to6, 0))
	m.OnTick(t0.Add(2 * time.Minute))

	update := m.OnClassification(event(policy.AgeGroup7to9, 2*time.Minute+10*time.Second))
	if update.Ended == nil {
		t.Fatal("old session should end on age-group change")
	}
	if update.Ended.ID != "session-1" || update.Ended.State != StateEnded || update.Ended.EndReason != EndSuperseded {
		t.Errorf("unexpected ended snapshot %+v", update.Ended)
	}
	if update.Current == nil || update.Current.ID != "session-2" {
		t.Fatalf("expected new session, got %+v", update.Current)
	}
	if update.Current.AgeGroup != policy.AgeGroup7to9 || update.Current.ElapsedMinutes != 0 {
		t.Errorf("new session = %+v", update.Current)
	}
}

func TestSilenceTimeoutEndsOnTickOnly(t *testing.T) {
	m := newTestManager()
	m.OnClassification(event(policy.AgeGroup1to3, 0))

	// A late classification never ends the session by itself.
	update := m.OnClassification(event(policy.AgeGroup1to3, 10*time.Minute))
	if update.Ended != nil {
		t.Fatal("OnClassification must not apply the silence timeout")
	}

	if update := m.OnTick(t0.Add(15 * time.Minute)); update.Current == nil {
		t.Fatal("exactly the timeout is not yet silence")
	}

	update = m.OnTick(t0.Add(15*time.Minute + time.Second))
	if update.Ended == nil || update.Current != nil {
		t.Fatalf("tick past timeout should end the session: %+v", update)
	}
	if update.Ended.EndReason != EndSilence || update.Ended.ElapsedMinutes != 15 {
		t.Errorf("ended snapshot = %+v", update.Ended)
	}
	if m.Active() != nil {
		t.Error("no session should remain active")
	}

	// A classification after the timeout starts fresh.
	update = m.OnClassification(event(policy.AgeGroup1to3, 16*time.Minute))
	if update.Current == nil || update.Current.ID != "session-2" || update.Current.LockEpisodeRaised {
		t.Errorf("expected fresh session, got %+v", update.Current)
	}
}

func TestElapsedMonotonic(t *testing.T) {
	m := newTestManager()
	m.OnClassification(event(policy.AgeGroup4to6, 0))

	m.OnTick(t0.Add(4 * time.Minute))
	update := m.OnTick(t0.Add(3 * time.Minute))
	if update.Current.ElapsedMinutes != 4 {
		t.Errorf("elapsed went backwards to %d", update.Current.ElapsedMinutes)
	}
}

func TestLockEpisodeSurvivesTicksAndResetsOnNewSession(t *testing.T) {
	m := newTestManager()
	enforcer := policy.NewEnforcer(nil, zerolog.Nop())
	m.OnClassification(event(policy.AgeGroup4to6, 0))

	subject, ok := m.Subject()
	if !ok {
		t.Fatal("expected active subject")
	}

	for at := 4 * time.Minute; at <= 60*time.Minute; at += 4 * time.Minute {
		m.OnClassification(event(policy.AgeGroup4to6, at))
		m.OnTick(t0.Add(at))
	}
	if reason, fired := enforcer.Evaluate(subject, t0.Add(60*time.Minute)); !fired || reason != policy.LockScreenTimeExceeded {
		t.Fatalf("Evaluate = %s, %v", reason, fired)
	}

	snap := m.OnTick(t0.Add(61 * time.Minute)).Current
	if !snap.LockEpisodeRaised || snap.LastLockReason != policy.LockScreenTimeExceeded || snap.RemainingMinutes != 0 {
		t.Errorf("snapshot after lock = %+v", snap)
	}

	if !m.ResetLockEpisode() {
		t.Error("ResetLockEpisode should clear a raised episode")
	}
	if m.ResetLockEpisode() {
		t.Error("second ResetLockEpisode has nothing to clear")
	}

	m.OnClassification(event(policy.AgeGroup7to9, 62*time.Minute))
	if m.Active().LockEpisodeRaised {
		t.Error("new session must start with a clear episode")
	}
}

func TestEnd(t *testing.T) {
	m := newTestManager()
	if m.End(t0, EndStopped) != nil {
		t.Error("End without a session should return nil")
	}

	m.OnClassification(event(policy.AgeGroup13to15, 0))
	snap := m.End(t0.Add(90*time.Second), EndStopped)
	if snap == nil || snap.EndReason != EndStopped || snap.ElapsedMinutes != 1 || snap.EndedAt == nil {
		t.Errorf("End snapshot = %+v", snap)
	}
	if m.Active() != nil {
		t.Error("session should be gone after End")
	}
}
