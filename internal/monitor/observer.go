package monitor

import (
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/session"
)

// Observer receives every session transition. A nil snapshot means the
// session ended. Observers run inside the engine's lock and must not call
// back into the Engine.
type Observer interface {
	OnSessionUpdate(snap *session.Snapshot)
}

// LockHandler receives lock-required signals, at most once per episode.
// Handlers run inside the engine's lock and must not call back into the Engine.
type LockHandler interface {
	OnLockRequired(reason policy.LockReason)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(snap *session.Snapshot)

func (f ObserverFunc) OnSessionUpdate(snap *session.Snapshot) { f(snap) }

// LockHandlerFunc adapts a function to LockHandler.
type LockHandlerFunc func(reason policy.LockReason)

func (f LockHandlerFunc) OnLockRequired(reason policy.LockReason) { f(reason) }
