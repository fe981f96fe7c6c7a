// Package monitor runs the session and enforcement engine: it samples the
// sensor, feeds accepted classifications to the session manager and evaluates
// the lock policy once a minute.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/capture"
	"github.com/goodtune/kguard/internal/classifier"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/session"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

// ErrClassifierNotReady is returned by Start when the classification source
// has not loaded.
var ErrClassifierNotReady = errors.New("monitor: classifier not ready")

const (
	// TickInterval is the fixed policy evaluation cadence.
	TickInterval = time.Minute

	// DefaultDetectionInterval is the default capture cadence.
	DefaultDetectionInterval = 30 * time.Second
)

// Config holds engine configuration. Zero values take the defaults.
type Config struct {
	DetectionInterval   time.Duration
	ConfidenceThreshold float64 // percent; zero uses classifier.DefaultConfidenceThreshold
	SilenceTimeout      time.Duration
	Table               policy.Table
}

// Deps are the engine's collaborators.
type Deps struct {
	Source classifier.Source
	Sensor capture.Sensor
	Rules  policy.Rules       // nil uses the builtin rules
	Usage  storage.UsageStore // nil disables history
	Clock  policy.Clock       // nil uses the real clock
}

// Stats summarizes the engine's state.
type Stats struct {
	Running             bool              `json:"running"`
	ClassifierReady     bool              `json:"classifier_ready"`
	Session             *session.Snapshot `json:"session"`
	DetectionInterval   time.Duration     `json:"detection_interval"`
	TickInterval        time.Duration     `json:"tick_interval"`
	SilenceTimeout      time.Duration     `json:"silence_timeout"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
}

// Engine serializes every session mutation, policy evaluation and
// notification behind a single mutex. Capture and inference run outside it.
type Engine struct {
	config   Config
	clock    policy.Clock
	sensor   capture.Sensor
	gateway  *classifier.Gateway
	sessions *session.Manager
	enforcer *policy.Enforcer
	recorder *session.Recorder
	logger   zerolog.Logger

	mu           sync.Mutex
	observers    []Observer
	lockHandlers []LockHandler
	running      bool
	generation   uint64
	cancel       context.CancelFunc
	loops        sync.WaitGroup
}

// NewEngine creates an engine. It does not start monitoring.
func NewEngine(config Config, deps Deps, logger zerolog.Logger) *Engine {
	if config.DetectionInterval <= 0 {
		config.DetectionInterval = DefaultDetectionInterval
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = classifier.DefaultConfidenceThreshold
	}
	if config.SilenceTimeout <= 0 {
		config.SilenceTimeout = session.DefaultSilenceTimeout
	}
	if config.Table == nil {
		config.Table = policy.DefaultTable()
	}
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}

	return &Engine{
		config:   config,
		clock:    deps.Clock,
		sensor:   deps.Sensor,
		gateway:  classifier.NewGateway(deps.Source, config.Table, config.ConfidenceThreshold, deps.Clock, logger),
		sessions: session.NewManager(config.Table, session.Config{SilenceTimeout: config.SilenceTimeout}, logger),
		enforcer: policy.NewEnforcer(deps.Rules, logger),
		recorder: session.NewRecorder(deps.Usage, logger),
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Subscribe registers a session observer.
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// OnLock registers a lock handler.
func (e *Engine) OnLock(h LockHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockHandlers = append(e.lockHandlers, h)
}

// Start begins both cadences. It fails with ErrClassifierNotReady if the
// source has not loaded. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	if !e.gateway.IsReady() {
		e.logger.Error().Msg("Classifier not ready, monitoring not started")
		return ErrClassifierNotReady
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.generation++
	e.cancel = cancel

	e.startScheduler(runCtx, e.generation)

	e.logger.Info().
		Dur("detection_interval", e.config.DetectionInterval).
		Dur("tick_interval", TickInterval).
		Float64("confidence_threshold", e.config.ConfidenceThreshold).
		Dur("silence_timeout", e.config.SilenceTimeout).
		Msg("Monitoring started")

	return nil
}

// Stop halts both cadences and ends the active session. Once Stop returns no
// observer or lock handler fires until the next Start. Stop does not wait
// for a capture or classification already in flight; its result is dropped.
// Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	e.running = false
	if ended := e.sessions.End(e.clock.Now(), session.EndStopped); ended != nil {
		e.publish(session.Update{Ended: ended})
	}
	e.cancel()
	e.mu.Unlock()

	e.loops.Wait()
	e.logger.Info().Msg("Monitoring stopped")
}

// Running reports whether monitoring is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Sample runs one capture-and-classify cycle and applies an accepted result.
func (e *Engine) Sample(ctx context.Context) {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	e.runCycle(ctx, gen)
}

// Tick runs one policy evaluation at now.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	e.runTick(func() time.Time { return now }, gen)
}

// ResetEpisode is the explicit new-day policy reset: the active session's
// lock episode is cleared so a persisting violation is signalled again.
func (e *Engine) ResetEpisode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sessions.ResetLockEpisode() {
		return false
	}
	e.publish(session.Update{Current: e.sessions.Active()})
	return true
}

// Stats returns a point-in-time view of the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Running:             e.running,
		ClassifierReady:     e.gateway.IsReady(),
		Session:             e.sessions.Active(),
		DetectionInterval:   e.config.DetectionInterval,
		TickInterval:        TickInterval,
		SilenceTimeout:      e.config.SilenceTimeout,
		ConfidenceThreshold: e.config.ConfidenceThreshold,
	}
}

func (e *Engine) runCycle(ctx context.Context, gen uint64) {
	defer e.recoverCycle("capture")

	ev, outcome := e.gateway.Process(ctx, e.sensor)
	if outcome != classifier.OutcomeAccepted {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.current(gen) {
		e.logger.Debug().Str("age_group", string(ev.AgeGroup)).Msg("Discarding classification that finished after stop")
		return
	}

	e.publish(e.sessions.OnClassification(ev))
}

func (e *Engine) runTick(clockNow func() time.Time, gen uint64) {
	defer e.recoverCycle("tick")

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.current(gen) {
		return
	}

	now := clockNow()

	update := e.sessions.OnTick(now)

	var (
		reason policy.LockReason
		fired  bool
	)
	if update.Current != nil {
		if subject, ok := e.sessions.Subject(); ok {
			reason, fired = e.enforcer.Evaluate(subject, now)
			if fired {
				update.Current = e.sessions.Active()
			}
		}
	}

	e.publish(update)

	if fired {
		metrics.LockSignals.WithLabelValues(string(update.Current.AgeGroup), string(reason)).Inc()
		for _, h := range e.lockHandlers {
			h.OnLockRequired(reason)
		}
	}
}

// current reports whether work started under gen may still mutate state.
// Callers hold e.mu.
func (e *Engine) current(gen uint64) bool {
	return e.running && gen == e.generation
}

// publish records and fans out an update. Callers hold e.mu.
func (e *Engine) publish(update session.Update) {
	e.recorder.Record(update)

	if update.Ended != nil {
		for _, o := range e.observers {
			o.OnSessionUpdate(nil)
		}
	}
	if update.Current != nil {
		for _, o := range e.observers {
			o.OnSessionUpdate(update.Current)
		}
	}
}

func (e *Engine) recoverCycle(cycle string) {
	if r := recover(); r != nil {
		metrics.CyclePanics.WithLabelValues(cycle).Inc()
		e.logger.Error().Interface("panic", r).Str("cycle", cycle).Msg("Recovered panic in monitoring cycle")
	}
}
