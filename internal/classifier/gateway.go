package classifier

import (
	"context"
	"math"
	"time"

	"github.com/goodtune/kguard/internal/capture"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultConfidenceThreshold is the minimum accepted confidence, in percent.
const DefaultConfidenceThreshold = 75

// Outcome is the result of one classification cycle.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeAdult         Outcome = "adult"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeCaptureFailed Outcome = "capture_failed"
	OutcomeSourceFailed  Outcome = "source_failed"
	OutcomeBusy          Outcome = "busy"
)

// Gateway turns raw predictions into accepted child events. Only one
// capture-and-classify cycle may be in flight; overlapping cycles are dropped.
type Gateway struct {
	source    Source
	table     policy.Table
	threshold float64
	clock     policy.Clock
	inflight  *semaphore.Weighted
	logger    zerolog.Logger
}

// NewGateway creates a Gateway. threshold is a percentage in [0,100].
func NewGateway(source Source, table policy.Table, threshold float64, clock policy.Clock, logger zerolog.Logger) *Gateway {
	if clock == nil {
		clock = policy.RealClock{}
	}
	return &Gateway{
		source:    source,
		table:     table,
		threshold: threshold,
		clock:     clock,
		inflight:  semaphore.NewWeighted(1),
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// IsReady reports whether the underlying source can classify.
func (g *Gateway) IsReady() bool {
	return g.source != nil && g.source.IsReady()
}

// Filter decides the outcome for a raw prediction without building an event.
func (g *Gateway) Filter(raw RawPrediction) (policy.AgeGroup, Outcome) {
	if math.IsNaN(raw.Confidence) || raw.Confidence < 0 || raw.Confidence > 100 {
		return "", OutcomeMalformed
	}

	group, err := policy.ParseAgeGroup(raw.Label)
	if err != nil {
		return "", OutcomeMalformed
	}

	if !g.table.IsChild(group) {
		return group, OutcomeAdult
	}

	if raw.Confidence < g.threshold {
		return group, OutcomeLowConfidence
	}

	return group, OutcomeAccepted
}

// Accept returns the event for a raw prediction, or false if it is rejected.
func (g *Gateway) Accept(raw RawPrediction, observedAt time.Time) (Event, bool) {
	group, outcome := g.Filter(raw)
	if outcome != OutcomeAccepted {
		return Event{}, false
	}
	return Event{
		AgeGroup:   group,
		Confidence: raw.Confidence,
		ObservedAt: observedAt,
	}, true
}

// Process runs one capture-and-classify cycle. Every failure is reported as a
// non-accepted outcome; Process never returns an error.
func (g *Gateway) Process(ctx context.Context, sensor capture.Sensor) (Event, Outcome) {
	if !g.inflight.TryAcquire(1) {
		g.logger.Debug().Msg("Previous cycle still in flight, dropping sample")
		metrics.ClassificationsTotal.WithLabelValues(string(OutcomeBusy), "").Inc()
		return Event{}, OutcomeBusy
	}
	defer g.inflight.Release(1)

	start := time.Now()
	defer func() {
		metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	}()

	frame, err := sensor.Capture(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Capture failed")
		metrics.CaptureFailures.Inc()
		metrics.ClassificationsTotal.WithLabelValues(string(OutcomeCaptureFailed), "").Inc()
		return Event{}, OutcomeCaptureFailed
	}

	raw, err := g.source.Classify(ctx, frame)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Classification failed")
		metrics.ClassificationsTotal.WithLabelValues(string(OutcomeSourceFailed), "").Inc()
		return Event{}, OutcomeSourceFailed
	}

	group, outcome := g.Filter(raw)
	metrics.ClassificationsTotal.WithLabelValues(string(outcome), string(group)).Inc()

	if outcome != OutcomeAccepted {
		g.logger.Debug().
			Str("label", raw.Label).
			Float64("confidence", raw.Confidence).
			Str("outcome", string(outcome)).
			Msg("Prediction rejected")
		return Event{}, outcome
	}

	ev := Event{
		AgeGroup:   group,
		Confidence: raw.Confidence,
		ObservedAt: g.clock.Now(),
	}

	g.logger.Debug().
		Str("age_group", string(ev.AgeGroup)).
		Float64("confidence", ev.Confidence).
		Msg("Prediction accepted")

	return ev, OutcomeAccepted
}
