// Package classifier filters raw age-bracket predictions into accepted
// child classification events.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kguard/internal/capture"
	"github.com/goodtune/kguard/internal/policy"
)

// ErrMalformedPrediction is returned when a prediction cannot be interpreted.
var ErrMalformedPrediction = errors.New("classifier: malformed prediction")

// RawPrediction is the unfiltered output of a classification source.
type RawPrediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Event is an accepted child classification.
type Event struct {
	AgeGroup   policy.AgeGroup `json:"age_group"`
	Confidence float64         `json:"confidence"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Source is an external inference backend.
type Source interface {
	IsReady() bool
	Classify(ctx context.Context, frame capture.Frame) (RawPrediction, error)
}
