package classifier

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goodtune/kguard/internal/capture"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/rs/zerolog"
)

// HTTPConfig configures an HTTP inference backend.
type HTTPConfig struct {
	Endpoint     string
	ClassifyPath string
	HealthPath   string
	Timeout      time.Duration
	Labels       []string // class order for probability vectors
}

// predictionResponse accepts either a direct label or a probability vector.
type predictionResponse struct {
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// HTTPSource classifies frames by POSTing them to an inference service.
type HTTPSource struct {
	client       *resty.Client
	classifyPath string
	healthPath   string
	labels       []string
	ready        atomic.Bool
	logger       zerolog.Logger
}

// NewHTTPSource creates an HTTP source. It is not ready until Load succeeds.
func NewHTTPSource(cfg HTTPConfig, logger zerolog.Logger) *HTTPSource {
	labels := cfg.Labels
	if len(labels) == 0 {
		labels = make([]string, len(policy.AgeGroups))
		for i, g := range policy.AgeGroups {
			labels[i] = string(g)
		}
	}

	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &HTTPSource{
		client:       client,
		classifyPath: cfg.ClassifyPath,
		healthPath:   cfg.HealthPath,
		labels:       labels,
		logger:       logger.With().Str("component", "http-classifier").Logger(),
	}
}

// Load checks the backend's health endpoint and marks the source ready.
func (s *HTTPSource) Load(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get(s.healthPath)
	if err != nil {
		return fmt.Errorf("classifier health check failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("classifier health check returned %s", resp.Status())
	}

	s.ready.Store(true)
	s.logger.Info().Int("labels", len(s.labels)).Msg("Classifier ready")
	return nil
}

// IsReady implements Source.
func (s *HTTPSource) IsReady() bool {
	return s.ready.Load()
}

// Classify implements Source.
func (s *HTTPSource) Classify(ctx context.Context, frame capture.Frame) (RawPrediction, error) {
	if !s.IsReady() {
		return RawPrediction{}, fmt.Errorf("classifier not loaded")
	}

	contentType := frame.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var result predictionResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(frame.Data).
		SetResult(&result).
		Post(s.classifyPath)
	if err != nil {
		return RawPrediction{}, fmt.Errorf("classify request failed: %w", err)
	}
	if resp.IsError() {
		return RawPrediction{}, fmt.Errorf("classify request returned %s", resp.Status())
	}

	return s.decode(result)
}

func (s *HTTPSource) decode(r predictionResponse) (RawPrediction, error) {
	if len(r.Probabilities) > 0 {
		if len(r.Probabilities) != len(s.labels) {
			return RawPrediction{}, fmt.Errorf("%w: %d probabilities for %d labels",
				ErrMalformedPrediction, len(r.Probabilities), len(s.labels))
		}

		best := 0
		for i, p := range r.Probabilities {
			if math.IsNaN(p) {
				return RawPrediction{}, fmt.Errorf("%w: NaN probability", ErrMalformedPrediction)
			}
			if p > r.Probabilities[best] {
				best = i
			}
		}
		return RawPrediction{
			Label:      s.labels[best],
			Confidence: r.Probabilities[best] * 100,
		}, nil
	}

	if r.Label == "" {
		return RawPrediction{}, fmt.Errorf("%w: no label", ErrMalformedPrediction)
	}

	return RawPrediction{Label: r.Label, Confidence: r.Confidence}, nil
}
