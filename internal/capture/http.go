package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HTTPSensor fetches a JPEG snapshot from a camera URL.
type HTTPSensor struct {
	url    string
	client *resty.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewHTTPSensor creates a snapshot sensor.
func NewHTTPSensor(url string, timeout time.Duration, logger zerolog.Logger) *HTTPSensor {
	return &HTTPSensor{
		url:    url,
		client: resty.New().SetTimeout(timeout),
		now:    time.Now,
		logger: logger.With().Str("component", "http-sensor").Logger(),
	}
}

// Capture performs one GET against the snapshot URL.
func (s *HTTPSensor) Capture(ctx context.Context) (Frame, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		Get(s.url)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot request failed: %w", err)
	}

	if resp.IsError() {
		return Frame{}, fmt.Errorf("snapshot request returned %s", resp.Status())
	}

	body := resp.Body()
	if len(body) == 0 {
		return Frame{}, ErrNoFrame
	}

	s.logger.Debug().Int("bytes", len(body)).Dur("latency", resp.Time()).Msg("Captured frame")

	return Frame{
		Data:        body,
		ContentType: resp.Header().Get("Content-Type"),
		Source:      s.url,
		CapturedAt:  s.now(),
	}, nil
}
