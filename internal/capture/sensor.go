// Package capture provides frame sources for the sampling loop.
package capture

import (
	"context"
	"errors"
	"time"
)

// ErrNoFrame is returned when the sensor has nothing to hand out yet.
var ErrNoFrame = errors.New("capture: no frame available")

// Frame is a single captured image.
type Frame struct {
	Data        []byte
	ContentType string
	Source      string
	CapturedAt  time.Time
}

// Sensor captures frames. Capture may be slow and must honour ctx.
// Calling it repeatedly is safe.
type Sensor interface {
	Capture(ctx context.Context) (Frame, error)
}
