package capture

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// DirSensor hands out the newest image in a spool directory. An external
// camera process is expected to keep writing snapshots there.
type DirSensor struct {
	dir    string
	logger zerolog.Logger
}

// NewDirSensor creates a sensor reading from dir.
func NewDirSensor(dir string, logger zerolog.Logger) (*DirSensor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat capture dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capture path %s is not a directory", dir)
	}

	return &DirSensor{
		dir:    dir,
		logger: logger.With().Str("component", "dir-sensor").Logger(),
	}, nil
}

// Capture returns the most recently modified image.
func (s *DirSensor) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read capture dir: %w", err)
	}

	var (
		newest   string
		newestAt int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestAt {
			newest = entry.Name()
			newestAt = mod
		}
	}

	if newest == "" {
		return Frame{}, ErrNoFrame
	}

	path := filepath.Join(s.dir, newest)
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read frame %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to stat frame %s: %w", path, err)
	}

	s.logger.Debug().Str("file", newest).Int("bytes", len(data)).Msg("Captured frame")

	return Frame{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Source:      path,
		CapturedAt:  info.ModTime(),
	}, nil
}
