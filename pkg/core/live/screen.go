package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// CaptureFunc captures the current screen contents as PNG bytes.
type CaptureFunc func(ctx context.Context) ([]byte, error)

// ScreenSampler captures the screen on a fixed cadence and retains only the
// most recent successful sample. A failed capture is skipped; the previous
// sample stays current until the next success.
type ScreenSampler struct {
	config  SamplerConfig
	capture CaptureFunc
	logger  *slog.Logger

	mu       sync.RWMutex
	latest   types.ScreenSample
	hasShot  bool
	onSample func(s types.ScreenSample)
	onError  func(err error)
}

// NewScreenSampler creates a sampler with the given capture function.
func NewScreenSampler(config SamplerConfig, capture CaptureFunc, logger *slog.Logger) *ScreenSampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenSampler{
		config:  config,
		capture: capture,
		logger:  logger,
	}
}

// SetOnSample sets the callback invoked for each successful capture.
func (s *ScreenSampler) SetOnSample(fn func(sample types.ScreenSample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSample = fn
}

// SetOnError sets the callback invoked for each failed capture.
func (s *ScreenSampler) SetOnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Run captures on the configured interval until the context is cancelled.
func (s *ScreenSampler) Run(ctx context.Context) error {
	interval := time.Duration(s.config.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.CaptureNow(ctx); err != nil {
				s.logger.Debug("screen capture failed, keeping previous sample", "error", err)
			}
		}
	}
}

// CaptureNow performs an immediate capture outside the cadence, updating the
// latest sample on success. Used to get a fresh frame for a typed prompt.
func (s *ScreenSampler) CaptureNow(ctx context.Context) (types.ScreenSample, error) {
	png, err := s.capture(ctx)
	if err != nil {
		s.mu.RLock()
		onError := s.onError
		s.mu.RUnlock()
		if onError != nil {
			onError(err)
		}
		return types.ScreenSample{}, core.NewDeviceFault("screen.capture", "screen capture failed", err)
	}

	sample := types.ScreenSample{
		CapturedAt: time.Now(),
		PNG:        png,
	}

	s.mu.Lock()
	s.latest = sample
	s.hasShot = true
	onSample := s.onSample
	s.mu.Unlock()

	if onSample != nil {
		onSample(sample)
	}
	return sample, nil
}

// Latest returns the most recent successful sample, if any.
func (s *ScreenSampler) Latest() (types.ScreenSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasShot
}
