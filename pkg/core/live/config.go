package live

import (
	"fmt"
	"os"
	"strconv"
)

// SessionState represents the current state of the live pipeline.
type SessionState int

const (
	// StateConfiguring is the initial state before the pipeline is started.
	StateConfiguring SessionState = iota
	// StateStarting is while capture runs but the endpoint's ready
	// acknowledgment has not been observed; turns are queued, not sent.
	StateStarting
	// StateRunning is normal operation: producers capturing, turns flowing.
	StateRunning
	// StateStopping is the ordered shutdown window.
	StateStopping
	// StateClosed is after finalize; no further operations are accepted.
	StateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateConfiguring:
		return "CONFIGURING"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard audio configuration.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// SegmenterConfig configures speech segmentation.
type SegmenterConfig struct {
	// EnergyThreshold is the RMS energy level below which a frame is
	// considered silence. Range: 0.0 to 1.0. Default: 0.02.
	EnergyThreshold float64 `json:"energy_threshold"`

	// StartThresholdMs is how long energy must stay above threshold before a
	// segment opens. Guards against transient noise. Default: 300.
	StartThresholdMs int `json:"start_threshold_ms"`

	// SilenceThresholdMs is how long energy must stay below threshold before
	// the open segment is committed. Default: 800.
	SilenceThresholdMs int `json:"silence_threshold_ms"`

	// MaxSegmentMs force-commits a segment that exceeds this duration, so a
	// single utterance (or sustained non-speech noise) cannot buffer
	// unboundedly. Default: 30000.
	MaxSegmentMs int `json:"max_segment_ms"`

	// ReopenBackoffMs is the initial backoff after a device read failure.
	// Doubles per attempt up to ReopenMaxBackoffMs. Defaults: 250 / 5000.
	ReopenBackoffMs    int `json:"reopen_backoff_ms"`
	ReopenMaxBackoffMs int `json:"reopen_max_backoff_ms"`
}

// DefaultSegmenterConfig returns a SegmenterConfig with the standard
// thresholds.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		EnergyThreshold:    0.02,
		StartThresholdMs:   300,
		SilenceThresholdMs: 800,
		MaxSegmentMs:       30000,
		ReopenBackoffMs:    250,
		ReopenMaxBackoffMs: 5000,
	}
}

// SamplerConfig configures periodic screen sampling.
type SamplerConfig struct {
	// IntervalMs is the capture cadence. Default: 2000.
	IntervalMs int `json:"interval_ms"`
}

// DefaultSamplerConfig returns a SamplerConfig with the standard cadence.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{IntervalMs: 2000}
}

// PipelineConfig holds all configuration for a live session pipeline.
type PipelineConfig struct {
	Audio     AudioConfig     `json:"audio"`
	Segmenter SegmenterConfig `json:"segmenter"`
	Sampler   SamplerConfig   `json:"sampler"`

	// TurnTimeoutMs bounds one request/streamed-reply exchange, independent
	// of session shutdown. Default: 30000.
	TurnTimeoutMs int `json:"turn_timeout_ms"`

	// HandshakeTimeoutMs bounds the wait for the endpoint's ready
	// acknowledgment after the system context is sent. Exceeding it is a
	// session-start failure. Default: 15000.
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`

	// MaxRetries bounds per-turn send retries on transient network failure.
	// Default: 3.
	MaxRetries int `json:"max_retries"`

	// RetryBackoffMs is the initial retry backoff, doubled per attempt.
	// Default: 500.
	RetryBackoffMs int `json:"retry_backoff_ms"`

	// AttachScreenToPrompts attaches the most recent screen sample to typed
	// prompt turns. Voice turns never carry an image. Default: true.
	AttachScreenToPrompts bool `json:"attach_screen_to_prompts"`

	// TurnQueueSize bounds pending triggers waiting on the single in-flight
	// turn. Default: 64.
	TurnQueueSize int `json:"turn_queue_size"`

	// ScreenshotDir, when set, persists attached screenshots as PNG files
	// under per-session directories and records the path on the interaction.
	ScreenshotDir string `json:"screenshot_dir,omitempty"`
}

// DefaultPipelineConfig returns a PipelineConfig with sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Audio:                 DefaultAudioConfig(),
		Segmenter:             DefaultSegmenterConfig(),
		Sampler:               DefaultSamplerConfig(),
		TurnTimeoutMs:         30000,
		HandshakeTimeoutMs:    15000,
		MaxRetries:            3,
		RetryBackoffMs:        500,
		AttachScreenToPrompts: true,
		TurnQueueSize:         64,
	}
}

// PipelineConfigFromEnv returns the default configuration overridden by
// STAGEWHISPER_* environment variables.
func PipelineConfigFromEnv() (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	var err error
	set := func(name string, dst *int) {
		if err != nil {
			return
		}
		raw := os.Getenv(name)
		if raw == "" {
			return
		}
		v, parseErr := strconv.Atoi(raw)
		if parseErr != nil || v <= 0 {
			err = fmt.Errorf("%s: must be a positive integer, got %q", name, raw)
			return
		}
		*dst = v
	}

	set("STAGEWHISPER_SCREEN_INTERVAL_MS", &cfg.Sampler.IntervalMs)
	set("STAGEWHISPER_SPEECH_START_MS", &cfg.Segmenter.StartThresholdMs)
	set("STAGEWHISPER_SPEECH_SILENCE_MS", &cfg.Segmenter.SilenceThresholdMs)
	set("STAGEWHISPER_MAX_SEGMENT_MS", &cfg.Segmenter.MaxSegmentMs)
	set("STAGEWHISPER_TURN_TIMEOUT_MS", &cfg.TurnTimeoutMs)
	set("STAGEWHISPER_MAX_RETRIES", &cfg.MaxRetries)
	if err != nil {
		return PipelineConfig{}, err
	}

	if raw := os.Getenv("STAGEWHISPER_ENERGY_THRESHOLD"); raw != "" {
		v, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil || v <= 0 || v >= 1 {
			return PipelineConfig{}, fmt.Errorf("STAGEWHISPER_ENERGY_THRESHOLD: must be in (0,1), got %q", raw)
		}
		cfg.Segmenter.EnergyThreshold = v
	}
	if dir := os.Getenv("STAGEWHISPER_SCREENSHOT_DIR"); dir != "" {
		cfg.ScreenshotDir = dir
	}

	return cfg, nil
}
