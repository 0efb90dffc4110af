package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// SegmenterState is the current phase of speech detection.
type SegmenterState int

const (
	// SegIdle means no speech has been detected.
	SegIdle SegmenterState = iota
	// SegListening means a segment is open and accumulating audio.
	SegListening
	// SegFinalizing means trailing silence was observed and the segment is
	// being committed.
	SegFinalizing
)

// String returns a human-readable state name.
func (s SegmenterState) String() string {
	switch s {
	case SegIdle:
		return "IDLE"
	case SegListening:
		return "LISTENING"
	case SegFinalizing:
		return "FINALIZING"
	default:
		return "UNKNOWN"
	}
}

// AudioSource delivers PCM frames from a capture device.
type AudioSource interface {
	// ReadFrame blocks until the next frame of 16-bit LE PCM is available.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Close releases the device.
	Close() error
}

// OpenSourceFunc opens (or reopens) an audio source.
type OpenSourceFunc func(ctx context.Context) (AudioSource, error)

// Segmenter turns a continuous PCM stream into discrete speech segments
// using RMS energy detection:
//  1. Energy above threshold for StartThresholdMs opens a segment.
//  2. Energy below threshold for SilenceThresholdMs commits it.
//  3. A segment at MaxSegmentMs is force-committed.
//
// Timing is derived from the audio itself (frame byte counts), not the wall
// clock, so detection behaves identically under scheduling jitter.
type Segmenter struct {
	config SegmenterConfig
	audio  AudioConfig

	mu           sync.Mutex
	state        SegmenterState
	voicedRunMs  int
	silenceRunMs int
	segmentStart time.Time
	preroll      *PrerollBuffer
	segment      *SegmentBuffer

	// Callbacks are invoked on the processing goroutine and must not block.
	onSpeechStart func(startedAt time.Time)
	onSegment     func(seg types.AudioSegment, forced bool)
	onFault       func(err error, backoffMs int)
}

// NewSegmenter creates a segmenter for the given detection thresholds and
// audio format.
func NewSegmenter(config SegmenterConfig, audio AudioConfig) *Segmenter {
	return &Segmenter{
		config:  config,
		audio:   audio,
		preroll: NewPrerollBuffer(audio, config.StartThresholdMs),
		segment: NewSegmentBuffer(audio, config.MaxSegmentMs),
	}
}

// SetCallbacks sets the event callbacks for the segmenter.
func (s *Segmenter) SetCallbacks(
	onSpeechStart func(startedAt time.Time),
	onSegment func(seg types.AudioSegment, forced bool),
	onFault func(err error, backoffMs int),
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeechStart = onSpeechStart
	s.onSegment = onSegment
	s.onFault = onFault
}

// State returns the current detection state.
func (s *Segmenter) State() SegmenterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProcessFrame advances the state machine with one frame of 16-bit LE PCM.
func (s *Segmenter) ProcessFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	frameMs := s.audio.DurationMs(len(frame))
	energy := CalculateRMSEnergy(frame)
	voiced := energy >= s.config.EnergyThreshold

	s.mu.Lock()

	switch s.state {
	case SegIdle:
		s.preroll.Write(frame)
		if voiced {
			s.voicedRunMs += frameMs
		} else {
			s.voicedRunMs = 0
		}
		if s.voicedRunMs < s.config.StartThresholdMs {
			s.mu.Unlock()
			return
		}

		// Sustained speech: open the segment, seeded with the retained
		// audio so the opening words are not lost.
		lead := s.preroll.Drain()
		startedAt := time.Now().Add(-time.Duration(s.audio.DurationMs(len(lead))) * time.Millisecond)
		s.segment.Write(lead, true)
		s.segmentStart = startedAt
		s.voicedRunMs = 0
		s.silenceRunMs = 0
		s.state = SegListening
		onStart := s.onSpeechStart
		s.mu.Unlock()

		if onStart != nil {
			onStart(startedAt)
		}
		return

	case SegListening:
		full := s.segment.Write(frame, voiced)
		if voiced {
			s.silenceRunMs = 0
		} else {
			s.silenceRunMs += frameMs
		}

		if full {
			s.commitLocked(true)
			return
		}
		if s.silenceRunMs >= s.config.SilenceThresholdMs {
			s.state = SegFinalizing
			s.commitLocked(false)
			return
		}
		s.mu.Unlock()
		return

	default:
		s.mu.Unlock()
	}
}

// commitLocked finalizes the open segment and returns to idle.
// Called with the mutex held; releases it.
func (s *Segmenter) commitLocked(forced bool) {
	pcm, voicedMs, totalMs := s.segment.Take()

	// A silence-committed segment ends where speech ended, so the trailing
	// silence window is trimmed off and excluded from the confidence ratio.
	if !forced {
		tail := s.audio.BytesForDurationMs(s.silenceRunMs)
		if tail > len(pcm) {
			tail = len(pcm)
		}
		pcm = pcm[:len(pcm)-tail]
		totalMs -= s.silenceRunMs
	}

	var confidence float64
	if totalMs > 0 {
		confidence = float64(voicedMs) / float64(totalMs)
		if confidence > 1 {
			confidence = 1
		}
	}

	// A segment whose peak barely clears the energy threshold is weak
	// audio; scale confidence by the headroom above the threshold.
	if floor := s.config.EnergyThreshold * 4; floor > 0 {
		if peak := CalculatePeakAmplitude(pcm); peak < floor {
			confidence *= peak / floor
		}
	}

	startedAt := s.segmentStart
	seg := types.AudioSegment{
		StartedAt:  startedAt,
		EndedAt:    startedAt.Add(time.Duration(s.audio.DurationMs(len(pcm))) * time.Millisecond),
		PCM:        pcm,
		Confidence: confidence,
	}

	s.state = SegIdle
	s.voicedRunMs = 0
	s.silenceRunMs = 0
	onSegment := s.onSegment
	s.mu.Unlock()

	if onSegment != nil && len(pcm) > 0 {
		onSegment(seg, forced)
	}
}

// Reset discards any open segment and returns to idle.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segment.Take()
	s.preroll.Drain()
	s.state = SegIdle
	s.voicedRunMs = 0
	s.silenceRunMs = 0
}

// Run captures frames from the source until the context is cancelled.
// On a device failure the open segment is discarded and the source is
// reopened with exponential backoff; capture resumes automatically.
func (s *Segmenter) Run(ctx context.Context, open OpenSourceFunc) error {
	baseMs := s.config.ReopenBackoffMs
	if baseMs <= 0 {
		baseMs = 250
	}
	backoffMs := baseMs

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		src, err := open(ctx)
		if err != nil {
			if !s.waitBackoff(ctx, err, &backoffMs) {
				return ctx.Err()
			}
			continue
		}

		frames, err := s.consume(ctx, src)
		_ = src.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			backoffMs = baseMs
		}

		// Mid-stream failure: the partial segment may be corrupt, so it is
		// dropped rather than committed.
		s.Reset()
		if !s.waitBackoff(ctx, err, &backoffMs) {
			return ctx.Err()
		}
	}
}

// consume reads frames until the source fails or the context is cancelled.
// Returns the number of frames processed.
func (s *Segmenter) consume(ctx context.Context, src AudioSource) (int, error) {
	var frames int
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return frames, err
			}
			return frames, core.NewDeviceFault("audio.read", "audio source read failed", err)
		}
		frames++
		s.ProcessFrame(frame)
	}
}

// waitBackoff reports the fault, sleeps, and doubles the backoff.
// Returns false if the context was cancelled during the wait.
func (s *Segmenter) waitBackoff(ctx context.Context, err error, backoffMs *int) bool {
	s.mu.Lock()
	onFault := s.onFault
	s.mu.Unlock()
	if onFault != nil {
		onFault(err, *backoffMs)
	}

	t := time.NewTimer(time.Duration(*backoffMs) * time.Millisecond)
	defer t.Stop()

	maxMs := s.config.ReopenMaxBackoffMs
	if maxMs <= 0 {
		maxMs = 5000
	}
	*backoffMs *= 2
	if *backoffMs > maxMs {
		*backoffMs = maxMs
	}

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
