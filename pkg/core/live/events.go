package live

import (
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// Event is the interface for all live feed events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// SessionStartedEvent is emitted when the pipeline is running and the
// endpoint has acknowledged readiness.
type SessionStartedEvent struct {
	SessionID string `json:"session_id"`
	ProfileID string `json:"profile_id,omitempty"`
}

func (e *SessionStartedEvent) EventType() string { return "session.started" }

// SessionClosedEvent is emitted exactly once, after the recording is
// finalized. No further events follow it.
type SessionClosedEvent struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

// StateChangedEvent is emitted when the pipeline state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// SpeechStartedEvent is emitted when sustained speech opens a segment.
type SpeechStartedEvent struct {
	StartedAt time.Time `json:"started_at"`
}

func (e *SpeechStartedEvent) EventType() string { return "speech.started" }

// SegmentCommittedEvent is emitted when a speech segment is committed,
// either by trailing silence or by hitting the maximum segment length.
type SegmentCommittedEvent struct {
	Segment types.AudioSegment `json:"segment"`
	Forced  bool               `json:"forced,omitempty"` // max length reached
}

func (e *SegmentCommittedEvent) EventType() string { return "segment.committed" }

// DeviceFaultEvent is emitted when the audio source fails and the segmenter
// enters reopen backoff. Capture resumes automatically on success.
type DeviceFaultEvent struct {
	Message   string `json:"message"`
	BackoffMs int    `json:"backoff_ms"`
}

func (e *DeviceFaultEvent) EventType() string { return "device.fault" }

// ScreenSampledEvent is emitted for each successful screen capture.
type ScreenSampledEvent struct {
	CapturedAt time.Time `json:"captured_at"`
	Bytes      int       `json:"bytes"`
}

func (e *ScreenSampledEvent) EventType() string { return "screen.sampled" }

// TurnStartedEvent is emitted when a trigger is taken off the queue and its
// request is sent.
type TurnStartedEvent struct {
	TurnID string            `json:"turn_id"`
	Kind   types.TriggerKind `json:"kind"`
	Text   string            `json:"text"`
}

func (e *TurnStartedEvent) EventType() string { return "turn.started" }

// ReplyDeltaEvent carries one streamed chunk of the in-flight reply.
type ReplyDeltaEvent struct {
	TurnID string `json:"turn_id"`
	Delta  string `json:"delta"`
}

func (e *ReplyDeltaEvent) EventType() string { return "reply.delta" }

// TurnCompletedEvent is emitted when a turn resolves, in submission order.
type TurnCompletedEvent struct {
	TurnID string            `json:"turn_id"`
	Status types.ReplyStatus `json:"status"`
	Reply  string            `json:"reply"`
	Seq    int64             `json:"seq"`
}

func (e *TurnCompletedEvent) EventType() string { return "turn.completed" }

// RecordingDegradedEvent is emitted when a persistence write fails and the
// interaction is retained in memory for retry.
type RecordingDegradedEvent struct {
	Pending int    `json:"pending"`
	Message string `json:"message"`
}

func (e *RecordingDegradedEvent) EventType() string { return "recording.degraded" }

// RecordingRecoveredEvent is emitted when retained interactions have all been
// flushed after a degraded period.
type RecordingRecoveredEvent struct {
	Flushed int `json:"flushed"`
}

func (e *RecordingRecoveredEvent) EventType() string { return "recording.recovered" }

// ErrorEvent carries a non-fatal pipeline error.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ErrorEvent) EventType() string { return "error" }
