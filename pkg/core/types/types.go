// Package types defines the data model shared across the perception and
// recording pipeline: sessions, interactions, capture artifacts, profile
// context, and the request envelope sent to the AI endpoint.
package types

import (
	"time"
)

// TriggerKind identifies what produced an interaction.
type TriggerKind string

const (
	// TriggerVoice marks an interaction produced by a committed speech segment.
	TriggerVoice TriggerKind = "voice"
	// TriggerPrompt marks an interaction produced by a typed user prompt.
	TriggerPrompt TriggerKind = "prompt"
)

// ReplyStatus is the completion status of an interaction's AI reply.
type ReplyStatus string

const (
	ReplyComplete ReplyStatus = "complete"
	ReplyPartial  ReplyStatus = "partial"
	ReplyFailed   ReplyStatus = "failed"
)

// Session is one bounded run of the pipeline, from start to finalize.
// Only the session recorder mutates it. EndedAt, once set, is immutable.
type Session struct {
	ID        string     `json:"id"`
	ProfileID string     `json:"profile_id,omitempty"`
	Title     string     `json:"title"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the session length, or the elapsed time so far when the
// session has not been finalized.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Interaction is one recorded turn: the trigger content, the optional
// attached screenshot reference, and the AI reply. Immutable once appended.
// Seq is assigned by the session recorder and is strictly increasing and
// gap-free within a session.
type Interaction struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	Seq           int64       `json:"seq"`
	Timestamp     time.Time   `json:"timestamp"`
	Kind          TriggerKind `json:"kind"`
	Content       string      `json:"content"`
	ScreenshotRef string      `json:"screenshot_ref,omitempty"`
	Reply         string      `json:"reply"`
	ReplyStatus   ReplyStatus `json:"reply_status"`
}

// AudioSegment is one detected, bounded utterance of speech audio. It is
// transient: it exists only between detection and hand-off, and only its
// transcript is ever persisted.
type AudioSegment struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	PCM        []byte    `json:"-"`
	Confidence float64   `json:"confidence"`
}

// Duration returns the segment length.
func (s AudioSegment) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// ScreenSample is one captured screen image. The sample value is immutable
// once produced; Ref is the storage reference filled in when the recorder
// persists the image alongside an interaction.
type ScreenSample struct {
	CapturedAt time.Time `json:"captured_at"`
	PNG        []byte    `json:"-"`
	Ref        string    `json:"ref,omitempty"`
}

// FileExcerpt is extracted text from one profile file.
type FileExcerpt struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ResearchFinding is one pre-resolved research answer attached to a profile.
type ResearchFinding struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Sources  []string `json:"sources,omitempty"`
}

// ProfileContextSnapshot is the read-only profile bundle supplied at session
// start by the profile subsystem. The pipeline never fetches or mutates it.
type ProfileContextSnapshot struct {
	ProfileID         string            `json:"profile_id,omitempty"`
	SystemText        string            `json:"system_text"`
	PersonalContext   string            `json:"personal_context,omitempty"`
	Purpose           string            `json:"purpose,omitempty"`
	BehaviorText      string            `json:"behavior_text,omitempty"`
	AdditionalContext string            `json:"additional_context,omitempty"`
	FileExcerpts      []FileExcerpt     `json:"file_excerpts,omitempty"`
	ResearchFindings  []ResearchFinding `json:"research_findings,omitempty"`
}

// RequestEnvelope is the assembled unit handed to the AI session client for
// one turn. System is populated only on the session's opening envelope; later
// turns carry just the incremental trigger content.
type RequestEnvelope struct {
	System      string      `json:"system,omitempty"`
	Kind        TriggerKind `json:"kind"`
	Text        string      `json:"text"`
	ImagePNG    []byte      `json:"-"`
	SubmittedAt time.Time   `json:"submitted_at"`
}
