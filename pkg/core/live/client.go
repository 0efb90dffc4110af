package live

import (
	"context"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// SessionClient is a stateful connection to an AI endpoint for one session.
type SessionClient interface {
	// Open establishes the connection, delivers the system context, and
	// blocks until the endpoint acknowledges readiness. A missing or wrong
	// acknowledgment within the handshake timeout is a protocol fault.
	Open(ctx context.Context, system string) error

	// Send submits one turn and returns the streamed reply. Turns are
	// serialized by the caller; Send must not be invoked while a previous
	// stream is unconsumed.
	Send(ctx context.Context, env types.RequestEnvelope) (ReplyStream, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// ReplyStream yields the chunks of one streamed reply.
type ReplyStream interface {
	// Next returns the next reply chunk. io.EOF signals a complete reply;
	// any other error means the reply terminated early.
	Next() (string, error)

	// Close abandons the stream.
	Close() error
}

// Transcriber converts a committed speech segment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg types.AudioSegment) (string, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, seg types.AudioSegment) (string, error)

// Transcribe implements Transcriber.
func (f TranscriberFunc) Transcribe(ctx context.Context, seg types.AudioSegment) (string, error) {
	return f(ctx, seg)
}
