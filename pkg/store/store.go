// Package store provides the persistent session log the recorder writes to.
// The pipeline depends only on the SessionStore interface; the SQLite
// implementation is the production backend and Memory backs tests.
package store

import (
	"context"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// SessionStore is an append-capable persistent log of sessions and their
// interactions. Append and finalize are the write side used by the recorder;
// the read side exists for replay, search, and export.
type SessionStore interface {
	// CreateSession persists a new session row at session start.
	CreateSession(ctx context.Context, session *types.Session) error

	// AppendInteraction durably writes one interaction. It is idempotent on
	// the interaction ID: re-appending the same interaction after a partial
	// failure must not duplicate it.
	AppendInteraction(ctx context.Context, interaction *types.Interaction) error

	// FinalizeSession sets the session end time. A finalized session's end
	// time is immutable; finalizing twice is an error.
	FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// GetSession returns a session by ID, or nil when absent.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// ListInteractions returns a session's interactions in sequence order.
	ListInteractions(ctx context.Context, sessionID string) ([]types.Interaction, error)

	// SearchInteractions returns interactions whose trigger content or reply
	// contains the query, in sequence order.
	SearchInteractions(ctx context.Context, sessionID, query string) ([]types.Interaction, error)

	// Close releases the backing resources.
	Close() error
}
