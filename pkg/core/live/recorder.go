package live

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
	"github.com/stagewhisper/stagewhisper/pkg/store"
)

// Recorder is the single writer of a session's interaction log. Sequence
// numbers are assigned here, under one lock, so the persisted log is gap free
// and strictly increasing regardless of how many goroutines record.
//
// A failed persistence write degrades recording instead of dropping the
// interaction: it keeps its sequence number, is retained in memory, and is
// retried until the store recovers, while the caller is signaled with
// ErrRecordingDegraded. Appends are idempotent on interaction ID, so a retry
// after an ambiguous failure cannot duplicate.
type Recorder struct {
	store   store.SessionStore
	feed    *Feed
	logger  *slog.Logger
	shotDir string

	// flushMu serializes flush attempts so two flushers cannot trim the
	// pending queue against each other's appends.
	flushMu sync.Mutex

	mu       sync.Mutex
	session  types.Session
	seq      int64
	closed   bool
	pending  []types.Interaction
	degraded bool

	closeOnce sync.Once

	// RetryInterval is how often retained interactions are retried while
	// degraded. Defaults to 2s.
	RetryInterval time.Duration
}

// NewRecorder creates a recorder writing to the given store. shotDir, when
// non-empty, is where attached screenshots are persisted as PNG files.
func NewRecorder(st store.SessionStore, feed *Feed, logger *slog.Logger, shotDir string) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:         st,
		feed:          feed,
		logger:        logger,
		shotDir:       shotDir,
		RetryInterval: 2 * time.Second,
	}
}

// Begin creates the session row and readies the recorder for appends.
func (r *Recorder) Begin(ctx context.Context, profileID, title string) (types.Session, error) {
	sess := types.Session{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Title:     title,
		StartedAt: time.Now(),
	}
	if err := r.store.CreateSession(ctx, &sess); err != nil {
		return types.Session{}, core.NewStorageFault("recorder.begin", "failed to create session", err)
	}

	r.mu.Lock()
	r.session = sess
	r.seq = 0
	r.closed = false
	r.mu.Unlock()
	return sess, nil
}

// Session returns the active session.
func (r *Recorder) Session() types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Record appends one interaction, assigning the next sequence number.
// On persistence failure the interaction is not lost: it enters the retained
// set, the feed carries a RecordingDegradedEvent, and the interaction is
// returned together with ErrRecordingDegraded so the caller knows the write
// has not landed yet.
func (r *Recorder) Record(ctx context.Context, kind types.TriggerKind, content string, screenshotPNG []byte, reply string, status types.ReplyStatus) (types.Interaction, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.Interaction{}, core.ErrSessionClosed
	}
	r.seq++
	in := types.Interaction{
		ID:          uuid.NewString(),
		SessionID:   r.session.ID,
		Seq:         r.seq,
		Timestamp:   time.Now(),
		Kind:        kind,
		Content:     content,
		Reply:       reply,
		ReplyStatus: status,
	}
	r.mu.Unlock()

	if len(screenshotPNG) > 0 && r.shotDir != "" {
		ref, err := r.saveScreenshot(in, screenshotPNG)
		if err != nil {
			r.logger.Warn("failed to persist screenshot, recording interaction without it", "error", err)
		} else {
			in.ScreenshotRef = ref
		}
	}

	// Retained interactions must land before any new append so the store
	// only ever holds a strictly increasing sequence prefix.
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if r.Pending() > 0 {
		r.flushLocked(ctx)
	}
	if n := r.Pending(); n > 0 {
		r.retain(in, fmt.Errorf("%d earlier interactions still awaiting retry", n))
		return in, core.ErrRecordingDegraded
	}

	if err := r.store.AppendInteraction(ctx, &in); err != nil {
		r.retain(in, err)
		return in, core.ErrRecordingDegraded
	}
	return in, nil
}

// saveScreenshot writes the PNG under a per-session directory.
func (r *Recorder) saveScreenshot(in types.Interaction, png []byte) (string, error) {
	dir := filepath.Join(r.shotDir, in.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d.png", in.Seq))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// retain adds the interaction to the degraded set and announces the state.
func (r *Recorder) retain(in types.Interaction, cause error) {
	r.mu.Lock()
	r.pending = append(r.pending, in)
	first := !r.degraded
	r.degraded = true
	pending := len(r.pending)
	r.mu.Unlock()

	if first {
		r.logger.Error("session store write failed, recording degraded", "error", cause, "seq", in.Seq)
	}
	if r.feed != nil {
		r.feed.Publish(&RecordingDegradedEvent{Pending: pending, Message: cause.Error()})
	}
}

// RetryLoop retries retained interactions until the context is cancelled.
// Run it in its own goroutine for the life of the session.
func (r *Recorder) RetryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushPending(ctx)
		}
	}
}

// flushPending attempts to persist retained interactions in sequence order.
// Stops at the first failure to preserve append order in the store.
func (r *Recorder) flushPending(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.flushLocked(ctx)
}

// flushLocked is flushPending with flushMu already held.
func (r *Recorder) flushLocked(ctx context.Context) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := make([]types.Interaction, len(r.pending))
	copy(batch, r.pending)
	r.mu.Unlock()

	var flushed int
	for _, in := range batch {
		if err := r.store.AppendInteraction(ctx, &in); err != nil {
			break
		}
		flushed++
	}
	if flushed == 0 {
		return
	}

	r.mu.Lock()
	r.pending = r.pending[flushed:]
	recovered := r.degraded && len(r.pending) == 0
	if recovered {
		r.degraded = false
	}
	r.mu.Unlock()

	if recovered {
		r.logger.Info("session store recovered, retained interactions flushed", "flushed", flushed)
		if r.feed != nil {
			r.feed.Publish(&RecordingRecoveredEvent{Flushed: flushed})
		}
	}
}

// Pending returns how many interactions are retained awaiting retry.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Degraded reports whether recording is currently degraded.
func (r *Recorder) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Finalize flushes retained interactions, stamps the session end time, and
// publishes SessionClosed exactly once. Safe to call more than once; later
// calls are no-ops. Record calls after Finalize fail with ErrSessionClosed.
func (r *Recorder) Finalize(ctx context.Context, reason string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessionID := r.session.ID
	endedAt := time.Now()
	r.session.EndedAt = &endedAt
	r.mu.Unlock()

	r.flushPending(ctx)

	var err error
	if r.Pending() > 0 {
		err = core.NewStorageFault("recorder.finalize",
			fmt.Sprintf("%d interactions could not be persisted", r.Pending()), core.ErrRecordingDegraded)
	}
	if ferr := r.store.FinalizeSession(ctx, sessionID, endedAt); ferr != nil && err == nil {
		err = core.NewStorageFault("recorder.finalize", "failed to stamp session end", ferr)
	}

	r.closeOnce.Do(func() {
		if r.feed != nil {
			r.feed.Publish(&SessionClosedEvent{SessionID: sessionID, Reason: reason})
		}
	})
	return err
}
