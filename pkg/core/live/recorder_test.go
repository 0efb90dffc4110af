package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
	"github.com/stagewhisper/stagewhisper/pkg/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Memory, *Feed) {
	t.Helper()
	st := store.NewMemory()
	feed := NewFeed(nil)
	t.Cleanup(feed.Close)
	rec := NewRecorder(st, feed, nil, "")
	rec.RetryInterval = 10 * time.Millisecond
	return rec, st, feed
}

func TestRecorder_SequenceIsGapFreeUnderConcurrency(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	sess, err := rec.Begin(ctx, "p1", "test")
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rec.Record(ctx, types.TriggerVoice, "hello", nil, "reply", types.ReplyComplete)
		}()
	}
	wg.Wait()

	list, err := st.ListInteractions(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != n {
		t.Fatalf("persisted %d interactions, want %d", len(list), n)
	}
	for i, in := range list {
		if in.Seq != int64(i+1) {
			t.Fatalf("seq at position %d = %d, want %d", i, in.Seq, i+1)
		}
	}
}

func TestRecorder_RecordAfterFinalizeFails(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	ctx := context.Background()

	if _, err := rec.Begin(ctx, "p1", "test"); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finalize(ctx, "done"); err != nil {
		t.Fatal(err)
	}

	_, err := rec.Record(ctx, types.TriggerPrompt, "late", nil, "", types.ReplyComplete)
	if !errors.Is(err, core.ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}

	// Finalize again is a no-op.
	if err := rec.Finalize(ctx, "done"); err != nil {
		t.Errorf("second finalize returned %v", err)
	}
}

func TestRecorder_SessionClosedPublishedExactlyOnce(t *testing.T) {
	rec, _, feed := newTestRecorder(t)
	ctx := context.Background()

	events, cancel := feed.Subscribe(16)
	defer cancel()

	if _, err := rec.Begin(ctx, "p1", "test"); err != nil {
		t.Fatal(err)
	}
	_ = rec.Finalize(ctx, "done")
	_ = rec.Finalize(ctx, "done")

	var closed int
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(*SessionClosedEvent); ok {
				closed++
			}
		case <-deadline:
			if closed != 1 {
				t.Errorf("SessionClosed published %d times, want 1", closed)
			}
			return
		}
	}
}

func TestRecorder_DegradedWritesRetainAndFlushOnce(t *testing.T) {
	rec, st, feed := newTestRecorder(t)
	ctx := context.Background()

	events, cancel := feed.Subscribe(64)
	defer cancel()

	sess, err := rec.Begin(ctx, "p1", "test")
	if err != nil {
		t.Fatal(err)
	}

	retryCtx, stopRetry := context.WithCancel(context.Background())
	defer stopRetry()
	go rec.RetryLoop(retryCtx)

	// A healthy write, then an outage across two writes.
	if _, err := rec.Record(ctx, types.TriggerVoice, "one", nil, "r1", types.ReplyComplete); err != nil {
		t.Fatal(err)
	}
	st.SetFailWrites(errors.New("disk full"))
	in, err := rec.Record(ctx, types.TriggerVoice, "two", nil, "r2", types.ReplyComplete)
	if !errors.Is(err, core.ErrRecordingDegraded) {
		t.Fatalf("degraded write error = %v, want ErrRecordingDegraded", err)
	}
	if in.Seq != 2 {
		t.Fatalf("retained interaction seq = %d, want 2", in.Seq)
	}
	if _, err := rec.Record(ctx, types.TriggerPrompt, "three", nil, "r3", types.ReplyComplete); !errors.Is(err, core.ErrRecordingDegraded) {
		t.Fatalf("write behind backlog error = %v, want ErrRecordingDegraded", err)
	}

	if !rec.Degraded() || rec.Pending() != 2 {
		t.Fatalf("degraded=%v pending=%d, want degraded with 2 retained", rec.Degraded(), rec.Pending())
	}

	// Storage recovers; the retained interactions flush via the retry loop.
	st.SetFailWrites(nil)
	waitUntil(t, time.Second, func() bool { return rec.Pending() == 0 })

	list, err := st.ListInteractions(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("persisted %d interactions, want 3 with no duplicates", len(list))
	}
	for i, in := range list {
		if in.Seq != int64(i+1) {
			t.Errorf("seq at %d = %d, want %d", i, in.Seq, i+1)
		}
	}

	var degraded, recovered int
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			switch ev.(type) {
			case *RecordingDegradedEvent:
				degraded++
			case *RecordingRecoveredEvent:
				recovered++
			}
		case <-drain:
			if degraded == 0 {
				t.Error("no RecordingDegraded event published")
			}
			if recovered != 1 {
				t.Errorf("RecordingRecovered published %d times, want 1", recovered)
			}
			return
		}
	}
}

func TestRecorder_RecoveryPreservesAppendOrder(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	sess, err := rec.Begin(ctx, "p1", "test")
	if err != nil {
		t.Fatal(err)
	}

	// No retry loop is running, so only Record itself can move the
	// retained interaction into the store.
	st.SetFailWrites(errors.New("outage"))
	if _, err := rec.Record(ctx, types.TriggerVoice, "first", nil, "r1", types.ReplyComplete); !errors.Is(err, core.ErrRecordingDegraded) {
		t.Fatalf("outage write error = %v, want ErrRecordingDegraded", err)
	}
	st.SetFailWrites(nil)

	if _, err := rec.Record(ctx, types.TriggerVoice, "second", nil, "r2", types.ReplyComplete); err != nil {
		t.Fatalf("post-recovery write returned %v", err)
	}

	list, err := st.ListInteractions(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("persisted %d interactions, want the retained one flushed ahead of the new one", len(list))
	}
	if list[0].Content != "first" || list[1].Content != "second" {
		t.Errorf("persisted order = %q, %q; want first, second", list[0].Content, list[1].Content)
	}
	if rec.Pending() != 0 {
		t.Errorf("pending = %d after recovery, want 0", rec.Pending())
	}
}

func TestRecorder_FinalizeFlushesRetained(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	sess, err := rec.Begin(ctx, "p1", "test")
	if err != nil {
		t.Fatal(err)
	}

	st.SetFailWrites(errors.New("outage"))
	_, _ = rec.Record(ctx, types.TriggerVoice, "held", nil, "r", types.ReplyComplete)
	st.SetFailWrites(nil)

	if err := rec.Finalize(ctx, "done"); err != nil {
		t.Fatalf("finalize with recovered store returned %v", err)
	}
	list, _ := st.ListInteractions(ctx, sess.ID)
	if len(list) != 1 {
		t.Errorf("persisted %d interactions at finalize, want 1", len(list))
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if got.EndedAt == nil {
		t.Error("session end time not stamped")
	}
}

func TestRecorder_FinalizeReportsUnflushedInteractions(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	if _, err := rec.Begin(ctx, "p1", "test"); err != nil {
		t.Fatal(err)
	}
	st.SetFailWrites(errors.New("outage"))
	_, _ = rec.Record(ctx, types.TriggerVoice, "lost", nil, "r", types.ReplyComplete)

	err := rec.Finalize(ctx, "done")
	if err == nil {
		t.Fatal("finalize succeeded with unflushable interactions")
	}
	if !errors.Is(err, core.ErrRecordingDegraded) {
		t.Errorf("error = %v, want to wrap ErrRecordingDegraded", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
