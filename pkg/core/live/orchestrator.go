package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// Orchestrator owns the live pipeline: it starts the capture producers,
// serializes triggers through a FIFO turn queue, drives the AI session
// client one turn at a time, and records every resolved turn.
//
// Shutdown is ordered: producers stop first, the in-flight turn completes,
// the recording is finalized, and only then is the client closed. Triggers
// still queued when shutdown begins are discarded.
type Orchestrator struct {
	config      PipelineConfig
	client      SessionClient
	recorder    *Recorder
	feed        *Feed
	sampler     *ScreenSampler
	segmenter   *Segmenter
	transcriber Transcriber
	assembler   *Assembler
	metrics     *Metrics
	logger      *slog.Logger
	openAudio   OpenSourceFunc

	mu    sync.Mutex
	state SessionState

	queue      chan *turn
	segments   chan types.AudioSegment
	stopCh     chan struct{}
	workerDone chan struct{}
	producers  sync.WaitGroup

	producerCancel context.CancelFunc
	workerStarted  bool
	wasDegraded    bool
	stopOnce       sync.Once
	stopErr        error
}

// turn is one queued trigger awaiting its exchange with the endpoint.
type turn struct {
	id          string
	env         types.RequestEnvelope
	screen      []byte
	submittedAt time.Time
}

// OrchestratorDeps are the collaborators the orchestrator is built from.
type OrchestratorDeps struct {
	Client      SessionClient
	Recorder    *Recorder
	Feed        *Feed
	Sampler     *ScreenSampler
	Segmenter   *Segmenter
	Transcriber Transcriber
	Assembler   *Assembler
	Metrics     *Metrics
	Logger      *slog.Logger
	OpenAudio   OpenSourceFunc
}

// NewOrchestrator creates an orchestrator from its collaborators.
func NewOrchestrator(config PipelineConfig, deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := config.TurnQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Orchestrator{
		config:      config,
		client:      deps.Client,
		recorder:    deps.Recorder,
		feed:        deps.Feed,
		sampler:     deps.Sampler,
		segmenter:   deps.Segmenter,
		transcriber: deps.Transcriber,
		assembler:   deps.Assembler,
		metrics:     deps.Metrics,
		logger:      logger,
		openAudio:   deps.OpenAudio,
		state:       StateConfiguring,
		queue:       make(chan *turn, queueSize),
		segments:    make(chan types.AudioSegment, 8),
		stopCh:      make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(to SessionState) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from != to {
		o.feed.Publish(&StateChangedEvent{From: from, To: to})
	}
}

// Start creates the session recording, brings up the capture producers, and
// opens the client session. It blocks until the endpoint has acknowledged
// readiness; triggers raised in the meantime are queued, not sent.
func (o *Orchestrator) Start(ctx context.Context, profileID, title string) error {
	o.mu.Lock()
	if o.state != StateConfiguring {
		o.mu.Unlock()
		return core.NewProtocolFault("orchestrator.start", "pipeline already started", nil)
	}
	o.mu.Unlock()

	sess, err := o.recorder.Begin(ctx, profileID, title)
	if err != nil {
		return err
	}
	o.setState(StateStarting)
	o.logger.Info("session started", "session_id", sess.ID, "profile_id", profileID)

	producerCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.producerCancel = cancel
	o.mu.Unlock()

	o.startProducers(producerCtx)

	if err := o.client.Open(ctx, o.assembler.SystemContext()); err != nil {
		o.logger.Error("session open failed", "error", err)
		cancel()
		o.producers.Wait()
		_ = o.recorder.Finalize(context.Background(), "start_failed")
		o.feed.Close()
		o.setState(StateClosed)
		return err
	}

	o.setState(StateRunning)
	o.feed.Publish(&SessionStartedEvent{SessionID: sess.ID, ProfileID: profileID})
	o.mu.Lock()
	o.workerStarted = true
	o.mu.Unlock()
	go o.worker()
	return nil
}

// startProducers launches the segmenter, screen sampler, recorder retry
// loop, and the voice pipeline worker.
func (o *Orchestrator) startProducers(ctx context.Context) {
	if o.segmenter != nil && o.openAudio != nil {
		o.segmenter.SetCallbacks(
			func(startedAt time.Time) {
				o.feed.Publish(&SpeechStartedEvent{StartedAt: startedAt})
			},
			func(seg types.AudioSegment, forced bool) {
				o.feed.Publish(&SegmentCommittedEvent{Segment: seg, Forced: forced})
				if o.metrics != nil {
					o.metrics.RecordSegment(forced, seg.Duration())
					o.metrics.AudioBytesTotal.Add(float64(len(seg.PCM)))
				}
				select {
				case o.segments <- seg:
				default:
					o.logger.Warn("segment queue full, dropping speech segment",
						"duration_ms", seg.Duration().Milliseconds())
				}
			},
			func(err error, backoffMs int) {
				if o.metrics != nil {
					o.metrics.DeviceFaultsTotal.Inc()
				}
				o.feed.Publish(&DeviceFaultEvent{Message: err.Error(), BackoffMs: backoffMs})
			},
		)
		o.producers.Add(1)
		go func() {
			defer o.producers.Done()
			_ = o.segmenter.Run(ctx, o.openAudio)
		}()
	}

	if o.sampler != nil {
		o.sampler.SetOnSample(func(s types.ScreenSample) {
			if o.metrics != nil {
				o.metrics.RecordScreenSample(true)
			}
			o.feed.Publish(&ScreenSampledEvent{CapturedAt: s.CapturedAt, Bytes: len(s.PNG)})
		})
		o.sampler.SetOnError(func(err error) {
			if o.metrics != nil {
				o.metrics.RecordScreenSample(false)
			}
		})
		o.producers.Add(1)
		go func() {
			defer o.producers.Done()
			_ = o.sampler.Run(ctx)
		}()
	}

	o.producers.Add(1)
	go func() {
		defer o.producers.Done()
		o.recorder.RetryLoop(ctx)
	}()

	// Transcription runs serially off the capture path so voice turns keep
	// their commit order without stalling frame processing.
	o.producers.Add(1)
	go func() {
		defer o.producers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case seg := <-o.segments:
				o.handleSegment(ctx, seg)
			}
		}
	}()
}

// handleSegment transcribes one committed segment and submits the voice turn.
func (o *Orchestrator) handleSegment(ctx context.Context, seg types.AudioSegment) {
	if o.transcriber == nil {
		return
	}
	text, err := o.transcriber.Transcribe(ctx, seg)
	if err != nil {
		o.logger.Warn("transcription failed, dropping segment", "error", err)
		o.feed.Publish(&ErrorEvent{Message: "transcription failed: " + err.Error()})
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.enqueue(o.assembler.AssembleVoice(text), nil)
}

// SendPrompt submits a typed prompt trigger. A fresh screen capture is
// attempted first; on failure the most recent periodic sample is used.
func (o *Orchestrator) SendPrompt(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewProtocolFault("orchestrator.prompt", "empty prompt", nil)
	}

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state != StateStarting && state != StateRunning {
		return core.ErrSessionClosed
	}

	var (
		sample types.ScreenSample
		have   bool
	)
	if o.sampler != nil {
		if s, err := o.sampler.CaptureNow(ctx); err == nil {
			sample, have = s, true
		} else {
			sample, have = o.sampler.Latest()
		}
	}

	env := o.assembler.AssemblePrompt(text, sample, have)
	return o.enqueue(env, env.ImagePNG)
}

// enqueue adds a trigger to the FIFO turn queue.
func (o *Orchestrator) enqueue(env types.RequestEnvelope, screen []byte) error {
	t := &turn{
		id:          uuid.NewString(),
		env:         env,
		screen:      screen,
		submittedAt: env.SubmittedAt,
	}
	select {
	case o.queue <- t:
		if o.metrics != nil {
			o.metrics.TurnQueueLen.Set(float64(len(o.queue)))
		}
		return nil
	default:
		o.feed.Publish(&ErrorEvent{Message: "turn queue full, trigger dropped", Code: "queue_full"})
		return core.NewProtocolFault("orchestrator.enqueue", "turn queue full", nil)
	}
}

// worker drains the turn queue one turn at a time. Exactly one turn is in
// flight; later triggers wait their turn, so resolution order matches
// submission order.
func (o *Orchestrator) worker() {
	defer close(o.workerDone)
	for {
		select {
		case <-o.stopCh:
			return
		case t := <-o.queue:
			// Re-check the stop signal so queued triggers are discarded
			// rather than raced against shutdown.
			select {
			case <-o.stopCh:
				return
			default:
			}
			if o.metrics != nil {
				o.metrics.TurnQueueLen.Set(float64(len(o.queue)))
			}
			o.processTurn(t)
		}
	}
}

// processTurn runs one exchange: send, consume the streamed reply, record
// the interaction, and publish the resolution.
func (o *Orchestrator) processTurn(t *turn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(o.config.TurnTimeoutMs)*time.Millisecond)
	defer cancel()

	o.feed.Publish(&TurnStartedEvent{TurnID: t.id, Kind: t.env.Kind, Text: t.env.Text})

	reply, status := o.exchange(ctx, t)

	recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recCancel()
	in, err := o.recorder.Record(recCtx, t.env.Kind, t.env.Text, t.screen, reply, status)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrSessionClosed):
			return
		case errors.Is(err, core.ErrRecordingDegraded):
			// The interaction kept its sequence number and is retained
			// for retry; the turn still resolves normally.
			o.logger.Warn("session store degraded, interaction retained", "seq", in.Seq)
		default:
			o.logger.Error("failed to record interaction", "error", err)
		}
	}

	if o.metrics != nil {
		o.metrics.RecordTurn(string(t.env.Kind), string(status), time.Since(t.submittedAt))
		o.metrics.InteractionsTotal.WithLabelValues(string(t.env.Kind)).Inc()
		o.metrics.RecordingRetained.Set(float64(o.recorder.Pending()))
		degraded := o.recorder.Degraded()
		if degraded && !o.wasDegraded {
			o.metrics.RecordingDegradedTs.Inc()
		}
		o.wasDegraded = degraded
	}
	o.feed.Publish(&TurnCompletedEvent{
		TurnID: t.id,
		Status: status,
		Reply:  reply,
		Seq:    in.Seq,
	})
}

// exchange performs the send and stream-consume cycle with bounded retry.
// Only a turn with no received deltas is retried; once the reply has begun
// streaming, an early termination resolves as partial.
func (o *Orchestrator) exchange(ctx context.Context, t *turn) (string, types.ReplyStatus) {
	backoffMs := o.config.RetryBackoffMs
	if backoffMs <= 0 {
		backoffMs = 500
	}

	var reply strings.Builder
	for attempt := 0; ; attempt++ {
		stream, err := o.client.Send(ctx, t.env)
		if err != nil {
			if o.retryable(err) && attempt < o.config.MaxRetries {
				if !sleepCtx(ctx, backoffMs) {
					return reply.String(), types.ReplyFailed
				}
				backoffMs *= 2
				continue
			}
			o.logger.Error("turn failed", "turn_id", t.id, "attempts", attempt+1, "error", err)
			return reply.String(), types.ReplyFailed
		}

		gotDelta := false
		for {
			delta, err := stream.Next()
			if err == nil {
				gotDelta = true
				reply.WriteString(delta)
				o.feed.Publish(&ReplyDeltaEvent{TurnID: t.id, Delta: delta})
				continue
			}
			_ = stream.Close()
			if errors.Is(err, io.EOF) {
				return reply.String(), types.ReplyComplete
			}
			if gotDelta {
				o.logger.Warn("reply stream ended early", "turn_id", t.id, "error", err)
				return reply.String(), types.ReplyPartial
			}
			if o.retryable(err) && attempt < o.config.MaxRetries {
				if !sleepCtx(ctx, backoffMs) {
					return reply.String(), types.ReplyFailed
				}
				backoffMs *= 2
				break
			}
			o.logger.Error("turn failed", "turn_id", t.id, "attempts", attempt+1, "error", err)
			return reply.String(), types.ReplyFailed
		}
	}
}

func (o *Orchestrator) retryable(err error) bool {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// sleepCtx waits the given milliseconds or until the context is done.
func sleepCtx(ctx context.Context, ms int) bool {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop shuts the pipeline down in order: capture producers stop, the
// in-flight turn completes, the recording is finalized, and the client is
// closed. Triggers still waiting in the queue are discarded. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.setState(StateStopping)

		o.mu.Lock()
		cancel := o.producerCancel
		workerStarted := o.workerStarted
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.producers.Wait()

		close(o.stopCh)
		if workerStarted {
			select {
			case <-o.workerDone:
			case <-ctx.Done():
				o.stopErr = ctx.Err()
			}
		}

		if dropped := len(o.queue); dropped > 0 {
			o.logger.Info("discarding queued triggers on shutdown", "count", dropped)
		}

		ferr := o.recorder.Finalize(ctx, "stopped")
		cerr := o.client.Close()
		o.feed.Close()

		if o.stopErr == nil {
			if ferr != nil {
				o.stopErr = ferr
			} else if cerr != nil {
				o.stopErr = cerr
			}
		}
		o.setState(StateClosed)
	})
	return o.stopErr
}
