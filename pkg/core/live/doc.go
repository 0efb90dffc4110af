// Package live implements the continuous perception and session-recording
// pipeline behind StageWhisper.
//
// The pipeline watches two always-on inputs, detects the moments worth acting
// on, and turns each into one recorded exchange with the AI endpoint.
//
// # Architecture
//
// The package provides several core components:
//
//   - Orchestrator: Coordinates the full pipeline and serializes turns
//   - Segmenter: Detects bounded speech segments in the microphone stream
//   - ScreenSampler: Keeps a periodically refreshed screen capture
//   - Assembler: Renders the profile snapshot into the system context and
//     builds per-turn request envelopes
//   - Recorder: The single writer of the gap-free session interaction log
//   - Feed: Ordered pub/sub delivery of pipeline events to observers
//
// # Data Flow
//
//	Mic Frames → Segmenter → Transcriber → Turn Queue → Session Client
//	                                           ↑             │
//	Screen ───→ Sampler ───→ Assembler ────────┘       Reply Deltas
//	                                                         │
//	                              Recorder ← resolved turn ──┘
//
// # State Machine
//
// A session progresses through these states:
//
//	CONFIGURING → STARTING → RUNNING → STOPPING → CLOSED
//
// STARTING covers the window between session start and the endpoint's ready
// acknowledgment; triggers raised then are queued, never sent early.
//
// # Usage
//
//	cfg := live.DefaultPipelineConfig()
//	orch := live.NewOrchestrator(cfg, live.OrchestratorDeps{
//	    Client:    client,
//	    Recorder:  recorder,
//	    Feed:      feed,
//	    Sampler:   sampler,
//	    Segmenter: segmenter,
//	    Assembler: assembler,
//	})
//
//	events, cancel := feed.Subscribe(256)
//	defer cancel()
//
//	if err := orch.Start(ctx, profileID, title); err != nil {
//	    return err
//	}
//	for event := range events {
//	    switch e := event.(type) {
//	    case *live.ReplyDeltaEvent:
//	        fmt.Print(e.Delta)
//	    case *live.TurnCompletedEvent:
//	        fmt.Println("turn", e.Seq, e.Status)
//	    }
//	}
package live
