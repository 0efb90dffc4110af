// Command stagewhisper runs the live perception pipeline: it listens to the
// microphone, samples the screen, streams detected speech and typed prompts
// to an AI endpoint, and records every exchange to a local session log.
//
// Typed prompts are read from stdin, one per line. SIGINT or SIGTERM shuts
// the session down in order and finalizes the recording.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stagewhisper/stagewhisper/internal/dotenv"
	"github.com/stagewhisper/stagewhisper/pkg/client"
	"github.com/stagewhisper/stagewhisper/pkg/core/live"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
	"github.com/stagewhisper/stagewhisper/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := dotenv.Load(); err != nil {
		return err
	}
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := live.PipelineConfigFromEnv()
	if err != nil {
		return err
	}

	endpoint := os.Getenv("STAGEWHISPER_ENDPOINT_URL")
	if endpoint == "" {
		return fmt.Errorf("STAGEWHISPER_ENDPOINT_URL is required")
	}
	sttURL := os.Getenv("STAGEWHISPER_STT_URL")
	if sttURL == "" {
		return fmt.Errorf("STAGEWHISPER_STT_URL is required")
	}
	apiKey := os.Getenv("STAGEWHISPER_API_KEY")

	profile, err := loadProfile(os.Getenv("STAGEWHISPER_PROFILE_FILE"))
	if err != nil {
		return err
	}

	dbPath := os.Getenv("STAGEWHISPER_DB_PATH")
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	feed := live.NewFeed(logger)
	metrics := live.NewMetrics("stagewhisper")
	recorder := live.NewRecorder(st, feed, logger, cfg.ScreenshotDir)
	segmenter := live.NewSegmenter(cfg.Segmenter, cfg.Audio)
	sampler := live.NewScreenSampler(cfg.Sampler, captureScreen, logger)
	assembler := live.NewAssembler(profile, cfg.AttachScreenToPrompts)
	transcriber := newHTTPTranscriber(sttURL, apiKey, cfg.Audio)

	sessionClient := client.New(client.Config{
		URL:              endpoint,
		APIKey:           apiKey,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
		Logger:           logger,
	})

	orch := live.NewOrchestrator(cfg, live.OrchestratorDeps{
		Client:      sessionClient,
		Recorder:    recorder,
		Feed:        feed,
		Sampler:     sampler,
		Segmenter:   segmenter,
		Transcriber: transcriber,
		Assembler:   assembler,
		Metrics:     metrics,
		Logger:      logger,
		OpenAudio: func(ctx context.Context) (live.AudioSource, error) {
			return openMic(cfg.Audio)
		},
	})

	if addr := os.Getenv("STAGEWHISPER_METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, metrics, logger)
	}

	events, cancelSub := feed.Subscribe(256)
	go printEvents(events)
	defer cancelSub()

	ctx := context.Background()
	title := os.Getenv("STAGEWHISPER_SESSION_TITLE")
	if title == "" {
		title = "Session " + time.Now().Format("2006-01-02 15:04")
	}
	if err := orch.Start(ctx, profile.ProfileID, title); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	promptCh := make(chan string)
	go readPrompts(promptCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return orch.Stop(stopCtx)
		case text, ok := <-promptCh:
			if !ok {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return orch.Stop(stopCtx)
			}
			if err := orch.SendPrompt(ctx, text); err != nil {
				logger.Warn("prompt rejected", "error", err)
			}
		}
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("STAGEWHISPER_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadProfile reads the profile snapshot from a JSON file, or returns an
// empty profile when no path is configured.
func loadProfile(path string) (types.ProfileContextSnapshot, error) {
	if path == "" {
		return types.ProfileContextSnapshot{ProfileID: "default"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ProfileContextSnapshot{}, fmt.Errorf("read profile file: %w", err)
	}
	var profile types.ProfileContextSnapshot
	if err := json.Unmarshal(data, &profile); err != nil {
		return types.ProfileContextSnapshot{}, fmt.Errorf("parse profile file %q: %w", path, err)
	}
	if profile.ProfileID == "" {
		profile.ProfileID = "default"
	}
	return profile, nil
}

func serveMetrics(addr string, metrics *live.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// readPrompts forwards stdin lines as prompt triggers. Closes the channel on
// EOF.
func readPrompts(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
}

// printEvents renders the live feed to stdout.
func printEvents(events <-chan live.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case *live.TurnStartedEvent:
			fmt.Printf("\n[%s] %s\n", e.Kind, e.Text)
		case *live.ReplyDeltaEvent:
			fmt.Print(e.Delta)
		case *live.TurnCompletedEvent:
			if e.Status != types.ReplyComplete {
				fmt.Printf("\n[turn %s: %s]\n", e.TurnID, e.Status)
			} else {
				fmt.Println()
			}
		case *live.RecordingDegradedEvent:
			fmt.Printf("[recording degraded: %d pending]\n", e.Pending)
		case *live.RecordingRecoveredEvent:
			fmt.Printf("[recording recovered: %d flushed]\n", e.Flushed)
		case *live.SessionClosedEvent:
			fmt.Printf("[session %s closed]\n", e.SessionID)
		}
	}
}
