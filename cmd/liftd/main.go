// Command liftd is the interview assistant daemon: it captures interviewer
// audio, streams it through Google Speech-to-Text, and races multiple LLM
// providers to suggest an answer for every finalized question. A local
// WebSocket server exposes the pipeline to the desktop UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/interviewlift/liftd/internal/archive"
	"github.com/interviewlift/liftd/internal/capture"
	"github.com/interviewlift/liftd/internal/config"
	"github.com/interviewlift/liftd/internal/health"
	"github.com/interviewlift/liftd/internal/lifecycle"
	"github.com/interviewlift/liftd/internal/observe"
	"github.com/interviewlift/liftd/internal/race"
	"github.com/interviewlift/liftd/internal/resilience"
	"github.com/interviewlift/liftd/internal/router"
	"github.com/interviewlift/liftd/internal/segment"
	"github.com/interviewlift/liftd/internal/server"
	"github.com/interviewlift/liftd/internal/session"
	"github.com/interviewlift/liftd/pkg/provider/llm"
	"github.com/interviewlift/liftd/pkg/provider/llm/anyllm"
	oaillm "github.com/interviewlift/liftd/pkg/provider/llm/openai"
	"github.com/interviewlift/liftd/pkg/provider/stt"
	"github.com/interviewlift/liftd/pkg/provider/stt/googlespeech"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	jobContext := flag.String("job-context", "", "initial job context (role and key skills)")
	flag.Parse()

	// Secrets may live in a .env next to the binary during development.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "liftd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "liftd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("liftd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "liftd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── LLM contestants ───────────────────────────────────────────────────────
	contestants, err := buildContestants(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Pipeline components ───────────────────────────────────────────────────
	reg := lifecycle.NewRegistry()

	source := capture.NewRecorder(capture.RecorderConfig{
		BinaryPath: cfg.Capture.Binary,
		Args:       cfg.Capture.Args,
		ChunkSize:  cfg.Capture.ChunkSize,
		Registry:   reg,
	})

	newRecognizer := func() (stt.Recognizer, error) {
		return googlespeech.New(googlespeech.Config{
			CredentialsFile: cfg.Speech.CredentialsFile,
			Language:        cfg.Speech.Language,
			Model:           cfg.Speech.Model,
			SampleRate:      cfg.Speech.SampleRate,
			BridgeChunks:    cfg.Speech.BridgeChunks,
			Restart: googlespeech.RestartPolicy{
				BaseDelay:       cfg.Speech.Restart.BaseDelay(),
				MaxDelay:        cfg.Speech.Restart.MaxDelay(),
				GraceRestarts:   cfg.Speech.Restart.GraceRestarts,
				StabilityWindow: cfg.Speech.Restart.StabilityWindow(),
				SessionMaxAge:   cfg.Speech.Restart.SessionMaxAge(),
			},
			Hooks: googlespeech.Hooks{
				OnRestart: func(reason string) {
					met.RecordRecognizerRestart(context.Background(), reason)
				},
				OnFallback: func() {
					met.RecognizerFallbacks.Add(context.Background(), 1)
				},
			},
			Timers: reg,
		})
	}

	// ── Transcript archive (optional) ─────────────────────────────────────────
	var guard *archive.Guard
	if cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewPostgres(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			// The archive is best-effort: a dead database must not keep the
			// assistant from starting.
			slog.Warn("archive disabled, could not connect", "err", err)
		} else {
			defer store.Close()
			guard = archive.NewGuard(store)
			slog.Info("transcript archive enabled")
		}
	}

	// ── Health checks ─────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.SpeechCredentials(cfg.Speech.CredentialsFile),
		health.Providers(len(contestants)),
		health.CaptureBinary(cfg.Capture.Binary),
	}
	if guard != nil {
		checkers = append(checkers, health.Archive(guard))
	}

	// The server needs a controller and the router needs a sink, so the
	// controller is late-bound after both exist. No client can connect (and
	// therefore no command can arrive) before the server starts serving.
	ctrl := &pipelineController{}

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.ListenAddr,
		Controller: ctrl,
		Checkers:   checkers,
		Metrics:    met,
		Log:        logger,
	})
	if err != nil {
		slog.Error("failed to create control server", "err", err)
		return 1
	}

	var sink router.Sink = srv
	if guard != nil {
		sink = archive.NewTee(sink, guard)
	}
	sink = &sessionGauge{next: sink, metrics: met}

	rt, err := router.New(router.Config{
		Source:         source,
		NewRecognizer:  newRecognizer,
		Contestants:    contestants,
		Sink:           sink,
		Segmenter:      segmenterConfig(cfg),
		History:        session.NewHistory(cfg.History.MaxPairs),
		Registry:       reg,
		PromptTemplate: cfg.Prompt.Template,
		Hooks: router.Hooks{
			OnRaceWon: func(provider string, firstChunk time.Duration) {
				met.RecordRaceWin(context.Background(), provider, firstChunk)
			},
			OnRaceFailed: func() {
				met.RaceFailures.Add(context.Background(), 1)
			},
			OnCaptureRestart: func() {
				met.CaptureRestarts.Add(context.Background(), 1)
			},
			OnUtterance: func() {
				met.Utterances.Add(context.Background(), 1)
			},
		},
		Log: logger,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "err", err)
		return 1
	}
	ctrl.router = rt

	if *jobContext != "" {
		applied, err := rt.SetJobContext(*jobContext)
		if err != nil {
			slog.Error("invalid -job-context", "err", err)
			return 1
		}
		slog.Info("job context set", "context", applied)
	}

	printStartupSummary(cfg, len(contestants), guard != nil)

	slog.Info("daemon ready — press Ctrl+C to shut down")

	// ── Serve until signalled ─────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	if stopErr := rt.Stop(true); stopErr != nil && !errors.Is(stopErr, router.ErrNotRunning) {
		slog.Warn("pipeline stop error", "err", stopErr)
	}
	reg.ReleaseAll()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildContestants instantiates every configured LLM provider, each fronted
// by its own circuit breaker. At least one provider must be configured.
func buildContestants(cfg *config.Config) ([]race.Contestant, error) {
	var contestants []race.Contestant

	add := func(id string, p llm.Provider, err error) error {
		if err != nil {
			return fmt.Errorf("create %s provider: %w", id, err)
		}
		contestants = append(contestants, race.Contestant{
			ID:       id,
			Provider: p,
			Breaker:  resilience.NewCircuitBreaker(resilience.Config{Name: id}),
		})
		slog.Info("provider configured", "name", id)
		return nil
	}

	if e := cfg.Providers.Gemini; e.Configured() {
		p, err := anyllm.NewGemini(e.Model, anyllmlib.WithAPIKey(e.APIKey))
		if err := add("gemini", p, err); err != nil {
			return nil, err
		}
	}
	if e := cfg.Providers.OpenAI; e.Configured() {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		p, err := oaillm.New(e.APIKey, e.Model, opts...)
		if err := add("openai", p, err); err != nil {
			return nil, err
		}
	}
	if e := cfg.Providers.Cerebras; e.Configured() {
		p, err := oaillm.New(e.APIKey, e.Model, oaillm.WithBaseURL(e.BaseURL))
		if err := add("cerebras", p, err); err != nil {
			return nil, err
		}
	}

	if len(contestants) == 0 {
		return nil, errors.New("no LLM provider configured — set at least one API key")
	}
	return contestants, nil
}

func segmenterConfig(cfg *config.Config) segment.Config {
	return segment.Config{
		MinImmediateLen: cfg.Segmenter.MinImmediateLen,
		MinTimedLen:     cfg.Segmenter.MinTimedLen,
		FlushDelay:      cfg.Segmenter.FlushDelay(),
		DedupThreshold:  cfg.Segmenter.DedupThreshold,
	}
}

// ── Sink decorators ───────────────────────────────────────────────────────────

// sessionGauge tracks the live-session gauge from status transitions.
type sessionGauge struct {
	next    router.Sink
	metrics *observe.Metrics

	mu   sync.Mutex
	live bool
}

func (s *sessionGauge) OnStatus(status router.Status) {
	s.mu.Lock()
	switch status {
	case router.StatusStarted:
		if !s.live {
			s.live = true
			s.metrics.ActiveSessions.Add(context.Background(), 1)
		}
	case router.StatusStopped:
		if s.live {
			s.live = false
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
	s.mu.Unlock()
	s.next.OnStatus(status)
}

func (s *sessionGauge) OnTranscript(u router.TranscriptUpdate) { s.next.OnTranscript(u) }
func (s *sessionGauge) OnSuggestion(u router.SuggestionUpdate) { s.next.OnSuggestion(u) }
func (s *sessionGauge) OnError(component string, err error)    { s.next.OnError(component, err) }

// pipelineController adapts the router to the server's controller interface.
// The router field is assigned before the server starts accepting clients.
type pipelineController struct {
	router *router.Router
}

func (p *pipelineController) Start() error              { return p.router.Start() }
func (p *pipelineController) Stop(fullReset bool) error { return p.router.Stop(fullReset) }
func (p *pipelineController) ClearHistory()             { p.router.ClearHistory() }
func (p *pipelineController) Running() bool             { return p.router.Running() }

func (p *pipelineController) SetJobContext(raw string) (string, error) {
	return p.router.SetJobContext(raw)
}

func (p *pipelineController) AnalyzeImages(ctx context.Context, images []llm.ImageData) error {
	return p.router.AnalyzeImages(ctx, images)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers int, archiveOn bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        liftd — startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Providers    : %-21d ║\n", providers)
	fmt.Printf("║  Speech model : %-21s ║\n", trim21(cfg.Speech.Model))
	fmt.Printf("║  Recorder     : %-21s ║\n", trim21(cfg.Capture.Binary))
	if archiveOn {
		fmt.Printf("║  Archive      : %-21s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive      : %-21s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr  : %-21s ║\n", trim21(cfg.Server.ListenAddr))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func trim21(s string) string {
	if len(s) > 21 {
		return s[:18] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
