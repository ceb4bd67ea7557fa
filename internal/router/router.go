// Package router owns the live pipeline: audio capture feeds the speech
// recognizer, finalized transcript flows through the utterance segmenter,
// and each dispatched utterance is raced across the configured LLM
// providers with the winner streamed to the attached sink.
//
// The router is the only component that holds mutable pipeline state
// (running flag, current recognizer, restart bookkeeping). Everything else
// is supplied via [Config] so tests can drive the whole flow with doubles.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/interviewlift/liftd/internal/capture"
	"github.com/interviewlift/liftd/internal/lifecycle"
	"github.com/interviewlift/liftd/internal/race"
	"github.com/interviewlift/liftd/internal/segment"
	"github.com/interviewlift/liftd/internal/session"
	"github.com/interviewlift/liftd/pkg/provider/llm"
	"github.com/interviewlift/liftd/pkg/provider/stt"
)

// Status is a pipeline lifecycle notification delivered to the sink.
type Status string

const (
	// StatusStarted signals that audio is flowing into a live recognizer.
	StatusStarted Status = "LIVE_TRANSCRIPTION_STARTED"

	// StatusStopped signals a deliberate or forced pipeline stop.
	StatusStopped Status = "LIVE_TRANSCRIPTION_STOPPED"

	// StatusFailedToStart signals that the pipeline could not come up.
	StatusFailedToStart Status = "LIVE_TRANSCRIPTION_FAILED_TO_START"
)

// TranscriptUpdate is a transcription fragment forwarded to the sink.
// Interim updates repaint the in-progress line; final updates are stable.
type TranscriptUpdate struct {
	Text    string
	IsFinal bool
}

// SuggestionUpdate is one step of a streamed answer suggestion. Updates
// belonging to one race share a ResponseID; a new race always gets a larger
// ID, so a sink can discard stragglers from superseded responses.
type SuggestionUpdate struct {
	Content      string
	Provider     string
	IsStreaming  bool
	IsFirstChunk bool
	IsComplete   bool
	ResponseID   uint64
}

// Sink receives everything the pipeline produces. Implementations must not
// block: the router calls these inline on its pipeline goroutines.
type Sink interface {
	OnStatus(status Status)
	OnTranscript(u TranscriptUpdate)
	OnSuggestion(u SuggestionUpdate)
	OnError(component string, err error)
}

// Typed start/stop errors.
var (
	ErrAlreadyRunning = errors.New("router: already running")
	ErrNotRunning     = errors.New("router: not running")
	ErrNoProviders    = errors.New("router: no llm providers configured")
	ErrNoJobContext   = errors.New("router: no job context set")
)

// DefaultPromptTemplate anchors every suggestion to the session's job
// context. The single %s verb receives the sanitized job context.
const DefaultPromptTemplate = "You are an expert interview assistant. " +
	"The candidate is interviewing for the following role: %s. " +
	"The latest interviewer question is the last user message. " +
	"Give a concise, confident, first-person answer the candidate can speak aloud. " +
	"Prefer concrete examples over generalities."

// Hooks are optional observability callbacks. All fields may be nil.
type Hooks struct {
	// OnRaceWon fires when a race decides, with the winning provider and
	// the latency from dispatch to first content chunk.
	OnRaceWon func(provider string, firstChunk time.Duration)

	// OnRaceFailed fires when every provider failed.
	OnRaceFailed func()

	// OnCaptureRestart fires when a crashed capture source is relaunched.
	OnCaptureRestart func()

	// OnUtterance fires for every utterance dispatched to the providers.
	OnUtterance func()
}

// Config wires a Router. Source, NewRecognizer, Contestants and Sink are
// required.
type Config struct {
	// Source supplies PCM audio.
	Source capture.Source

	// NewRecognizer builds a speech recognizer. Called on first Start and
	// again after a full reset discarded the previous instance.
	NewRecognizer func() (stt.Recognizer, error)

	// Contestants are the providers raced for every utterance.
	Contestants []race.Contestant

	// Sink receives pipeline output.
	Sink Sink

	// Segmenter tunes utterance boundary detection.
	Segmenter segment.Config

	// History, when nil, defaults to a fresh bounded history.
	History *session.History

	// JobContext, when nil, defaults to a fresh empty store.
	JobContext *session.JobContext

	// Registry, when nil, defaults to a fresh lifecycle registry.
	Registry *lifecycle.Registry

	// PromptTemplate overrides [DefaultPromptTemplate]. Must contain one %s.
	PromptTemplate string

	// MaxCaptureRestarts caps recorder relaunches per RestartWindow before
	// the pipeline gives up. Default 3.
	MaxCaptureRestarts int

	// RestartWindow is the sliding window for the capture restart cap.
	// Default 60s.
	RestartWindow time.Duration

	// Hooks are optional observability callbacks.
	Hooks Hooks

	// Log defaults to slog.Default.
	Log *slog.Logger
}

// Router drives the capture → transcription → suggestion pipeline.
// All exported methods are safe for concurrent use.
type Router struct {
	cfg    Config
	log    *slog.Logger
	races  *race.Coordinator
	seg    *segment.Accumulator
	hist   *session.History
	jobCtx *session.JobContext
	reg    *lifecycle.Registry

	respID atomic.Uint64

	mu              sync.Mutex
	running         bool
	captureUp       bool
	rec             stt.Recognizer
	runCancel       context.CancelFunc
	captureRestarts []time.Time

	dispatchMu sync.Mutex
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Source == nil {
		return nil, errors.New("router: nil capture source")
	}
	if cfg.NewRecognizer == nil {
		return nil, errors.New("router: nil recognizer factory")
	}
	if cfg.Sink == nil {
		return nil, errors.New("router: nil sink")
	}
	if len(cfg.Contestants) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.History == nil {
		cfg.History = session.NewHistory(session.DefaultMaxPairs)
	}
	if cfg.JobContext == nil {
		cfg.JobContext = session.NewJobContext()
	}
	if cfg.Registry == nil {
		cfg.Registry = lifecycle.NewRegistry()
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}
	if cfg.MaxCaptureRestarts <= 0 {
		cfg.MaxCaptureRestarts = 3
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	r := &Router{
		cfg:    cfg,
		log:    cfg.Log,
		races:  race.New(cfg.Log),
		hist:   cfg.History,
		jobCtx: cfg.JobContext,
		reg:    cfg.Registry,
	}
	if cfg.Segmenter.Timers == nil {
		cfg.Segmenter.Timers = cfg.Registry
	}
	r.seg = segment.NewAccumulator(cfg.Segmenter, func(utterance string) {
		go r.dispatch(utterance)
	})
	return r, nil
}

// ─── lifecycle ───

// Start brings the pipeline up: build (or reuse) the recognizer, start it,
// and begin pumping events. Audio capture starts once the recognizer
// reports ready. Returns [ErrAlreadyRunning] when already live; any other
// error means the pipeline did not start, and the sink has already been
// told via [StatusFailedToStart].
func (r *Router) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	if r.rec == nil {
		rec, err := r.cfg.NewRecognizer()
		if err != nil {
			r.mu.Unlock()
			r.cfg.Sink.OnStatus(StatusFailedToStart)
			return fmt.Errorf("router: build recognizer: %w", err)
		}
		r.rec = rec
	}
	rec := r.rec

	if err := rec.Start(); err != nil {
		r.mu.Unlock()
		r.cfg.Sink.OnStatus(StatusFailedToStart)
		return fmt.Errorf("router: start recognizer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	r.running = true
	r.captureUp = false
	r.captureRestarts = nil
	r.mu.Unlock()

	go r.eventLoop(ctx, rec)
	r.log.Info("pipeline starting")
	return nil
}

// Stop tears the pipeline down. With fullReset the recognizer instance is
// discarded (the factory builds a fresh one next Start), the conversation
// history is cleared, pending utterance state is dropped, and every tracked
// timer and process is released. Stopping a stopped router returns
// [ErrNotRunning]; a full reset is still honoured.
func (r *Router) Stop(fullReset bool) error {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	r.captureUp = false
	if r.runCancel != nil {
		r.runCancel()
		r.runCancel = nil
	}
	rec := r.rec
	if fullReset {
		r.rec = nil
	}
	r.mu.Unlock()

	if wasRunning {
		_ = r.cfg.Source.Stop()
	}
	if rec != nil && (wasRunning || fullReset) {
		_ = rec.Stop()
	}
	// The pending buffer and its flush timer die with every stop: a timed
	// flush after LIVE_TRANSCRIPTION_STOPPED would race an utterance the
	// user no longer expects an answer to. Only history, the job context
	// and the warm recognizer outlive a soft stop.
	r.seg.Reset()
	if fullReset {
		r.hist.Clear()
		r.reg.ReleaseAll()
	}

	if !wasRunning {
		return ErrNotRunning
	}
	r.cfg.Sink.OnStatus(StatusStopped)
	r.log.Info("pipeline stopped", "full_reset", fullReset)
	return nil
}

// ClearHistory drops the conversation history without touching the live
// pipeline.
func (r *Router) ClearHistory() {
	r.hist.Clear()
}

// SetJobContext validates and stores the session's job context.
func (r *Router) SetJobContext(raw string) (string, error) {
	return r.jobCtx.Set(raw)
}

// Running reports whether the pipeline is live.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// ─── pipeline internals ───

// eventLoop pumps recognizer events for the lifetime of one Start.
func (r *Router) eventLoop(ctx context.Context, rec stt.Recognizer) {
	events := rec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Type {
			case stt.EventReady:
				r.onRecognizerReady(ctx)
			case stt.EventTranscript:
				r.onTranscript(e.Transcript)
			}
		}
	}
}

// onRecognizerReady starts audio capture the first time the recognizer
// comes up. Later ready events (post-restart) find capture already flowing.
func (r *Router) onRecognizerReady(ctx context.Context) {
	r.mu.Lock()
	if !r.running || r.captureUp {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.startCapture(ctx); err != nil {
		r.log.Error("audio capture failed to start", "error", err)
		r.cfg.Sink.OnError("capture", err)
		r.cfg.Sink.OnStatus(StatusFailedToStart)
		_ = r.Stop(false)
		return
	}

	r.mu.Lock()
	r.captureUp = true
	r.mu.Unlock()
	r.cfg.Sink.OnStatus(StatusStarted)
	r.log.Info("live transcription started")
}

func (r *Router) startCapture(ctx context.Context) error {
	if err := r.cfg.Source.Start(ctx, r.onAudio); err != nil {
		return err
	}
	go r.watchCapture(ctx)
	return nil
}

func (r *Router) onAudio(chunk []byte) {
	r.mu.Lock()
	rec := r.rec
	running := r.running
	r.mu.Unlock()
	if running && rec != nil {
		rec.ProcessChunk(chunk)
	}
}

// watchCapture relaunches a crashed capture source, bounded by the restart
// storm guard. One watcher runs per successful startCapture; it exits when
// the source stops cleanly or the pipeline goes down.
func (r *Router) watchCapture(ctx context.Context) {
	for {
		done := r.cfg.Source.Done()
		var err error
		select {
		case <-ctx.Done():
			return
		case err = <-done:
		}
		if err == nil {
			return
		}

		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			return
		}
		now := time.Now()
		recent := r.captureRestarts[:0]
		for _, t := range r.captureRestarts {
			if now.Sub(t) < r.cfg.RestartWindow {
				recent = append(recent, t)
			}
		}
		r.captureRestarts = recent
		if len(r.captureRestarts) >= r.cfg.MaxCaptureRestarts {
			r.mu.Unlock()
			r.log.Error("capture restart storm, giving up", "error", err)
			r.cfg.Sink.OnError("capture", fmt.Errorf("capture keeps failing: %w", err))
			_ = r.Stop(false)
			return
		}
		r.captureRestarts = append(r.captureRestarts, now)
		r.mu.Unlock()

		r.log.Warn("capture source died, restarting", "error", err)
		if r.cfg.Hooks.OnCaptureRestart != nil {
			r.cfg.Hooks.OnCaptureRestart()
		}
		if startErr := r.cfg.Source.Start(ctx, r.onAudio); startErr != nil {
			r.log.Error("capture restart failed", "error", startErr)
			r.cfg.Sink.OnError("capture", startErr)
			_ = r.Stop(false)
			return
		}
	}
}

// onTranscript forwards every fragment to the sink and feeds finals into
// the segmenter. Interim results never reach the segmenter: they are
// repainted, not accumulated.
func (r *Router) onTranscript(tr stt.Transcript) {
	r.cfg.Sink.OnTranscript(TranscriptUpdate{Text: tr.Text, IsFinal: tr.IsFinal})
	if tr.IsFinal {
		r.seg.AddFinal(tr.Text)
	}
}

// dispatch races one utterance across the providers and streams the winner
// to the sink. Dispatches are serialised so history grows in utterance
// order.
func (r *Router) dispatch(utterance string) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	job := r.jobCtx.Get()
	if job == "" {
		r.log.Warn("utterance dropped, no job context set", "utterance", utterance)
		r.cfg.Sink.OnError("dispatch", ErrNoJobContext)
		return
	}

	if r.cfg.Hooks.OnUtterance != nil {
		r.cfg.Hooks.OnUtterance()
	}

	id := r.respID.Add(1)
	req := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(r.cfg.PromptTemplate, job),
		Messages: append(r.hist.Messages(), llm.Message{
			Role: llm.RoleUser, Content: utterance,
		}),
	}

	started := time.Now()
	var winnerOnce sync.Once
	res, err := r.races.Run(context.Background(), req, r.cfg.Contestants, race.Events{
		OnChunk: func(providerID, text string, first bool) {
			if first {
				winnerOnce.Do(func() {
					if r.cfg.Hooks.OnRaceWon != nil {
						r.cfg.Hooks.OnRaceWon(providerID, time.Since(started))
					}
				})
			}
			r.cfg.Sink.OnSuggestion(SuggestionUpdate{
				Content:      text,
				Provider:     providerID,
				IsStreaming:  true,
				IsFirstChunk: first,
				ResponseID:   id,
			})
		},
	})

	switch {
	case err != nil && res == nil:
		r.log.Warn("all providers failed", "error", err)
		if r.cfg.Hooks.OnRaceFailed != nil {
			r.cfg.Hooks.OnRaceFailed()
		}
		r.cfg.Sink.OnError("suggest", err)

	case err != nil:
		// Winner died mid-stream. The partial answer was already shown, so
		// close out the response and keep the exchange.
		r.log.Warn("winner failed mid-stream", "provider", res.WinnerID, "error", err)
		r.cfg.Sink.OnError("suggest", err)
		r.finishSuggestion(id, res, utterance)

	default:
		r.finishSuggestion(id, res, utterance)
	}
}

// screenshotPrompt is the user turn recorded for an image analysis request.
const screenshotPrompt = "Analyze the attached screenshot and solve the problem it shows."

// AnalyzeImages races a blocking vision completion across the providers:
// the first full response wins. The winner is delivered as a single
// complete suggestion and recorded in the history like a spoken exchange.
// Requires a job context, same as spoken utterances.
func (r *Router) AnalyzeImages(ctx context.Context, images []llm.ImageData) error {
	if len(images) == 0 {
		return errors.New("router: no images")
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	job := r.jobCtx.Get()
	if job == "" {
		r.cfg.Sink.OnError("analyze", ErrNoJobContext)
		return ErrNoJobContext
	}

	id := r.respID.Add(1)
	req := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(r.cfg.PromptTemplate, job),
		Messages: append(r.hist.Messages(), llm.Message{
			Role: llm.RoleUser, Content: screenshotPrompt,
		}),
		Images: images,
	}

	started := time.Now()
	res, err := r.races.RunCompletion(ctx, req, r.cfg.Contestants)
	if err != nil {
		r.log.Warn("image analysis failed", "error", err)
		if r.cfg.Hooks.OnRaceFailed != nil {
			r.cfg.Hooks.OnRaceFailed()
		}
		r.cfg.Sink.OnError("analyze", err)
		return err
	}

	if r.cfg.Hooks.OnRaceWon != nil {
		r.cfg.Hooks.OnRaceWon(res.WinnerID, time.Since(started))
	}
	r.finishSuggestion(id, res, screenshotPrompt)
	return nil
}

func (r *Router) finishSuggestion(id uint64, res *race.Result, utterance string) {
	r.cfg.Sink.OnSuggestion(SuggestionUpdate{
		Content:    res.Content,
		Provider:   res.WinnerID,
		IsComplete: true,
		ResponseID: id,
	})
	if res.Content != "" {
		r.hist.AppendExchange(utterance, res.Content)
	}
}
