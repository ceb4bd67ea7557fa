// Package googlespeech implements stt.Recognizer on top of Google Cloud
// Speech-to-Text.
//
// The adapter prefers the v2 streaming API and demotes itself to v1 for the
// remainder of the session when v2 is structurally unavailable (permission
// denied, API not enabled for the project, unauthenticated). Timeout-class
// errors are treated as transient on either version: the current version is
// restarted under an exponential backoff that stays near-instant for
// isolated drops and caps out during sustained instability.
//
// A small ring of recent audio chunks is retained so that, after a restart,
// the reconnect window can be bridged by replaying the most recent audio
// into the new stream.
package googlespeech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/interviewlift/liftd/pkg/provider/stt"
)

// APIVersion identifies which Speech-to-Text streaming protocol a session
// uses.
type APIVersion int

const (
	// APIv2 is the preferred, newer streaming protocol.
	APIv2 APIVersion = iota

	// APIv1 is the older, universally available streaming protocol used as
	// the structural fallback.
	APIv1
)

// String returns the short protocol label used in logs.
func (v APIVersion) String() string {
	if v == APIv1 {
		return "v1"
	}
	return "v2"
}

// ErrNoCredentials is returned by New when no service-account credentials
// are configured. This is fatal for the whole pipeline: no audio can be
// processed without a recognizer.
var ErrNoCredentials = errors.New("googlespeech: no credentials configured")

// ErrMalformedCredentials is returned by New when the configured credentials
// cannot be parsed as a service-account key.
var ErrMalformedCredentials = errors.New("googlespeech: malformed credentials")

// RestartPolicy holds the restart/backoff tuning for a recognizer. The
// values are behavioural, not derived — they exist as fields precisely so
// deployments can adjust them without a rebuild.
type RestartPolicy struct {
	// BaseDelay is the near-immediate delay applied to isolated restarts.
	// Default 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff during sustained instability. Default 5s.
	MaxDelay time.Duration

	// GraceRestarts is how many consecutive restarts run at BaseDelay before
	// exponential backoff kicks in. Default 3.
	GraceRestarts int

	// StabilityWindow is how long the adapter must run without a restart
	// before the restart counter resets to zero. Default 2m.
	StabilityWindow time.Duration

	// SessionMaxAge is the wall-clock age at which a session is rolled over.
	// The age is checked lazily when a recognition event arrives, never via
	// a dedicated timer, so an idle stream does not trigger restarts.
	// Default 2h.
	SessionMaxAge time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.GraceRestarts <= 0 {
		p.GraceRestarts = 3
	}
	if p.StabilityWindow <= 0 {
		p.StabilityWindow = 2 * time.Minute
	}
	if p.SessionMaxAge <= 0 {
		p.SessionMaxAge = 2 * time.Hour
	}
	return p
}

// Delay returns the backoff delay before restart number n (1-based).
// Restarts within the grace budget run at BaseDelay; beyond it the delay
// doubles per restart, capped at MaxDelay.
func (p RestartPolicy) Delay(n int) time.Duration {
	if n <= p.GraceRestarts {
		return p.BaseDelay
	}
	d := p.BaseDelay << uint(n-p.GraceRestarts)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Hooks are optional observability callbacks. All fields may be nil.
type Hooks struct {
	// OnRestart is invoked when a session restart is scheduled, with a short
	// reason label ("timeout", "stream-error", "session-age").
	OnRestart func(reason string)

	// OnFallback is invoked once when the adapter demotes from v2 to v1.
	OnFallback func()
}

// Config configures a Recognizer.
type Config struct {
	// CredentialsFile is the path to a service-account JSON key. Ignored if
	// CredentialsJSON is set.
	CredentialsFile string

	// CredentialsJSON is the raw service-account key.
	CredentialsJSON []byte

	// Language is the BCP-47 recognition language. Default "en-US".
	Language string

	// Model selects the recognition model. Default "latest_long".
	Model string

	// SampleRate is the PCM sample rate in Hz. Default 16000. Audio is
	// expected as 16-bit signed little-endian mono.
	SampleRate int

	// Restart holds the restart/backoff tuning.
	Restart RestartPolicy

	// BridgeChunks is how many recent audio chunks are retained for replay
	// into a freshly restarted stream. Default 10 (~1s at 100ms chunks).
	BridgeChunks int

	// Hooks are optional observability callbacks.
	Hooks Hooks

	// Timers arms and releases the restart backoff timer. A session-scoped
	// owner can supply itself here so a pending restart is swept together
	// with the rest of the session's resources. Nil uses plain
	// [time.AfterFunc].
	Timers TimerOwner
}

// TimerOwner is the subset of timer tracking the recognizer needs.
type TimerOwner interface {
	AfterFunc(d time.Duration, fn func()) *time.Timer
	StopTimer(t *time.Timer)
}

// stdTimers is the untracked fallback [TimerOwner].
type stdTimers struct{}

func (stdTimers) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, fn)
}

func (stdTimers) StopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Model == "" {
		c.Model = "latest_long"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.BridgeChunks <= 0 {
		c.BridgeChunks = 10
	}
	if c.Timers == nil {
		c.Timers = stdTimers{}
	}
	c.Restart = c.Restart.withDefaults()
	return c
}

// stream is one live bidirectional recognition stream.
type stream interface {
	send(chunk []byte) error
	recv() ([]stt.Transcript, error)
	close() error
}

// dialer opens a stream for a given protocol version. The production dialer
// wraps the two Google SDK clients; tests inject scripted implementations.
type dialer interface {
	dial(ctx context.Context, version APIVersion) (stream, error)
}

// Recognizer implements stt.Recognizer backed by Google Cloud
// Speech-to-Text. Obtain one via [New].
//
// All methods are safe for concurrent use. Connection state transitions are
// serialised by a mutex plus a session generation counter so that a receive
// goroutine belonging to a torn-down session can never mutate the state of
// its successor.
type Recognizer struct {
	cfg  Config
	dial dialer

	events chan stt.Event

	mu              sync.Mutex
	started         bool
	ready           bool
	version         APIVersion
	restartCount    int
	lastRestartAt   time.Time
	streamStartedAt time.Time
	cur             stream
	gen             int
	restartTimer    *time.Timer
	bridge          [][]byte
	runCtx          context.Context
	runCancel       context.CancelFunc
}

// Compile-time interface assertion.
var _ stt.Recognizer = (*Recognizer)(nil)

// New constructs a Recognizer from cfg. It fails permanently when
// credentials are absent ([ErrNoCredentials]) or cannot be parsed as a
// service-account key ([ErrMalformedCredentials]); callers must treat either
// as fatal for the pipeline.
func New(cfg Config) (*Recognizer, error) {
	cfg = cfg.withDefaults()
	d, err := newGoogleDialer(cfg)
	if err != nil {
		return nil, err
	}
	return newWithDialer(cfg, d), nil
}

// newWithDialer is the seam used by tests to inject scripted streams.
func newWithDialer(cfg Config, d dialer) *Recognizer {
	return &Recognizer{
		cfg:    cfg.withDefaults(),
		dial:   d,
		events: make(chan stt.Event, 64),
	}
}

// Events implements stt.Recognizer.
func (r *Recognizer) Events() <-chan stt.Event {
	return r.events
}

// Start implements stt.Recognizer. The first call opens a v2 stream and
// emits EventReady once audio can be forwarded; subsequent calls while
// started are no-ops.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.version = APIv2
	r.restartCount = 0
	r.lastRestartAt = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	r.runCtx = ctx
	r.runCancel = cancel
	r.mu.Unlock()

	go r.connect(ctx)
	return nil
}

// Stop implements stt.Recognizer. It tears down the live stream, cancels
// any pending restart, and resets all restart bookkeeping. Safe to call when
// already stopped.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.ready = false
	r.restartCount = 0
	r.gen++
	if r.restartTimer != nil {
		r.cfg.Timers.StopTimer(r.restartTimer)
		r.restartTimer = nil
	}
	if r.runCancel != nil {
		r.runCancel()
		r.runCancel = nil
	}
	if r.cur != nil {
		_ = r.cur.close()
		r.cur = nil
	}
	r.bridge = nil
	return nil
}

// ProcessChunk implements stt.Recognizer. Chunks arriving while the stream
// is restarting are retained in the bridge ring but not forwarded; send
// failures are logged and never interrupt the stream.
func (r *Recognizer) ProcessChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	r.pushBridge(chunk)
	if !r.ready || r.cur == nil {
		r.mu.Unlock()
		slog.Warn("googlespeech: dropping chunk, recognizer not ready")
		return
	}
	s := r.cur
	r.mu.Unlock()

	if err := s.send(chunk); err != nil {
		slog.Warn("googlespeech: send chunk failed", "error", err)
	}
}

// pushBridge appends chunk to the bridge ring. Must be called with r.mu held.
func (r *Recognizer) pushBridge(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.bridge = append(r.bridge, cp)
	if len(r.bridge) > r.cfg.BridgeChunks {
		r.bridge = r.bridge[len(r.bridge)-r.cfg.BridgeChunks:]
	}
}

// connect dials a stream for the current protocol version and, on success,
// marks the recognizer ready, replays bridged audio, and spawns the receive
// loop. Structural dial errors demote v2 to v1 and redial immediately;
// transient errors go through the restart schedule.
func (r *Recognizer) connect(ctx context.Context) {
	for {
		r.mu.Lock()
		if !r.started || ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		version := r.version
		r.mu.Unlock()

		s, err := r.dial.dial(ctx, version)
		if err == nil {
			r.adopt(ctx, s, version)
			return
		}

		if isStructural(err) && version == APIv2 {
			r.demote(err)
			continue
		}

		slog.Warn("googlespeech: dial failed",
			"version", version.String(), "error", err)
		r.scheduleRestart(ctx, "dial-error")
		return
	}
}

// adopt installs s as the current stream, signals readiness, replays the
// bridge, and starts the receive loop.
func (r *Recognizer) adopt(ctx context.Context, s stream, version APIVersion) {
	r.mu.Lock()
	if !r.started || ctx.Err() != nil {
		r.mu.Unlock()
		_ = s.close()
		return
	}
	r.cur = s
	r.ready = true
	r.streamStartedAt = time.Now()
	r.gen++
	gen := r.gen
	replay := make([][]byte, len(r.bridge))
	copy(replay, r.bridge)
	r.mu.Unlock()

	slog.Info("googlespeech: stream ready", "version", version.String())
	r.emit(ctx, stt.Event{Type: stt.EventReady})

	// Bridge the reconnect gap with the most recent audio.
	for _, chunk := range replay {
		if err := s.send(chunk); err != nil {
			slog.Warn("googlespeech: bridge replay failed", "error", err)
			break
		}
	}

	go r.receiveLoop(ctx, s, gen)
}

// receiveLoop pulls recognition results from s until the stream dies or is
// superseded. It owns the lazy session-age check: when a result arrives on a
// stream older than SessionMaxAge, the result is still delivered and then
// the session is rolled over.
func (r *Recognizer) receiveLoop(ctx context.Context, s stream, gen int) {
	for {
		results, err := s.recv()
		if ctx.Err() != nil || r.stale(gen) {
			return
		}
		if err != nil {
			r.handleStreamError(ctx, err)
			return
		}

		for _, tr := range results {
			r.emit(ctx, stt.Event{Type: stt.EventTranscript, Transcript: tr})
		}

		r.mu.Lock()
		aged := time.Since(r.streamStartedAt) > r.cfg.Restart.SessionMaxAge
		r.mu.Unlock()
		if aged {
			slog.Info("googlespeech: session exceeded max age, rolling over")
			r.scheduleRestart(ctx, "session-age")
			return
		}
	}
}

// handleStreamError routes a mid-stream error to fallback or restart.
// Compatibility errors are structural — demote and redial immediately.
// Everything else (timeouts included) is transient — restart the same
// version through the backoff schedule.
func (r *Recognizer) handleStreamError(ctx context.Context, err error) {
	r.mu.Lock()
	version := r.version
	r.mu.Unlock()

	if isStructural(err) && version == APIv2 {
		r.teardownCurrent()
		r.demote(err)
		go r.connect(ctx)
		return
	}

	reason := "stream-error"
	if isTimeout(err) {
		reason = "timeout"
	}
	slog.Warn("googlespeech: stream error",
		"version", version.String(), "reason", reason, "error", err)
	r.scheduleRestart(ctx, reason)
}

// demote switches the session to the v1 protocol for the remainder of the
// session. The adapter never attempts to upgrade back.
func (r *Recognizer) demote(cause error) {
	r.mu.Lock()
	r.version = APIv1
	r.mu.Unlock()
	slog.Warn("googlespeech: v2 unavailable, falling back to v1", "cause", cause)
	if r.cfg.Hooks.OnFallback != nil {
		r.cfg.Hooks.OnFallback()
	}
}

// teardownCurrent closes and clears the live stream without scheduling a
// restart.
func (r *Recognizer) teardownCurrent() {
	r.mu.Lock()
	r.ready = false
	r.gen++
	if r.cur != nil {
		_ = r.cur.close()
		r.cur = nil
	}
	r.mu.Unlock()
}

// scheduleRestart tears down the live stream and arms a one-shot timer that
// redials after the policy delay. The restart counter resets to zero when
// the previous restart lies beyond the stability window.
func (r *Recognizer) scheduleRestart(ctx context.Context, reason string) {
	r.mu.Lock()
	if !r.started || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.ready = false
	r.gen++
	if r.cur != nil {
		_ = r.cur.close()
		r.cur = nil
	}

	now := time.Now()
	if !r.lastRestartAt.IsZero() && now.Sub(r.lastRestartAt) > r.cfg.Restart.StabilityWindow {
		r.restartCount = 0
	}
	r.restartCount++
	r.lastRestartAt = now
	delay := r.cfg.Restart.Delay(r.restartCount)
	count := r.restartCount

	if r.restartTimer != nil {
		r.cfg.Timers.StopTimer(r.restartTimer)
	}
	r.restartTimer = r.cfg.Timers.AfterFunc(delay, func() {
		r.connect(ctx)
	})
	r.mu.Unlock()

	slog.Info("googlespeech: restart scheduled",
		"reason", reason, "attempt", count, "delay", delay)
	if r.cfg.Hooks.OnRestart != nil {
		r.cfg.Hooks.OnRestart(reason)
	}
}

// stale reports whether gen belongs to a superseded session.
func (r *Recognizer) stale(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen != r.gen
}

// emit delivers e to the event channel unless the run context has ended.
func (r *Recognizer) emit(ctx context.Context, e stt.Event) {
	select {
	case r.events <- e:
	case <-ctx.Done():
	}
}

// Version returns the protocol version the next stream will use. Exposed
// for tests and diagnostics.
func (r *Recognizer) Version() APIVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// isStructural reports whether err indicates the protocol version itself is
// unusable (unauthorised, not enabled, unsupported) rather than a transient
// fault.
func isStructural(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented, codes.NotFound:
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not available") || strings.Contains(msg, "has not been used")
}

// isTimeout reports whether err is a timeout-class fault.
func isTimeout(err error) bool {
	if status.Code(err) == codes.DeadlineExceeded {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// String implements fmt.Stringer for log-friendly state dumps.
func (r *Recognizer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("googlespeech(version=%s started=%t ready=%t restarts=%d)",
		r.version, r.started, r.ready, r.restartCount)
}
