// Package segment turns a stream of finalized transcript segments into
// dispatched utterances.
//
// Recognition finals arrive as fragments: sometimes a full sentence,
// sometimes a few words that the recognizer finalized early. The
// [Accumulator] joins consecutive finals into a pending buffer and decides
// when the buffer is worth answering: complete-looking speech goes out
// immediately, trailing fragments go out after a quiet period, and noise
// that never grows into a question is silently discarded.
package segment

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Config tunes the utterance boundary heuristics. All thresholds are
// behavioural knobs, not constants, so deployments can tune them per
// language and recognizer model.
type Config struct {
	// MinImmediateLen is the minimum buffered length (in runes) for an
	// immediate dispatch when the buffer ends with terminal punctuation.
	// Default 10.
	MinImmediateLen int

	// MinTimedLen is the minimum buffered length (in runes) for a dispatch
	// when the quiet timer fires. Shorter buffers are dropped. Default 25.
	MinTimedLen int

	// FlushDelay is the quiet period after the last final before the timed
	// flush fires. Each new final cancels and re-arms it. Default 5s.
	FlushDelay time.Duration

	// DedupThreshold is the Jaro-Winkler similarity above which a new final
	// is considered a replay of the previous one and discarded. Restart
	// bridging re-sends recent audio, so the recognizer can finalize nearly
	// identical text twice. Default 0.92.
	DedupThreshold float64

	// Timers arms and releases the flush timer. A session-scoped owner
	// (such as a lifecycle registry) can supply itself here so the timer is
	// swept with the rest of the session's resources. Nil uses plain
	// [time.AfterFunc].
	Timers TimerOwner
}

// TimerOwner is the subset of timer tracking the accumulator needs.
// *lifecycle.Registry satisfies it.
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
	if c.MinImmediateLen <= 0 {
		c.MinImmediateLen = 10
	}
	if c.MinTimedLen <= 0 {
		c.MinTimedLen = 25
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 5 * time.Second
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = 0.92
	}
	if c.Timers == nil {
		c.Timers = stdTimers{}
	}
	return c
}

// Accumulator buffers finalized transcript segments and dispatches complete
// utterances. The dispatch callback is always invoked without internal
// locks held, from either the caller's goroutine (immediate dispatch) or
// the flush timer's goroutine (timed dispatch).
//
// All methods are safe for concurrent use.
type Accumulator struct {
	cfg      Config
	dispatch func(utterance string)

	mu        sync.Mutex
	parts     []string
	lastFinal string
	timer     *time.Timer
	gen       int
}

// NewAccumulator creates an Accumulator that invokes dispatch for every
// utterance that crosses a boundary.
func NewAccumulator(cfg Config, dispatch func(utterance string)) *Accumulator {
	return &Accumulator{
		cfg:      cfg.withDefaults(),
		dispatch: dispatch,
	}
}

// AddFinal feeds one finalized transcript segment into the accumulator.
// Interim results must never be passed here. Empty and whitespace-only
// segments are ignored, as are near-duplicates of the previous final.
func (a *Accumulator) AddFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	if a.lastFinal != "" && matchr.JaroWinkler(text, a.lastFinal, false) >= a.cfg.DedupThreshold {
		// Replay artifact from restart bridging. Leave the flush timer
		// untouched: the duplicate carries no new speech.
		a.mu.Unlock()
		return
	}
	a.lastFinal = text
	a.parts = append(a.parts, text)
	buffered := strings.Join(a.parts, " ")

	if utf8.RuneCountInString(buffered) >= a.cfg.MinImmediateLen && endsTerminal(buffered) {
		a.parts = nil
		a.stopTimerLocked()
		a.mu.Unlock()
		a.dispatch(buffered)
		return
	}

	// Incomplete speech: wait for more, flush after the quiet period.
	a.armTimerLocked()
	a.mu.Unlock()
}

// Reset discards the pending buffer, the duplicate-detection state, and any
// armed flush timer.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = nil
	a.lastFinal = ""
	a.stopTimerLocked()
}

// Pending returns the currently buffered, not-yet-dispatched text.
func (a *Accumulator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, " ")
}

// armTimerLocked cancels any previous flush timer and starts a new one.
// Must be called with a.mu held.
func (a *Accumulator) armTimerLocked() {
	a.stopTimerLocked()
	a.gen++
	gen := a.gen
	a.timer = a.cfg.Timers.AfterFunc(a.cfg.FlushDelay, func() {
		a.flushTimed(gen)
	})
}

// stopTimerLocked cancels the flush timer and invalidates in-flight fires.
// Must be called with a.mu held.
func (a *Accumulator) stopTimerLocked() {
	a.gen++
	if a.timer != nil {
		a.cfg.Timers.StopTimer(a.timer)
		a.timer = nil
	}
}

// flushTimed runs when the quiet period elapses. Buffers below MinTimedLen
// are dropped without dispatch: short orphan fragments are usually mid-
// sentence noise, and answering them would interrupt the speaker.
func (a *Accumulator) flushTimed(gen int) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	buffered := strings.Join(a.parts, " ")
	a.parts = nil
	a.timer = nil
	a.mu.Unlock()

	if utf8.RuneCountInString(buffered) < a.cfg.MinTimedLen {
		return
	}
	a.dispatch(buffered)
}

// endsTerminal reports whether s ends with sentence-terminal punctuation.
func endsTerminal(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == '.' || r == '!' || r == '?'
}
