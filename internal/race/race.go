// Package race runs one completion request against several LLM providers
// concurrently and streams back whichever provider produces content first.
//
// Every contestant gets its own child context. The first non-empty chunk
// declares the winner and cancels every other contestant inside the same
// critical section, so no two providers can both believe they won. Output
// from losers that arrives after the decision is discarded.
//
// Two race shapes exist: [Coordinator.Run] streams the winner's chunks as
// they arrive, and [Coordinator.RunCompletion] races blocking completions
// where the first provider to fully finish wins (used for image analysis).
package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/interviewlift/liftd/pkg/provider/llm"
)

// ErrNoContestants is returned by Run when the contestant list is empty.
var ErrNoContestants = errors.New("race: no contestants")

// ErrBreakerOpen marks a contestant that was excluded before launch because
// its circuit breaker refused the attempt.
var ErrBreakerOpen = errors.New("race: circuit breaker open")

// Breaker gates one contestant's participation and hears about the outcome.
// Implementations must be safe for concurrent use.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// Contestant is one provider entered into a race.
type Contestant struct {
	// ID identifies the provider in callbacks and logs ("gemini",
	// "openai", "cerebras").
	ID string

	// Provider produces the completion stream.
	Provider llm.Provider

	// Breaker, when non-nil, can veto participation and records outcomes.
	Breaker Breaker
}

// Events carries the streaming callbacks for one race. All fields may be
// nil. Callbacks are invoked without internal locks held, from the winning
// contestant's goroutine.
type Events struct {
	// OnChunk receives each content chunk from the winner. first is true
	// exactly once per race, on the chunk that decided it.
	OnChunk func(providerID, text string, first bool)
}

// Result is the outcome of a decided race.
type Result struct {
	// WinnerID is the contestant that produced content first.
	WinnerID string

	// Content is the winner's concatenated output. It may be partial when
	// Run also returns an error.
	Content string
}

// Coordinator runs provider races. The zero value is not usable; use [New].
type Coordinator struct {
	log *slog.Logger
}

// New creates a Coordinator logging through log. A nil log uses the default
// logger.
func New(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log}
}

type outcome struct {
	res *Result
	err error
}

// arena is the shared decision state of one race. Both race shapes use the
// same win/error bookkeeping.
type arena struct {
	mu       sync.Mutex
	total    int
	winnerID string
	firstErr error
	errCount int
	cancels  map[string]context.CancelFunc
	decided  chan outcome
}

func newArena(total int) *arena {
	return &arena{
		total:   total,
		cancels: make(map[string]context.CancelFunc, total),
		decided: make(chan outcome, 1),
	}
}

func (a *arena) register(id string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancels[id] = cancel
	a.mu.Unlock()
}

// recordError counts one failed contestant and, when every contestant has
// failed with no winner, settles the race with the first error.
func (a *arena) recordError(id string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errCount++
	if a.firstErr == nil {
		a.firstErr = fmt.Errorf("%s: %w", id, err)
	}
	if a.winnerID == "" && a.errCount == a.total {
		a.settle(outcome{err: fmt.Errorf("all providers failed: %w", a.firstErr)})
	}
}

// claimWin declares id the winner and cancels every other contestant before
// releasing the lock. Returns false when someone else already won.
func (a *arena) claimWin(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.winnerID != "" {
		return false
	}
	a.winnerID = id
	for other, cancel := range a.cancels {
		if other != id {
			cancel()
		}
	}
	return true
}

func (a *arena) isWinner(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.winnerID == id
}

// settle delivers o unless the race already settled. Non-blocking.
func (a *arena) settle(o outcome) {
	select {
	case a.decided <- o:
	default:
	}
}

// Run races req against contestants and blocks until the winner's stream
// finishes or every contestant has failed.
//
// When the race decides, losers are cancelled immediately and their output
// ignored. When no contestant produces content, Run returns the FIRST error
// observed, wrapped, exactly once. A winner that fails mid-stream yields
// both a partial Result and an error.
func (c *Coordinator) Run(parent context.Context, req llm.CompletionRequest, contestants []Contestant, ev Events) (*Result, error) {
	return c.race(parent, contestants, func(ctx context.Context, ct Contestant, a *arena) {
		c.runContestant(ctx, ct, req, ev, a)
	})
}

// RunCompletion races req as blocking completions: the first provider to
// return a full non-empty response wins and every other call is cancelled.
// This is the image-analysis path; req.Images is honoured by the providers.
func (c *Coordinator) RunCompletion(parent context.Context, req llm.CompletionRequest, contestants []Contestant) (*Result, error) {
	return c.race(parent, contestants, func(ctx context.Context, ct Contestant, a *arena) {
		c.runCompletionContestant(ctx, ct, req, a)
	})
}

// race launches one goroutine per admitted contestant and waits for the
// arena to settle. All contexts are swept before returning, so no contestant
// callback can fire after race returns.
func (c *Coordinator) race(parent context.Context, contestants []Contestant, drive func(context.Context, Contestant, *arena)) (*Result, error) {
	if len(contestants) == 0 {
		return nil, ErrNoContestants
	}

	ctx, cancelAll := context.WithCancel(parent)
	defer cancelAll()

	a := newArena(len(contestants))

	var wg sync.WaitGroup
	for _, contestant := range contestants {
		ct := contestant
		if ct.Breaker != nil && !ct.Breaker.Allow() {
			c.log.Debug("contestant excluded by breaker", "provider", ct.ID)
			a.recordError(ct.ID, ErrBreakerOpen)
			continue
		}

		cctx, cancel := context.WithCancel(ctx)
		a.register(ct.ID, cancel)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			drive(cctx, ct, a)
		}()
	}

	var settled outcome
	select {
	case settled = <-a.decided:
	case <-parent.Done():
		settled = outcome{err: parent.Err()}
	}

	cancelAll()
	wg.Wait()
	return settled.res, settled.err
}

// runContestant drives one provider stream to completion. Only the winner's
// chunks reach the callbacks; everything else is counted or discarded.
func (c *Coordinator) runContestant(ctx context.Context, ct Contestant, req llm.CompletionRequest, ev Events, a *arena) {
	chunks, err := ct.Provider.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !a.isWinner(ct.ID) {
			// Cancelled before the stream opened. Not a provider failure.
			return
		}
		if ct.Breaker != nil {
			ct.Breaker.RecordFailure()
		}
		c.log.Debug("contestant failed to start", "provider", ct.ID, "error", err)
		a.recordError(ct.ID, err)
		return
	}

	var sb strings.Builder
	won := false
	var streamErr error

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("stream error: %s", chunk.Text)
			if chunk.Text == "" {
				streamErr = errors.New("stream error")
			}
			break
		}
		if chunk.Text == "" {
			continue
		}

		if !won {
			if !a.claimWin(ct.ID) {
				// Lost the race; our context is already cancelled. Drain
				// whatever the provider flushes before it notices.
				continue
			}
			won = true
			if ct.Breaker != nil {
				ct.Breaker.RecordSuccess()
			}
			c.log.Info("race decided", "winner", ct.ID)
		}
		sb.WriteString(chunk.Text)
		if ev.OnChunk != nil {
			ev.OnChunk(ct.ID, chunk.Text, sb.Len() == len(chunk.Text))
		}
	}

	switch {
	case won && streamErr != nil:
		// Winner died mid-stream: surface the partial content with the
		// error so the caller can decide what to show. A shutdown that
		// cancelled the whole race is not held against the provider.
		if ct.Breaker != nil && ctx.Err() == nil {
			ct.Breaker.RecordFailure()
		}
		a.settle(outcome{
			res: &Result{WinnerID: ct.ID, Content: sb.String()},
			err: fmt.Errorf("%s: %w", ct.ID, streamErr),
		})
	case won:
		a.settle(outcome{res: &Result{WinnerID: ct.ID, Content: sb.String()}})
	case ctx.Err() != nil:
		// Cancelled loser. Providers surface the cancellation as a stream
		// error chunk, so this case must win over streamErr: losing a race
		// is not a provider failure.
	case streamErr != nil:
		if ct.Breaker != nil {
			ct.Breaker.RecordFailure()
		}
		a.recordError(ct.ID, streamErr)
	default:
		// Stream closed without ever producing content.
		a.recordError(ct.ID, errors.New("stream ended with no content"))
	}
}

// runCompletionContestant drives one blocking completion. The first full
// non-empty response claims the win.
func (c *Coordinator) runCompletionContestant(ctx context.Context, ct Contestant, req llm.CompletionRequest, a *arena) {
	resp, err := ct.Provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !a.isWinner(ct.ID) {
			// Cancelled loser. Not an error.
			return
		}
		if ct.Breaker != nil {
			ct.Breaker.RecordFailure()
		}
		c.log.Debug("contestant completion failed", "provider", ct.ID, "error", err)
		a.recordError(ct.ID, err)
		return
	}
	if resp == nil || resp.Content == "" {
		a.recordError(ct.ID, errors.New("completion was empty"))
		return
	}

	if !a.claimWin(ct.ID) {
		return
	}
	if ct.Breaker != nil {
		ct.Breaker.RecordSuccess()
	}
	c.log.Info("race decided", "winner", ct.ID)
	a.settle(outcome{res: &Result{WinnerID: ct.ID, Content: resp.Content}})
}
