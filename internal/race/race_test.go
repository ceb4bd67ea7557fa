package race

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/interviewlift/liftd/pkg/provider/llm"
	llmmock "github.com/interviewlift/liftd/pkg/provider/llm/mock"
)

type fakeBreaker struct {
	mu        sync.Mutex
	open      bool
	successes int
	failures  int
}

func (b *fakeBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

func (b *fakeBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
}

func (b *fakeBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

func (b *fakeBreaker) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successes, b.failures
}

type chunkRecord struct {
	provider string
	text     string
	first    bool
}

type chunkRecorder struct {
	mu  sync.Mutex
	got []chunkRecord
}

func (r *chunkRecorder) onChunk(providerID, text string, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, chunkRecord{providerID, text, first})
}

func (r *chunkRecorder) records() []chunkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chunkRecord, len(r.got))
	copy(out, r.got)
	return out
}

func scripted(delay time.Duration, texts ...string) *llmmock.Provider {
	p := &llmmock.Provider{}
	for i, text := range texts {
		d := time.Duration(0)
		if i == 0 {
			d = delay
		}
		p.StreamScript = append(p.StreamScript, llmmock.ScriptedChunk{
			Delay: d,
			Chunk: llm.Chunk{Text: text},
		})
	}
	p.StreamScript = append(p.StreamScript, llmmock.ScriptedChunk{
		Chunk: llm.Chunk{FinishReason: "stop"},
	})
	return p
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstContentWinsAndLosersAreCancelled(t *testing.T) {
	fast := scripted(time.Millisecond, "Use a buffered ", "channel here.")
	slow := scripted(100*time.Millisecond, "Never answers in time")
	rec := &chunkRecorder{}

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "gemini", Provider: fast},
			{ID: "openai", Provider: slow},
		},
		Events{OnChunk: rec.onChunk})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "gemini" {
		t.Errorf("winner = %q, want gemini", res.WinnerID)
	}
	if res.Content != "Use a buffered channel here." {
		t.Errorf("content = %q", res.Content)
	}

	got := rec.records()
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(got), got)
	}
	if !got[0].first || got[1].first {
		t.Errorf("first flags wrong: %+v", got)
	}
	for _, c := range got {
		if c.provider != "gemini" {
			t.Errorf("loser chunk leaked through: %+v", c)
		}
	}

	waitCond(t, "loser cancellation", slow.Cancelled)
}

func TestLoserOutputAfterDecisionIsIgnored(t *testing.T) {
	winner := scripted(time.Millisecond, "first answer")
	// Emits quickly too, but a beat later; its content must never surface.
	loser := scripted(10*time.Millisecond, "second answer")
	rec := &chunkRecorder{}

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "a", Provider: winner},
			{ID: "b", Provider: loser},
		},
		Events{OnChunk: rec.onChunk})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "a" {
		t.Fatalf("winner = %q", res.WinnerID)
	}
	for _, c := range rec.records() {
		if c.provider != "a" {
			t.Errorf("chunk from loser %q reached callbacks", c.provider)
		}
	}
}

func TestAllFailedReturnsFirstError(t *testing.T) {
	errBoom := errors.New("quota exhausted")
	fastFail := &llmmock.Provider{StreamErr: errBoom}
	slowFail := &llmmock.Provider{StreamScript: []llmmock.ScriptedChunk{
		{Delay: 20 * time.Millisecond, Chunk: llm.Chunk{Text: "model overloaded", FinishReason: "error"}},
	}}

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "a", Provider: fastFail},
			{ID: "b", Provider: slowFail},
		}, Events{})
	if res != nil {
		t.Errorf("res = %+v, want nil", res)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want wrap of first error", err)
	}
}

func TestSingleFailureDoesNotSettleRace(t *testing.T) {
	failing := &llmmock.Provider{StreamErr: errors.New("invalid api key")}
	healthy := scripted(20*time.Millisecond, "the eventual answer.")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "broken", Provider: failing},
			{ID: "healthy", Provider: healthy},
		}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "healthy" || res.Content != "the eventual answer." {
		t.Errorf("res = %+v", res)
	}
}

func TestOpenBreakerExcludesContestant(t *testing.T) {
	excluded := scripted(time.Millisecond, "would have won")
	healthy := scripted(10*time.Millisecond, "wins by default")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "tripped", Provider: excluded, Breaker: &fakeBreaker{open: true}},
			{ID: "ok", Provider: healthy, Breaker: &fakeBreaker{}},
		}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "ok" {
		t.Errorf("winner = %q", res.WinnerID)
	}
	if excluded.StreamCalls() != 0 {
		t.Errorf("excluded provider was still invoked")
	}
}

func TestAllBreakersOpenFailsRace(t *testing.T) {
	p := scripted(time.Millisecond, "unreachable")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "a", Provider: p, Breaker: &fakeBreaker{open: true}},
			{ID: "b", Provider: p, Breaker: &fakeBreaker{open: true}},
		}, Events{})
	if res != nil || !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("res = %+v, err = %v, want breaker-open failure", res, err)
	}
}

func TestBreakerHearsAboutOutcomes(t *testing.T) {
	winBreaker := &fakeBreaker{}
	failBreaker := &fakeBreaker{}
	winner := scripted(time.Millisecond, "answer")
	failing := &llmmock.Provider{StreamErr: errors.New("connection refused")}

	_, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "win", Provider: winner, Breaker: winBreaker},
			{ID: "fail", Provider: failing, Breaker: failBreaker},
		}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s, f := winBreaker.counts(); s != 1 || f != 0 {
		t.Errorf("winner breaker counts = (%d, %d), want (1, 0)", s, f)
	}
	if s, f := failBreaker.counts(); s != 0 || f != 1 {
		t.Errorf("failing breaker counts = (%d, %d), want (0, 1)", s, f)
	}
}

// cancelReporting streams nothing until cancelled, then surfaces the
// cancellation as an error chunk, the way the HTTP-backed providers do.
type cancelReporting struct {
	llmmock.Provider
}

func (p *cancelReporting) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	go func() {
		defer close(ch)
		<-ctx.Done()
		ch <- llm.Chunk{FinishReason: "error", Text: ctx.Err().Error()}
	}()
	return ch, nil
}

// cancelAtStart blocks inside StreamCompletion until cancelled, as when the
// losing request is still in its TLS handshake.
type cancelAtStart struct {
	llmmock.Provider
}

func (p *cancelAtStart) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelledLoserDoesNotDingItsBreaker(t *testing.T) {
	winBreaker := &fakeBreaker{}
	loserBreaker := &fakeBreaker{}
	winner := scripted(time.Millisecond, "quicksort, then one linear scan")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "win", Provider: winner, Breaker: winBreaker},
			{ID: "slow", Provider: &cancelReporting{}, Breaker: loserBreaker},
		}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "win" {
		t.Fatalf("winner = %q, want win", res.WinnerID)
	}
	if s, f := loserBreaker.counts(); s != 0 || f != 0 {
		t.Errorf("loser breaker counts = (%d, %d), want (0, 0)", s, f)
	}
	if s, f := winBreaker.counts(); s != 1 || f != 0 {
		t.Errorf("winner breaker counts = (%d, %d), want (1, 0)", s, f)
	}
}

func TestLoserCancelledBeforeStreamOpensDoesNotDingItsBreaker(t *testing.T) {
	loserBreaker := &fakeBreaker{}
	winner := scripted(time.Millisecond, "answer")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "win", Provider: winner},
			{ID: "stuck", Provider: &cancelAtStart{}, Breaker: loserBreaker},
		}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WinnerID != "win" {
		t.Fatalf("winner = %q, want win", res.WinnerID)
	}
	if s, f := loserBreaker.counts(); s != 0 || f != 0 {
		t.Errorf("loser breaker counts = (%d, %d), want (0, 0)", s, f)
	}
}

func TestWinnerMidStreamErrorYieldsPartialContent(t *testing.T) {
	dying := &llmmock.Provider{StreamScript: []llmmock.ScriptedChunk{
		{Delay: time.Millisecond, Chunk: llm.Chunk{Text: "The key insight is"}},
		{Chunk: llm.Chunk{Text: "rate limit hit", FinishReason: "error"}},
	}}
	slow := scripted(200*time.Millisecond, "too slow to matter")

	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "dying", Provider: dying},
			{ID: "slow", Provider: slow},
		}, Events{})
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	if res == nil || res.WinnerID != "dying" || res.Content != "The key insight is" {
		t.Errorf("res = %+v, want partial content from winner", res)
	}
}

func TestNoContestants(t *testing.T) {
	_, err := New(nil).Run(context.Background(), llm.CompletionRequest{}, nil, Events{})
	if !errors.Is(err, ErrNoContestants) {
		t.Errorf("err = %v", err)
	}
}

func TestParentCancellationAbortsRace(t *testing.T) {
	slow := scripted(time.Second, "never delivered")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := New(nil).Run(ctx, llm.CompletionRequest{},
		[]Contestant{{ID: "slow", Provider: slow}}, Events{})
	if res != nil || !errors.Is(err, context.Canceled) {
		t.Errorf("res = %+v, err = %v", res, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not abort promptly")
	}
}

func TestConcatenatedContentPreservesChunkOrder(t *testing.T) {
	p := scripted(time.Millisecond, "one ", "two ", "three")
	res, err := New(nil).Run(context.Background(), llm.CompletionRequest{},
		[]Contestant{{ID: "p", Provider: p}}, Events{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Content, "one two") || res.Content != "one two three" {
		t.Errorf("content = %q", res.Content)
	}
}

// ─── completion races ───

func TestCompletionRaceFirstFinisherWins(t *testing.T) {
	fast := &llmmock.Provider{CompleteDelay: time.Millisecond, CompleteResult: "O(n log n) via sorting."}
	slow := &llmmock.Provider{CompleteDelay: 100 * time.Millisecond, CompleteResult: "too late"}

	res, err := New(nil).RunCompletion(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "fast", Provider: fast},
			{ID: "slow", Provider: slow},
		})
	if err != nil {
		t.Fatalf("RunCompletion: %v", err)
	}
	if res.WinnerID != "fast" {
		t.Errorf("winner = %q, want %q", res.WinnerID, "fast")
	}
	if res.Content != "O(n log n) via sorting." {
		t.Errorf("content = %q", res.Content)
	}
	waitCond(t, "loser cancelled", slow.Cancelled)
}

func TestCompletionRaceAllFailed(t *testing.T) {
	boom := errors.New("quota exceeded")
	a := &llmmock.Provider{CompleteErr: boom}
	b := &llmmock.Provider{CompleteErr: errors.New("server error")}

	res, err := New(nil).RunCompletion(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "a", Provider: a},
			{ID: "b", Provider: b},
		})
	if res != nil {
		t.Errorf("res = %+v, want nil", res)
	}
	if err == nil {
		t.Fatal("err = nil, want aggregate failure")
	}
}

func TestCompletionRaceEmptyResponseCountsAsFailure(t *testing.T) {
	empty := &llmmock.Provider{CompleteDelay: time.Millisecond}
	good := &llmmock.Provider{CompleteDelay: 10 * time.Millisecond, CompleteResult: "the answer"}

	res, err := New(nil).RunCompletion(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "empty", Provider: empty},
			{ID: "good", Provider: good},
		})
	if err != nil {
		t.Fatalf("RunCompletion: %v", err)
	}
	if res.WinnerID != "good" {
		t.Errorf("winner = %q, want %q", res.WinnerID, "good")
	}
}

func TestCompletionRaceBreakerHearsOutcome(t *testing.T) {
	winBreaker := &fakeBreaker{}
	failBreaker := &fakeBreaker{}
	winner := &llmmock.Provider{CompleteResult: "done"}
	failer := &llmmock.Provider{CompleteErr: errors.New("bad key")}

	_, err := New(nil).RunCompletion(context.Background(), llm.CompletionRequest{},
		[]Contestant{
			{ID: "w", Provider: winner, Breaker: winBreaker},
			{ID: "f", Provider: failer, Breaker: failBreaker},
		})
	if err != nil {
		t.Fatalf("RunCompletion: %v", err)
	}

	if s, f := winBreaker.counts(); s != 1 || f != 0 {
		t.Errorf("winner breaker counts = (%d, %d), want (1, 0)", s, f)
	}
	waitCond(t, "failure recorded", func() bool {
		_, f := failBreaker.counts()
		return f == 1
	})
}

func TestCompletionRaceNoContestants(t *testing.T) {
	_, err := New(nil).RunCompletion(context.Background(), llm.CompletionRequest{}, nil)
	if !errors.Is(err, ErrNoContestants) {
		t.Errorf("err = %v, want ErrNoContestants", err)
	}
}
