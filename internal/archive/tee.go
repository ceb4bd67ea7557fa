package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/interviewlift/liftd/internal/router"
)

// Tee is a [router.Sink] decorator that archives pipeline output before
// forwarding every event to the wrapped sink. Finalized transcript lines are
// written as they arrive; a completed suggestion is paired with the most
// recent final line to form an [Exchange].
//
// Writes go through a [Guard], so archive failures never reach the pipeline.
type Tee struct {
	next  router.Sink
	guard *Guard

	mu        sync.Mutex
	sessionID string
	lastFinal string
}

var _ router.Sink = (*Tee)(nil)

// NewTee wraps next with archival through guard. A fresh session UUID is
// assigned immediately and rotated on every LIVE_TRANSCRIPTION_STARTED.
func NewTee(next router.Sink, guard *Guard) *Tee {
	return &Tee{
		next:      next,
		guard:     guard,
		sessionID: uuid.NewString(),
	}
}

// SessionID returns the identifier the current session's rows are keyed by.
func (t *Tee) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Tee) OnStatus(status router.Status) {
	if status == router.StatusStarted {
		t.mu.Lock()
		t.sessionID = uuid.NewString()
		t.lastFinal = ""
		t.mu.Unlock()
	}
	t.next.OnStatus(status)
}

func (t *Tee) OnTranscript(u router.TranscriptUpdate) {
	if u.IsFinal {
		t.mu.Lock()
		session := t.sessionID
		t.lastFinal = u.Text
		t.mu.Unlock()

		_ = t.guard.WriteTranscript(context.Background(), TranscriptLine{
			SessionID: session,
			Text:      u.Text,
			Timestamp: time.Now(),
		})
	}
	t.next.OnTranscript(u)
}

func (t *Tee) OnSuggestion(u router.SuggestionUpdate) {
	if u.IsComplete && u.Content != "" {
		t.mu.Lock()
		session := t.sessionID
		question := t.lastFinal
		t.mu.Unlock()

		_ = t.guard.WriteExchange(context.Background(), Exchange{
			SessionID: session,
			Question:  question,
			Answer:    u.Content,
			Provider:  u.Provider,
			Timestamp: time.Now(),
		})
	}
	t.next.OnSuggestion(u)
}

func (t *Tee) OnError(component string, err error) {
	t.next.OnError(component, err)
}
