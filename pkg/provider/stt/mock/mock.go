// Package mock provides a scripted stt.Recognizer for tests.
package mock

import (
	"sync"

	"github.com/interviewlift/liftd/pkg/provider/stt"
)

// Recognizer is a hand-driven test double. Tests push events with
// [Recognizer.EmitReady] and [Recognizer.EmitTranscript] and inspect what
// the code under test fed into it.
type Recognizer struct {
	// StartErr, when set, is returned by Start.
	StartErr error

	// AutoReady makes Start emit EventReady immediately.
	AutoReady bool

	events chan stt.Event

	mu      sync.Mutex
	started bool
	starts  int
	stops   int
	chunks  [][]byte
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New returns a Recognizer with a buffered event channel.
func New() *Recognizer {
	return &Recognizer{events: make(chan stt.Event, 64)}
}

func (r *Recognizer) Start() error {
	r.mu.Lock()
	r.starts++
	if r.StartErr != nil {
		err := r.StartErr
		r.mu.Unlock()
		return err
	}
	r.started = true
	auto := r.AutoReady
	r.mu.Unlock()
	if auto {
		r.EmitReady()
	}
	return nil
}

func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.started = false
	return nil
}

func (r *Recognizer) ProcessChunk(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.chunks = append(r.chunks, cp)
}

func (r *Recognizer) Events() <-chan stt.Event {
	return r.events
}

// EmitReady pushes an EventReady to the consumer.
func (r *Recognizer) EmitReady() {
	r.events <- stt.Event{Type: stt.EventReady}
}

// EmitTranscript pushes a transcript event to the consumer.
func (r *Recognizer) EmitTranscript(text string, final bool) {
	r.events <- stt.Event{
		Type:       stt.EventTranscript,
		Transcript: stt.Transcript{Text: text, IsFinal: final},
	}
}

// Started reports whether the recognizer is currently started.
func (r *Recognizer) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// StartCalls returns how many times Start was invoked.
func (r *Recognizer) StartCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// StopCalls returns how many times Stop was invoked.
func (r *Recognizer) StopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// Chunks returns a copy of every chunk passed to ProcessChunk.
func (r *Recognizer) Chunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}
