// Package mock provides a scripted capture.Source for tests.
package mock

import (
	"context"
	"sync"

	"github.com/interviewlift/liftd/internal/capture"
)

// Source is a hand-driven capture source. Tests feed chunks through
// [Source.Emit] and end the stream with [Source.Fail] or by calling Stop.
type Source struct {
	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	started bool
	starts  int
	stops   int
	onChunk func([]byte)
	done    chan error
}

var _ capture.Source = (*Source)(nil)

// New returns an idle mock source.
func New() *Source {
	return &Source{done: make(chan error, 1)}
}

func (s *Source) Start(_ context.Context, onChunk func(chunk []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.started {
		return capture.ErrAlreadyStarted
	}
	s.started = true
	s.onChunk = onChunk
	s.done = make(chan error, 1)
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.started {
		s.started = false
		s.done <- nil
	}
	return nil
}

func (s *Source) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Emit delivers one chunk to the consumer. No-op when not started.
func (s *Source) Emit(chunk []byte) {
	s.mu.Lock()
	onChunk := s.onChunk
	started := s.started
	s.mu.Unlock()
	if started && onChunk != nil {
		onChunk(chunk)
	}
}

// Fail simulates a crashed recorder: the source stops and delivers err on
// Done.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		s.done <- err
	}
}

// Started reports whether the source is currently capturing.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// StartCalls returns how many times Start was invoked.
func (s *Source) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// StopCalls returns how many times Stop was invoked.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
