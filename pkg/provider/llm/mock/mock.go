// Package mock provides a scripted llm.Provider test double.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/interviewlift/liftd/pkg/provider/llm"
)

// ScriptedChunk is one step of a scripted stream: wait Delay, then emit Chunk.
type ScriptedChunk struct {
	Delay time.Duration
	Chunk llm.Chunk
}

// Provider is a scripted llm.Provider. Configure the exported fields before
// use; the zero value streams nothing and completes with empty content.
//
// All bookkeeping fields are safe for concurrent inspection via the accessor
// methods.
type Provider struct {
	// StreamScript is played back chunk by chunk on StreamCompletion.
	StreamScript []ScriptedChunk

	// StreamErr, when non-nil, is returned by StreamCompletion before any
	// chunk is emitted (stream fails to start).
	StreamErr error

	// CompleteDelay is how long Complete blocks before returning.
	CompleteDelay time.Duration

	// CompleteResult is the response returned by Complete.
	CompleteResult string

	// CompleteErr, when non-nil, is returned by Complete.
	CompleteErr error

	// Caps is returned by Capabilities. Defaults to streaming-only when zero.
	Caps llm.Capabilities

	mu            sync.Mutex
	streamCalls   int
	completeCalls int
	cancelled     bool
	emitted       []llm.Chunk
	requests      []llm.CompletionRequest
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion plays back StreamScript, honouring per-chunk delays and
// stopping (without emitting further chunks) as soon as ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls++
	p.requests = append(p.requests, req)
	script := make([]ScriptedChunk, len(p.StreamScript))
	copy(script, p.StreamScript)
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, sc := range script {
			if sc.Delay > 0 {
				select {
				case <-time.After(sc.Delay):
				case <-ctx.Done():
					p.markCancelled()
					return
				}
			}
			select {
			case ch <- sc.Chunk:
				p.mu.Lock()
				p.emitted = append(p.emitted, sc.Chunk)
				p.mu.Unlock()
			case <-ctx.Done():
				p.markCancelled()
				return
			}
		}
	}()
	return ch, nil
}

// Complete blocks for CompleteDelay, then returns the scripted result. It
// returns ctx.Err() if the context is cancelled while waiting.
func (p *Provider) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.completeCalls++
	delay := p.CompleteDelay
	result := p.CompleteResult
	err := p.CompleteErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.markCancelled()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: result}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	if p.Caps == (llm.Capabilities{}) {
		return llm.Capabilities{SupportsStreaming: true}
	}
	return p.Caps
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

// Cancelled reports whether a call observed context cancellation.
func (p *Provider) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// StreamCalls returns how many times StreamCompletion was invoked.
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}

// CompleteCalls returns how many times Complete was invoked.
func (p *Provider) CompleteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeCalls
}

// Requests returns a copy of every request passed to StreamCompletion, in
// call order.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Emitted returns a copy of the chunks actually delivered to the consumer.
func (p *Provider) Emitted() []llm.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Chunk, len(p.emitted))
	copy(out, p.emitted)
	return out
}
