// Package session holds the per-session conversational state: the bounded
// exchange history fed back into completion requests, and the job context
// that anchors every prompt.
package session

import (
	"sync"

	"github.com/interviewlift/liftd/pkg/provider/llm"
)

// DefaultMaxPairs is the default history depth in user/assistant pairs.
const DefaultMaxPairs = 10

// History is a bounded log of completed exchanges. Entries are only ever
// appended as matched user/assistant pairs, so a prompt built from the
// history can never start or end with an orphaned half-exchange. When the
// bound is exceeded the oldest pair is evicted first.
//
// All methods are safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	pairs    []exchange
	maxPairs int
}

type exchange struct {
	user      string
	assistant string
}

// NewHistory creates a History retaining at most maxPairs exchanges.
// Non-positive values fall back to [DefaultMaxPairs].
func NewHistory(maxPairs int) *History {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	return &History{
		pairs:    make([]exchange, 0, maxPairs),
		maxPairs: maxPairs,
	}
}

// AppendExchange records one completed exchange and evicts the oldest pair
// when the bound is exceeded. Exchanges with an empty user side are ignored:
// there is nothing to anchor the assistant turn to.
func (h *History) AppendExchange(user, assistant string) {
	if user == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.pairs = append(h.pairs, exchange{user: user, assistant: assistant})
	if len(h.pairs) > h.maxPairs {
		// Copy forward so evicted strings do not pin the backing array.
		fresh := make([]exchange, h.maxPairs, h.maxPairs)
		copy(fresh, h.pairs[len(h.pairs)-h.maxPairs:])
		h.pairs = fresh
	}
}

// Messages returns the history as an alternating user/assistant message
// slice, oldest exchange first, ready to prepend to a completion request.
func (h *History) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]llm.Message, 0, len(h.pairs)*2)
	for _, p := range h.pairs {
		out = append(out,
			llm.Message{Role: llm.RoleUser, Content: p.user},
			llm.Message{Role: llm.RoleAssistant, Content: p.assistant},
		)
	}
	return out
}

// Len returns the number of stored exchange pairs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pairs)
}

// Clear discards all stored exchanges.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairs = h.pairs[:0]
}
