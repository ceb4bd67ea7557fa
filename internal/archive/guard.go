package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes every operation non-fatal. Failures are
// logged and swallowed; reads return empty results. The live pipeline keeps
// running through a database restart, and [Guard.IsDegraded] lets health
// reporting surface the outage.
//
// Guard implements [Store]. All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard wraps store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// WriteTranscript attempts the write; on failure the error is logged,
// swallowed, and the guard marked degraded.
func (g *Guard) WriteTranscript(ctx context.Context, line TranscriptLine) error {
	if err := g.store.WriteTranscript(ctx, line); err != nil {
		g.degraded.Store(true)
		slog.Warn("archive degraded: transcript write failed",
			"session_id", line.SessionID, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// WriteExchange attempts the write; on failure the error is logged,
// swallowed, and the guard marked degraded.
func (g *Guard) WriteExchange(ctx context.Context, x Exchange) error {
	if err := g.store.WriteExchange(ctx, x); err != nil {
		g.degraded.Store(true)
		slog.Warn("archive degraded: exchange write failed",
			"session_id", x.SessionID, "error", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// RecentExchanges attempts the read; on failure an empty slice is returned
// and the guard marked degraded.
func (g *Guard) RecentExchanges(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	out, err := g.store.RecentExchanges(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("archive degraded: read failed",
			"session_id", sessionID, "error", err)
		return []Exchange{}, nil
	}
	g.degraded.Store(false)
	return out, nil
}

// IsDegraded reports whether the most recent operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
