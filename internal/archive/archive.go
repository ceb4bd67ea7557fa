// Package archive persists session transcripts and suggestion exchanges to
// PostgreSQL. Archiving is strictly optional: the live pipeline never
// depends on it, and callers are expected to wrap the store in a [Guard] so
// a dead database degrades the archive instead of the session.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TranscriptLine is one finalized transcript fragment.
type TranscriptLine struct {
	SessionID string
	Text      string
	Timestamp time.Time
}

// Exchange is one completed question/answer pair, including which provider
// won the race that produced the answer.
type Exchange struct {
	SessionID string
	Question  string
	Answer    string
	Provider  string
	Timestamp time.Time
}

// Store is the archive persistence interface.
type Store interface {
	WriteTranscript(ctx context.Context, line TranscriptLine) error
	WriteExchange(ctx context.Context, x Exchange) error
	RecentExchanges(ctx context.Context, sessionID string, limit int) ([]Exchange, error)
}

// Postgres implements [Store] on a pgx connection pool.
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS transcript_lines (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    text       TEXT        NOT NULL,
    ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transcript_lines_session_idx
    ON transcript_lines (session_id, ts);

CREATE TABLE IF NOT EXISTS exchanges (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    question   TEXT        NOT NULL,
    answer     TEXT        NOT NULL,
    provider   TEXT        NOT NULL,
    ts         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS exchanges_session_idx
    ON exchanges (session_id, ts);
`

// NewPostgres connects to dsn, verifies the connection, and ensures the
// archive tables exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// WriteTranscript implements [Store].
func (p *Postgres) WriteTranscript(ctx context.Context, line TranscriptLine) error {
	const q = `INSERT INTO transcript_lines (session_id, text, ts) VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, q, line.SessionID, line.Text, line.Timestamp); err != nil {
		return fmt.Errorf("archive: write transcript: %w", err)
	}
	return nil
}

// WriteExchange implements [Store].
func (p *Postgres) WriteExchange(ctx context.Context, x Exchange) error {
	const q = `
		INSERT INTO exchanges (session_id, question, answer, provider, ts)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.pool.Exec(ctx, q, x.SessionID, x.Question, x.Answer, x.Provider, x.Timestamp); err != nil {
		return fmt.Errorf("archive: write exchange: %w", err)
	}
	return nil
}

// RecentExchanges implements [Store]. Results are ordered oldest first.
func (p *Postgres) RecentExchanges(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	const q = `
		SELECT session_id, question, answer, provider, ts
		FROM   (SELECT * FROM exchanges WHERE session_id = $1 ORDER BY ts DESC LIMIT $2) recent
		ORDER  BY ts`

	rows, err := p.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent exchanges: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Exchange, error) {
		var x Exchange
		err := row.Scan(&x.SessionID, &x.Question, &x.Answer, &x.Provider, &x.Timestamp)
		return x, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan exchanges: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
