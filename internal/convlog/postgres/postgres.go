// Package postgres provides a convlog sink backed by a PostgreSQL
// conversation_events table, for keeping a durable transcript of sessions
// across restarts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karasumi/aizuchi/internal/convlog"
)

// Ensure Sink implements the convlog.Sink interface.
var _ convlog.Sink = (*Sink)(nil)

// Sink appends events to the conversation_events table.
// All methods are safe for concurrent use.
type Sink struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn, ensures the schema exists, and returns the
// ready sink.
func Connect(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convlog postgres: connect: %w", err)
	}
	s := &Sink{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the events table when it does not exist yet.
func (s *Sink) ensureSchema(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS conversation_events (
		    id         BIGSERIAL PRIMARY KEY,
		    event_type TEXT        NOT NULL,
		    source     TEXT        NOT NULL,
		    message    TEXT        NOT NULL,
		    occurred   TIMESTAMPTZ NOT NULL
		)`

	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("convlog postgres: ensure schema: %w", err)
	}
	return nil
}

// Append implements [convlog.Sink].
func (s *Sink) Append(ctx context.Context, e convlog.Event) error {
	const q = `
		INSERT INTO conversation_events (event_type, source, message, occurred)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, string(e.Type), e.Source, e.Message, e.Timestamp)
	if err != nil {
		return fmt.Errorf("convlog postgres: append: %w", err)
	}
	return nil
}

// Recent returns up to limit events whose timestamp is no earlier than
// time.Now()-window, ordered chronologically (oldest first).
func (s *Sink) Recent(ctx context.Context, window time.Duration, limit int) ([]convlog.Event, error) {
	const q = `
		SELECT event_type, source, message, occurred
		FROM   conversation_events
		WHERE  occurred >= now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY occurred
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, window.Microseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("convlog postgres: recent: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convlog.Event, error) {
		var (
			e         convlog.Event
			eventType string
		)
		if err := row.Scan(&eventType, &e.Source, &e.Message, &e.Timestamp); err != nil {
			return convlog.Event{}, err
		}
		e.Type = convlog.EventType(eventType)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convlog postgres: scan rows: %w", err)
	}
	return events, nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Sink) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("convlog postgres: ping: %w", err)
	}
	return nil
}

// Close implements [convlog.Sink].
func (s *Sink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
