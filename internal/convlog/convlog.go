// Package convlog is the append-only event log for conversation turns and
// pipeline errors. Events flow to one or more sinks: the default slog sink,
// an optional PostgreSQL sink, or both through a MultiSink.
package convlog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType distinguishes conversation turns from error reports.
type EventType string

const (
	EventConversation EventType = "conversation"
	EventError        EventType = "error"
)

// Event is a single log entry.
type Event struct {
	// Type is the event category.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Message is the turn text or error description.
	Message string

	// Source identifies the originating component (e.g., "user", "agent",
	// "transcription", "output").
	Source string
}

// Sink receives events in order. Implementations must be safe for
// concurrent use.
type Sink interface {
	Append(ctx context.Context, e Event) error
	Close(ctx context.Context) error
}

// SlogSink writes events through a structured logger. It is the default
// sink and never fails.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing through logger, or slog.Default() when
// logger is nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Append implements Sink.
func (s *SlogSink) Append(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Type == EventError {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, e.Message,
		"event", string(e.Type),
		"source", e.Source,
		"at", e.Timestamp,
	)
	return nil
}

// Close implements Sink.
func (s *SlogSink) Close(context.Context) error { return nil }

// MultiSink fans every event out to all child sinks. Append returns the
// joined errors but always delivers to every sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Append implements Sink.
func (m *MultiSink) Append(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
