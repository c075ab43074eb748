// Package events carries progress events from the provisioning core to whoever is
// watching: the process log, a WebSocket stream, or a test recorder.
package events

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelDebug   Level = "debug"
)

// Event is one progress message.
type Event struct {
	Message   string         `json:"message"`
	Level     Level          `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must be safe for concurrent use and must
// not block the caller on delivery.
type Sink interface {
	Emit(message string, level Level, data map[string]any)
}

type nop struct{}

func (nop) Emit(string, Level, map[string]any) {}

// Nop discards every event.
var Nop Sink = nop{}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink bridging into logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(message string, level Level, data map[string]any) {
	attrs := make([]slog.Attr, 0, len(data)+1)
	attrs = append(attrs, slog.String("event_level", string(level)))
	for k, v := range data {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(context.Background(), slogLevel(level), message, attrs...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Emit(message string, level Level, data map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(message, level, data)
		}
	}
}

// fields decorates every event with a fixed set of fields.
type fields struct {
	next  Sink
	extra map[string]any
}

// WithFields returns a sink that adds extra to every event sent to next.
// Fields set on the event itself win over extra.
func WithFields(next Sink, extra map[string]any) Sink {
	return &fields{next: OrNop(next), extra: maps.Clone(extra)}
}

func (f *fields) Emit(message string, level Level, data map[string]any) {
	merged := make(map[string]any, len(f.extra)+len(data))
	maps.Copy(merged, f.extra)
	maps.Copy(merged, data)
	f.next.Emit(message, level, merged)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(message string, level Level, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Message: message, Level: level, Data: maps.Clone(data), Timestamp: time.Now()})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Level == level {
			n++
		}
	}
	return n
}
