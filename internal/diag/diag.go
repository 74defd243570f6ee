// Package diag carries structured engine events to optional sinks (logs,
// metrics, tests) so that stage code emits once and stays free of logging.
package diag

import (
	"log/slog"
	"sync"
	"time"
)

const (
	StageJob       = "job"
	StageWorkspace = "workspace"
	StageImage     = "image"
	StageSpawn     = "spawn"
	StageReady     = "ready"
	StageSession   = "session"
	StageStream    = "stream"
	StageResult    = "result"
	StageTeardown  = "teardown"
	StageArchive   = "archive"
)

const (
	TypeStarted   = "started"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeCancelled = "cancelled"
	TypeWarning   = "warning"
	TypeRetry     = "retry"
	TypeSSE       = "sse_event"
	TypeState     = "state"
)

type Event struct {
	Time     time.Time
	JobID    string
	Stage    string
	Type     string
	Message  string
	Duration time.Duration
	Err      error
	Attrs    map[string]any
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards events.
var Nop Sink = nop{}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Multi fans every event out to each non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, s := range m {
		s.Emit(e)
	}
}

// Logger writes events as slog records. Warnings and failures log above info,
// stream events log at debug.
func Logger(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Emit(e Event) {
	attrs := make([]any, 0, 10+2*len(e.Attrs))
	attrs = append(attrs, "job_id", e.JobID, "stage", e.Stage, "event", e.Type)
	if e.Duration > 0 {
		attrs = append(attrs, "duration", e.Duration)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Stage + " " + e.Type
	}
	switch e.Type {
	case TypeFailed:
		l.logger.Error(msg, attrs...)
	case TypeWarning, TypeRetry:
		l.logger.Warn(msg, attrs...)
	case TypeSSE:
		l.logger.Debug(msg, attrs...)
	default:
		l.logger.Info(msg, attrs...)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Has reports whether an event with the given stage and type was recorded.
func (r *Recorder) Has(stage, typ string) bool {
	for _, e := range r.Events() {
		if e.Stage == stage && e.Type == typ {
			return true
		}
	}
	return false
}
