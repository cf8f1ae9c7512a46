// Package logtest provides an in-memory ServiceLogger for tests.
package logtest

import (
	"log/slog"
	"sync"

	"github.com/drblury/amqp2nats/internal/runtime/logging"
)

// Entry is a single recorded log event.
type Entry struct {
	Level  slog.Level
	Msg    string
	Err    error
	Fields logging.LogFields
}

// Recorder captures every event regardless of level unless MinLevel is set.
// It is safe for concurrent use; children created with With share the sink.
type Recorder struct {
	sink     *sink
	base     logging.LogFields
	MinLevel slog.Level
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns a recorder that accepts every level.
func New() *Recorder {
	return &Recorder{sink: &sink{}, MinLevel: logging.LevelTrace}
}

func (r *Recorder) With(fields logging.LogFields) logging.ServiceLogger {
	return &Recorder{sink: r.sink, base: merge(r.base, fields), MinLevel: r.MinLevel}
}

func (r *Recorder) Trace(msg string, fields logging.LogFields) {
	r.record(logging.LevelTrace, msg, nil, fields)
}

func (r *Recorder) Debug(msg string, fields logging.LogFields) {
	r.record(logging.LevelDebug, msg, nil, fields)
}

func (r *Recorder) Info(msg string, fields logging.LogFields) {
	r.record(logging.LevelInfo, msg, nil, fields)
}

func (r *Recorder) Warn(msg string, fields logging.LogFields) {
	r.record(logging.LevelWarn, msg, nil, fields)
}

func (r *Recorder) Error(msg string, err error, fields logging.LogFields) {
	r.record(logging.LevelError, msg, err, fields)
}

func (r *Recorder) Critical(msg string, err error, fields logging.LogFields) {
	r.record(logging.LevelCritical, msg, err, fields)
}

func (r *Recorder) Enabled(level slog.Level) bool {
	return level >= r.MinLevel
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	out := make([]Entry, len(r.sink.entries))
	copy(out, r.sink.entries)
	return out
}

// Count returns how many entries were recorded with the given level and message.
func (r *Recorder) Count(level slog.Level, msg string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			n++
		}
	}
	return n
}

// Last returns the most recent entry with the given message.
func (r *Recorder) Last(msg string) (Entry, bool) {
	entries := r.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Msg == msg {
			return entries[i], true
		}
	}
	return Entry{}, false
}

func (r *Recorder) record(level slog.Level, msg string, err error, fields logging.LogFields) {
	if level < r.MinLevel {
		return
	}
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.entries = append(r.sink.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merge(r.base, fields)})
}

func merge(a, b logging.LogFields) logging.LogFields {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(logging.LogFields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
