// Package lifecycle records connection loss and recovery for a single broker
// link and reports outage durations.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/amqp2nats/internal/runtime/logging"
)

// State of a monitored link.
type State int32

const (
	Down State = iota
	Up
)

func (s State) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

// Listener is notified of every transition after it has been logged.
// Implementations must be safe for concurrent use.
type Listener interface {
	LinkDown(link string, cancelled bool)
	LinkUp(link string, outage time.Duration, recovered bool)
}

// Tracker is the per-link state machine. Transitions are driven by broker
// client callbacks, which may run on goroutines other than the relay loop.
// State and loss timestamp change together under mu; reads are lock-free.
type Tracker struct {
	link      string
	logger    logging.ServiceLogger
	now       func() time.Time
	listeners []Listener

	mu        sync.Mutex
	state     atomic.Int32
	lostAt    atomic.Pointer[time.Time]
	cancelled atomic.Bool
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithListener registers a transition listener such as the relay metrics.
func WithListener(l Listener) Option {
	return func(t *Tracker) {
		if l != nil {
			t.listeners = append(t.listeners, l)
		}
	}
}

// New returns a tracker for the named link ("RabbitMQ", "NATS"). It starts
// Down with no recorded loss, so the first Up is reported as a plain connect.
func New(link string, logger logging.ServiceLogger, opts ...Option) *Tracker {
	t := &Tracker{
		link:   link,
		logger: logger.With(logging.LogFields{"link": link}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(int32(Down))
	return t
}

// Link returns the name the tracker was created with.
func (t *Tracker) Link() string { return t.link }

// State returns the current link state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// Cancelled reports whether the consumer on this link was cancelled by the
// remote side. It stays true until the next successful registration.
func (t *Tracker) Cancelled() bool { return t.cancelled.Load() }

// LostAt returns the instant of the unresolved loss, if any.
func (t *Tracker) LostAt() (time.Time, bool) {
	if p := t.lostAt.Load(); p != nil {
		return *p, true
	}
	return time.Time{}, false
}

// ConnectionLost records an Up→Down transition. When the link is already down
// the original loss instant is kept so the reported outage covers the whole
// episode.
func (t *Tracker) ConnectionLost(err error) {
	t.markDown()
	t.logger.Error("Lost connection with "+t.link+".", err, nil)
	for _, l := range t.listeners {
		l.LinkDown(t.link, false)
	}
}

// ConsumerCancelled records an unconditional transition to Down caused by the
// remote side cancelling the subscription. The relay does not resubscribe.
func (t *Tracker) ConsumerCancelled(reason string) {
	t.markDown()
	t.cancelled.Store(true)
	t.logger.Critical("Consumer has been cancelled. Intervention may be required!", nil, logging.LogFields{"reason": reason})
	for _, l := range t.listeners {
		l.LinkDown(t.link, true)
	}
}

// ConnectionRestored records a Down→Up transition. A pending loss is
// reported at error severity with its duration and cleared; with no pending
// loss the first connect is reported at info.
func (t *Tracker) ConnectionRestored() {
	t.mu.Lock()
	lost := t.lostAt.Swap(nil)
	t.state.Store(int32(Up))
	t.cancelled.Store(false)
	t.mu.Unlock()

	if lost == nil {
		t.logger.Info("Successfully connected to "+t.link+".", nil)
		for _, l := range t.listeners {
			l.LinkUp(t.link, 0, false)
		}
		return
	}

	outage := t.now().Sub(*lost)
	t.logger.Error("Regained "+t.link+" connection.", nil, logging.LogFields{
		"outage_seconds": outage.Seconds(),
		"lost_at":        lost.UTC().Format(time.RFC3339Nano),
	})
	for _, l := range t.listeners {
		l.LinkUp(t.link, outage, true)
	}
}

func (t *Tracker) markDown() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lostAt.CompareAndSwap(nil, &now)
	t.state.Store(int32(Down))
}
