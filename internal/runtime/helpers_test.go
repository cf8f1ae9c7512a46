package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	configpkg "github.com/drblury/amqp2nats/internal/runtime/config"
	"github.com/drblury/amqp2nats/transport"
)

// callLog records collaborator calls in the order they happened.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func expectCalls(t *testing.T, l *callLog, want ...string) {
	t.Helper()
	if got := l.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

type fakeAcker struct {
	log     *callLog
	ackErr  error
	nackErr error
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.log.add("ack:%d:%t", tag, multiple)
	return a.ackErr
}

func (a *fakeAcker) Nack(tag uint64, multiple bool, requeue bool) error {
	a.log.add("nack:%d:%t:%t", tag, multiple, requeue)
	return a.nackErr
}

type fakePublisher struct {
	log   *callLog
	clock *fakeClock
	// latency advances the fake clock inside every publish.
	latency time.Duration
	err     error
	ctxErrs []error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, replyTo string) error {
	p.log.add("publish:%s:%s:%s", subject, payload, replyTo)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	if p.clock != nil && p.latency > 0 {
		p.clock.Advance(p.latency)
	}
	return p.err
}

type fakeSource struct {
	mu         sync.Mutex
	deliveries chan transport.Delivery
	observer   transport.ConnectionObserver
	queue      string
	consumeErr error
	closed     bool
	subscribed chan struct{}
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{
		deliveries: make(chan transport.Delivery, buffer),
		subscribed: make(chan struct{}),
	}
}

func (s *fakeSource) Consume(_ context.Context, queue string, observer transport.ConnectionObserver) (<-chan transport.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	s.queue = queue
	s.observer = observer
	close(s.subscribed)
	observer.ConnectionRestored()
	return s.deliveries, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingObserver struct {
	mu        sync.Mutex
	lost      int
	restored  int
	cancelled []string
}

func (o *countingObserver) ConnectionLost(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lost++
}

func (o *countingObserver) ConnectionRestored() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restored++
}

func (o *countingObserver) ConsumerCancelled(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = append(o.cancelled, reason)
}

func scenarioConfig() *configpkg.Config {
	return &configpkg.Config{
		Queue:  configpkg.QueueProfile{Host: "q.local", QueueName: "orders"},
		PubSub: configpkg.PubSubProfile{URL: "nats://p.local:4222", Subject: "orders.out"},
	}
}

func delivery(acker transport.Acknowledger, tag uint64, body string) transport.Delivery {
	return transport.Delivery{Body: []byte(body), DeliveryTag: tag, Acknowledger: acker}
}
