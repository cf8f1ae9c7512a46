package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	configpkg "github.com/drblury/amqp2nats/internal/runtime/config"
	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	"github.com/drblury/amqp2nats/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/internal/runtime/logging/logtest"
	"github.com/drblury/amqp2nats/transport"
)

func stubPublisherFactory(t *testing.T, pub transport.Publisher, err error) (*transport.ConnectionObserver, *int) {
	t.Helper()
	original := newPublisher
	t.Cleanup(func() { newPublisher = original })

	var observer transport.ConnectionObserver
	closes := 0
	newPublisher = func(_ configpkg.PubSubProfile, obs transport.ConnectionObserver, _ loggingpkg.ServiceLogger) (transport.Publisher, func() error, error) {
		observer = obs
		if err != nil {
			return nil, nil, err
		}
		return pub, func() error { closes++; return nil }, nil
	}
	return &observer, &closes
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServiceRelaysThroughInjectedCollaborators(t *testing.T) {
	log := &callLog{}
	source := newFakeSource(4)
	acker := &fakeAcker{log: log}
	var done int
	svc, err := NewService(scenarioConfig(), logtest.New(), ServiceDependencies{
		Source:    source,
		Publisher: &fakePublisher{log: log},
		Hooks:     RelayHooks{OnRelayDone: func(RelayContext) { done++ }},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-source.subscribed
	source.deliveries <- delivery(acker, 7, "hello")
	waitFor(t, func() bool { return len(log.snapshot()) == 2 })

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	expectCalls(t, log, "ack:7:true", "publish:orders.out:hello:r-orders.out")
	if done != 1 {
		t.Fatalf("expected one done hook, got %d", done)
	}
	if got := svc.Metrics.Snapshot().Relay.Relayed; got != 1 {
		t.Fatalf("relayed = %d, want 1", got)
	}
	if svc.QueueTracker.State() != lifecycle.Up {
		t.Fatalf("queue link %v, want up", svc.QueueTracker.State())
	}
	if !source.isClosed() {
		t.Fatal("expected source to be closed")
	}
	if err := svc.Err(); err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}
}

func TestNewServiceBuildsDefaultPublisher(t *testing.T) {
	pub := &fakePublisher{log: &callLog{}}
	observer, closes := stubPublisherFactory(t, pub, nil)

	svc, err := NewService(scenarioConfig(), logtest.New(), ServiceDependencies{Source: newFakeSource(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *observer != transport.ConnectionObserver(svc.PubSubTracker) {
		t.Fatal("publisher must report to the NATS tracker")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if *closes != 1 {
		t.Fatalf("publisher closed %d times, want 1", *closes)
	}
}

func TestNewServiceBuildsDefaultSource(t *testing.T) {
	stubPublisherFactory(t, &fakePublisher{log: &callLog{}}, nil)
	original := newSource
	t.Cleanup(func() { newSource = original })

	var profile configpkg.QueueProfile
	source := newFakeSource(0)
	newSource = func(p configpkg.QueueProfile, _ loggingpkg.ServiceLogger) transport.Source {
		profile = p
		return source
	}

	if _, err := NewService(scenarioConfig(), logtest.New(), ServiceDependencies{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if profile.QueueName != "orders" {
		t.Fatalf("queue = %q, want orders", profile.QueueName)
	}
	if profile.Port != configpkg.DefaultQueuePort || profile.VirtualHost != "/" {
		t.Fatalf("defaults not applied: port=%d vhost=%q", profile.Port, profile.VirtualHost)
	}
}

func TestNewServicePublisherConnectFailure(t *testing.T) {
	stubPublisherFactory(t, nil, errors.New("nats: no servers available for connection"))

	_, err := NewService(scenarioConfig(), logtest.New(), ServiceDependencies{Source: newFakeSource(0)})
	if err == nil || !strings.Contains(err.Error(), "no servers") {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestNewServiceFailsFastOnMisconfiguration(t *testing.T) {
	observer, _ := stubPublisherFactory(t, &fakePublisher{log: &callLog{}}, nil)

	cfg := scenarioConfig()
	cfg.PubSub.Subject = ""
	_, err := NewService(cfg, logtest.New(), ServiceDependencies{Source: newFakeSource(0)})

	if !errors.Is(err, errspkg.ErrSubjectRequired) {
		t.Fatalf("expected subject required error, got %v", err)
	}
	if *observer != nil {
		t.Fatal("publisher must not be created for an invalid config")
	}

	if _, err := NewService(scenarioConfig(), nil, ServiceDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestServiceDoneOnConsumerCancellation(t *testing.T) {
	source := newFakeSource(0)
	logger := logtest.New()
	svc, err := NewService(scenarioConfig(), logger, ServiceDependencies{
		Source:    source,
		Publisher: &fakePublisher{log: &callLog{}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-source.subscribed
	source.observer.ConsumerCancelled("ctag-1")
	close(source.deliveries)

	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("service loop did not exit")
	}
	if !errors.Is(svc.Err(), errspkg.ErrConsumerCancelled) {
		t.Fatalf("expected consumer cancelled error, got %v", svc.Err())
	}
	if !svc.QueueTracker.Cancelled() {
		t.Fatal("expected queue tracker to record the cancellation")
	}
	if got := logger.Count(loggingpkg.LevelCritical, "Consumer has been cancelled. Intervention may be required!"); got != 1 {
		t.Fatalf("expected one critical event, got %d", got)
	}
	if got := svc.Metrics.Snapshot().Links[LinkQueue].Cancellations; got != 1 {
		t.Fatalf("cancellations = %d, want 1", got)
	}

	report := svc.Status()
	if report.Running || report.Healthy {
		t.Fatalf("expected stopped and unhealthy report, got %+v", report)
	}
}

func TestServiceStopBeforeStart(t *testing.T) {
	svc, err := NewService(scenarioConfig(), logtest.New(), ServiceDependencies{
		Source:    newFakeSource(0),
		Publisher: &fakePublisher{log: &callLog{}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}
