package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	configpkg "github.com/drblury/amqp2nats/internal/runtime/config"
	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	"github.com/drblury/amqp2nats/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/transport"
	natstransport "github.com/drblury/amqp2nats/transport/nats"
	"github.com/drblury/amqp2nats/transport/rabbitmq"
)

const (
	LinkQueue  = "RabbitMQ"
	LinkPubSub = "NATS"
)

var newSource = func(profile configpkg.QueueProfile, logger loggingpkg.ServiceLogger) transport.Source {
	return rabbitmq.New(profile, logger)
}

var newPublisher = func(profile configpkg.PubSubProfile, observer transport.ConnectionObserver, logger loggingpkg.ServiceLogger) (transport.Publisher, func() error, error) {
	p, err := natstransport.New(profile, observer, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the RabbitMQ source, the NATS publisher and a
// private Prometheus registry.
type ServiceDependencies struct {
	Source transport.Source
	// Publisher is not closed by the Service when supplied here.
	Publisher transport.Publisher
	// Registry receives the relay metrics and backs /metrics.
	Registry *prometheus.Registry
	Hooks    RelayHooks
	Clock    func() time.Time
}

// Service wires both broker links, their lifecycle trackers, the relay
// bridge, its supervisor and the status server.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	QueueTracker  *lifecycle.Tracker
	PubSubTracker *lifecycle.Tracker
	Metrics       *RelayMetrics
	Registry      *prometheus.Registry

	bridge         *ConsumerBridge
	supervisor     *Supervisor
	status         *StatusServer
	closePublisher func() error
}

// NewService validates conf and builds the relay. The NATS connection is
// opened here, so an unreachable server fails before Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	resolved := conf.WithDefaults()
	log.Info("Creating relay service", loggingpkg.LogFields{
		"queue":    resolved.Queue.QueueName,
		"subject":  resolved.PubSub.Subject,
		"ordering": string(resolved.Relay.Ordering),
		"config":   resolved.String(),
	})

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := NewRelayMetrics(registry)
	if err := metrics.Register(); err != nil {
		return nil, err
	}

	trackerOpts := []lifecycle.Option{lifecycle.WithListener(metrics)}
	if deps.Clock != nil {
		trackerOpts = append(trackerOpts, lifecycle.WithClock(deps.Clock))
	}

	s := &Service{
		Conf:          &resolved,
		Logger:        log,
		QueueTracker:  lifecycle.New(LinkQueue, log, trackerOpts...),
		PubSubTracker: lifecycle.New(LinkPubSub, log, trackerOpts...),
		Metrics:       metrics,
		Registry:      registry,
	}

	publisher := deps.Publisher
	if publisher == nil {
		p, closer, err := newPublisher(resolved.PubSub, s.PubSubTracker, log)
		if err != nil {
			return nil, err
		}
		publisher, s.closePublisher = p, closer
	}

	source := deps.Source
	if source == nil {
		source = newSource(resolved.Queue, log)
	}

	bridge, err := NewConsumerBridge(&resolved, BridgeDependencies{
		Source:    source,
		Publisher: publisher,
		Observer:  s.QueueTracker,
		Logger:    log,
		Hooks:     metrics.Hooks().Merge(deps.Hooks),
		Clock:     deps.Clock,
	})
	if err != nil {
		return nil, errors.Join(err, s.closeOwnedPublisher())
	}
	s.bridge = bridge

	supervisor, err := NewSupervisor(bridge, log)
	if err != nil {
		return nil, errors.Join(err, s.closeOwnedPublisher())
	}
	s.supervisor = supervisor

	s.status = NewStatusServer(StatusDependencies{
		Links:    []LinkState{s.QueueTracker, s.PubSubTracker},
		Runner:   supervisor,
		Metrics:  metrics,
		Gatherer: registry,
	}, log)
	return s, nil
}

// Start brings up the status server when enabled and launches the relay loop.
// It does not block.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.Status.Enabled {
		if err := s.status.Start(s.Conf.Status.Port); err != nil {
			return err
		}
	}
	return s.supervisor.Start(ctx)
}

// Stop waits for the relay loop to unwind and stops the status server.
func (s *Service) Stop(ctx context.Context) error {
	err := s.supervisor.Stop(ctx)
	if errors.Is(err, errspkg.ErrNotStarted) {
		err = nil
	}
	return errors.Join(err, s.status.Shutdown(ctx))
}

// Done is closed when the relay loop exits.
func (s *Service) Done() <-chan struct{} {
	return s.supervisor.Done()
}

// Err reports why the relay loop exited.
func (s *Service) Err() error {
	return s.supervisor.Err()
}

// Status returns the report served on /status.
func (s *Service) Status() StatusReport {
	return s.status.Report()
}

// Close disposes of the queue connection and the publisher the Service
// opened itself.
func (s *Service) Close() error {
	return errors.Join(s.supervisor.Close(), s.closeOwnedPublisher())
}

func (s *Service) closeOwnedPublisher() error {
	if s.closePublisher == nil {
		return nil
	}
	closer := s.closePublisher
	s.closePublisher = nil
	return closer()
}
