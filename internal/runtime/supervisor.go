package runtime

import (
	"context"
	"sync"

	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
)

// Runner is the loop a Supervisor drives. *ConsumerBridge implements it.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// Supervisor runs the relay loop on its own goroutine and coordinates its
// shutdown.
type Supervisor struct {
	runner Runner
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor returns an idle supervisor for runner.
func NewSupervisor(runner Runner, logger loggingpkg.ServiceLogger) (*Supervisor, error) {
	if runner == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Supervisor{
		runner: runner,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the loop and returns immediately. It fails with
// ErrAlreadyStarted on a second call.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Worker started running.", nil)
	err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("Worker exited the consumption task.", err, nil)
	} else {
		s.logger.Info("Worker exited the consumption task.", nil)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Stop signals the loop exactly once and waits until it has unwound or ctx
// is done. An in-flight delivery is finished, not interrupted.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return errspkg.ErrNotStarted
	}

	s.stopOnce.Do(cancel)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited, whether stopped or failed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns why the loop exited. It is nil while running and after a
// requested stop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether the loop has been started and has not exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close disposes of the queue-side connection. The publisher is closed by
// its owner.
func (s *Supervisor) Close() error {
	return s.runner.Close()
}
