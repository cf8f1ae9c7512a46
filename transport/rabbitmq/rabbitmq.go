// Package rabbitmq is the queue broker collaborator: it consumes a RabbitMQ
// queue with manual acknowledgement, re-establishes the connection after a
// loss, and reports shutdown, registration and cancellation to an observer.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/amqp2nats/internal/runtime/config"
	"github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/transport"
)

const (
	defaultUser     = "guest"
	defaultPassword = "guest"
	defaultLocale   = "en_US"

	// closeGrace bounds how long a closed delivery stream waits for the
	// matching close or cancel notification before it is treated as a loss.
	closeGrace = time.Second
)

var (
	// ErrClosed is returned by Consume after Close.
	ErrClosed = errors.New("amqp2nats: rabbitmq source closed")
	// ErrAlreadyConsuming is returned when Consume is called twice.
	ErrAlreadyConsuming = errors.New("amqp2nats: rabbitmq source already consuming")
	// ErrStreamClosed is reported when the delivery stream ends without a
	// close or cancel notification.
	ErrStreamClosed = errors.New("amqp2nats: rabbitmq delivery stream closed")
)

// Connection is the subset of *amqp.Connection the source uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel the source uses.
type Channel interface {
	transport.Acknowledger
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialFunc allows overriding the broker connection for testing.
var DialFunc = func(uri string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Source consumes one queue. It is created idle; Consume opens the first
// connection synchronously so an unreachable broker fails at startup.
type Source struct {
	profile config.QueueProfile
	logger  logging.ServiceLogger
	dial    func(uri string, cfg amqp.Config) (Connection, error)

	mu        sync.Mutex
	consuming bool
	closed    bool
	cancel    context.CancelFunc
	closeErr  error
	wg        sync.WaitGroup
}

// New returns a Source for the given profile. Zero tuning values fall back to
// the config package defaults.
func New(profile config.QueueProfile, logger logging.ServiceLogger) *Source {
	profile = config.Config{Queue: profile}.WithDefaults().Queue
	return &Source{
		profile: profile,
		logger:  logger.With(logging.LogFields{"link": "RabbitMQ", "queue": profile.QueueName}),
		dial:    DialFunc,
	}
}

// URI renders the AMQP URI for the profile. The virtual host travels in the
// dial config, not in the URI.
func URI(profile config.QueueProfile) string {
	user, password := profile.User, profile.Password
	if user == "" {
		user, password = defaultUser, defaultPassword
	}
	port := profile.Port
	if port == 0 {
		port = config.DefaultQueuePort
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(profile.Host, strconv.Itoa(port)),
		Path:   "/",
	}
	return u.String()
}

// DialConfig returns the amqp091 client configuration for the profile.
func DialConfig(profile config.QueueProfile) amqp.Config {
	vhost := profile.VirtualHost
	if vhost == "" {
		vhost = config.DefaultVirtualHost
	}
	heartbeat := profile.Heartbeat
	if heartbeat == 0 {
		heartbeat = config.DefaultQueueHeartbeat
	}
	props := amqp.NewConnectionProperties()
	if profile.ConnectionName != "" {
		props.SetClientConnectionName(profile.ConnectionName)
	}
	return amqp.Config{
		Vhost:      vhost,
		Heartbeat:  heartbeat,
		Locale:     defaultLocale,
		Properties: props,
	}
}

// Consume subscribes to queue with autoAck=false. The first connection is
// opened before returning; later losses are recovered in the background and
// reported through observer. A remote cancellation closes the returned
// channel without resubscribing.
func (s *Source) Consume(ctx context.Context, queue string, observer transport.ConnectionObserver) (<-chan transport.Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.consuming {
		s.mu.Unlock()
		return nil, ErrAlreadyConsuming
	}
	s.consuming = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Debug("Opening channel.", nil)
	sess, err := s.open(queue)
	if err != nil {
		cancel()
		return nil, err
	}
	s.logger.Debug("Starting messages consumption.", nil)
	observer.ConnectionRestored()

	out := make(chan transport.Delivery)
	s.wg.Add(1)
	go s.run(runCtx, queue, observer, sess, out)
	return out, nil
}

// Close stops consumption and closes the broker connection. It waits for the
// background loop to exit and is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeLost
	outcomeCancelled
)

type session struct {
	conn       Connection
	ch         Channel
	deliveries <-chan amqp.Delivery
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	cancelled  chan string
}

func (s *session) close() error {
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Source) open(queue string) (*session, error) {
	conn, err := s.dial(URI(s.profile), DialConfig(s.profile))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s: %w", s.profile.Address(), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open channel: %w", err), conn.Close())
	}

	sess := &session{
		conn:       conn,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		cancelled:  ch.NotifyCancel(make(chan string, 1)),
	}

	if s.profile.Prefetch > 0 {
		if err := ch.Qos(s.profile.Prefetch, 0, false); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to set prefetch: %w", err), sess.close())
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, generated by the client
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start consuming %q: %w", queue, err), sess.close())
	}
	sess.deliveries = deliveries
	return sess, nil
}

func (s *Source) run(ctx context.Context, queue string, observer transport.ConnectionObserver, sess *session, out chan<- transport.Delivery) {
	defer s.wg.Done()
	defer close(out)

	for {
		result, reason, err := s.pump(ctx, sess, out)
		switch result {
		case outcomeStopped:
			s.finish(sess)
			return
		case outcomeCancelled:
			observer.ConsumerCancelled(reason)
			s.finish(sess)
			return
		case outcomeLost:
			observer.ConnectionLost(err)
			if cerr := sess.close(); cerr != nil {
				s.logger.Debug("Closing broken session failed.", logging.LogFields{"error": cerr.Error()})
			}
			next, rerr := s.reconnect(ctx, queue)
			if rerr != nil {
				return
			}
			sess = next
			observer.ConnectionRestored()
		}
	}
}

func (s *Source) finish(sess *session) {
	err := sess.close()
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
}

func (s *Source) pump(ctx context.Context, sess *session, out chan<- transport.Delivery) (outcome, string, error) {
	for {
		select {
		case <-ctx.Done():
			return outcomeStopped, "", nil
		case err := <-sess.connClosed:
			return outcomeLost, "", closeError(err)
		case err := <-sess.chClosed:
			return outcomeLost, "", closeError(err)
		case tag := <-sess.cancelled:
			return outcomeCancelled, tag, nil
		case d, ok := <-sess.deliveries:
			if !ok {
				return classifyClosedStream(sess)
			}
			acker := transport.Acknowledger(sess.ch)
			if d.Acknowledger != nil {
				acker = d.Acknowledger
			}
			delivery := transport.Delivery{
				Body:         d.Body,
				DeliveryTag:  d.DeliveryTag,
				ConsumerTag:  d.ConsumerTag,
				Redelivered:  d.Redelivered,
				Acknowledger: acker,
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				// Unacknowledged; the broker requeues it once the channel closes.
				return outcomeStopped, "", nil
			}
		}
	}
}

// classifyClosedStream decides why the delivery channel ended. The client
// signals cancellation before it closes the stream, so a pending cancel tag
// wins; otherwise the close notification is awaited briefly.
func classifyClosedStream(sess *session) (outcome, string, error) {
	select {
	case tag := <-sess.cancelled:
		return outcomeCancelled, tag, nil
	default:
	}

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case tag := <-sess.cancelled:
		return outcomeCancelled, tag, nil
	case err := <-sess.connClosed:
		return outcomeLost, "", closeError(err)
	case err := <-sess.chClosed:
		return outcomeLost, "", closeError(err)
	case <-timer.C:
		return outcomeLost, "", ErrStreamClosed
	}
}

func closeError(err *amqp.Error) error {
	if err == nil {
		return amqp.ErrClosed
	}
	return err
}

func (s *Source) reconnect(ctx context.Context, queue string) (*session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.profile.ReconnectInterval
	b.MaxInterval = s.profile.MaxReconnectInterval

	attempt := 0
	return backoff.Retry(ctx, func() (*session, error) {
		attempt++
		return s.open(queue)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("Reconnect attempt failed.", logging.LogFields{
				"attempt":  attempt,
				"retry_in": next.String(),
				"error":    err.Error(),
			})
		}),
	)
}
