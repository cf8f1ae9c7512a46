// Package nats provides the pub/sub broker collaborator: a core NATS
// connection that publishes relayed payloads with a reply-to subject and
// reports disconnects and reconnects to an observer.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/amqp2nats/internal/runtime/config"
	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	"github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/transport"
)

// ErrDisconnected stands in for the cause when the client reports a
// disconnect without one.
var ErrDisconnected = errors.New("amqp2nats: nats connection lost")

// ErrDrainTimeout is returned by Close when the connection did not finish
// draining in time and had to be closed with publishes still buffered.
var ErrDrainTimeout = errors.New("amqp2nats: nats drain timed out")

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

// ConnectFunc allows overriding the connection creation for testing.
var ConnectFunc = func(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// Publisher publishes to a NATS server. The underlying client reconnects on
// its own; Publisher only translates its callbacks into observer calls.
type Publisher struct {
	profile  config.PubSubProfile
	observer transport.ConnectionObserver
	logger   logging.ServiceLogger
	conn     Conn
	closed   atomic.Bool

	connClosed     chan struct{}
	connClosedOnce sync.Once
}

// New connects to the server named by profile.URL. A failed first connect
// is returned as an error; later disconnects are retried forever.
func New(profile config.PubSubProfile, observer transport.ConnectionObserver, logger logging.ServiceLogger) (*Publisher, error) {
	if observer == nil {
		observer = transport.ObserverFunc{}
	}
	if profile.ReconnectWait == 0 {
		profile.ReconnectWait = config.DefaultNATSReconnectWait
	}
	if profile.DrainTimeout == 0 {
		profile.DrainTimeout = config.DefaultNATSDrainTimeout
	}
	p := &Publisher{
		profile:    profile,
		observer:   observer,
		logger:     logger.With(logging.LogFields{"link": "NATS"}),
		connClosed: make(chan struct{}),
	}

	conn, err := ConnectFunc(profile.URL, p.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn
	observer.ConnectionRestored()

	p.logger.Info("Initialized NATS connection service.", logging.LogFields{
		"subject": profile.Subject,
		"auth":    profile.AuthMode().String(),
	})
	return p, nil
}

// AuthOption returns the client option for the profile's auth mode, or nil
// when the connection is unauthenticated.
func AuthOption(profile config.PubSubProfile) nats.Option {
	switch profile.AuthMode() {
	case config.AuthToken:
		return nats.Token(profile.Secret)
	case config.AuthUserPassword:
		return nats.UserInfo(profile.User, profile.Password)
	default:
		return nil
	}
}

func (p *Publisher) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(p.profile.ReconnectWait),
		nats.DrainTimeout(p.profile.DrainTimeout),
		nats.DisconnectErrHandler(p.handleDisconnect),
		nats.ReconnectHandler(p.handleReconnect),
		nats.ClosedHandler(p.handleClosed),
		nats.ErrorHandler(p.handleAsyncError),
	}
	if p.profile.Name != "" {
		opts = append(opts, nats.Name(p.profile.Name))
	}
	if auth := AuthOption(p.profile); auth != nil {
		opts = append(opts, auth)
	}
	return opts
}

func (p *Publisher) handleDisconnect(_ *nats.Conn, err error) {
	// The client reports a disconnect on Close as well.
	if p.closed.Load() {
		return
	}
	if err == nil {
		err = ErrDisconnected
	}
	p.observer.ConnectionLost(err)
}

func (p *Publisher) handleReconnect(_ *nats.Conn) {
	p.observer.ConnectionRestored()
}

func (p *Publisher) handleClosed(_ *nats.Conn) {
	p.logger.Debug("NATS connection closed.", nil)
	p.connClosedOnce.Do(func() { close(p.connClosed) })
}

// Slow consumer errors come from subscriptions. This connection only
// publishes, so its dropped messages surface in Publish instead.
func (p *Publisher) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if errors.Is(err, nats.ErrSlowConsumer) {
		fields := logging.LogFields{}
		if sub != nil {
			fields["subject"] = sub.Subject
		}
		p.logger.Error("Message dropped!", err, fields)
		return
	}
	p.logger.Error("NATS asynchronous error.", err, nil)
}

// Publish sends payload to subject with replyTo attached. While the client is
// reconnecting the message is buffered by the client library. With a
// positive FlushTimeout the call also waits for the server round trip.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, replyTo string) error {
	if p.closed.Load() {
		return errspkg.ErrPublisherClosed
	}
	p.logger.Debug("Message", logging.LogFields{
		"subject":  subject,
		"reply_to": replyTo,
		"size":     len(payload),
	})

	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Reply: replyTo, Data: payload}); err != nil {
		// While reconnecting the client buffers up to ReconnectBufSize bytes
		// and refuses everything beyond that.
		if errors.Is(err, nats.ErrReconnectBufExceeded) {
			p.logger.Error("Message dropped!", err, logging.LogFields{"subject": subject})
		}
		return fmt.Errorf("failed to publish to %q: %w", subject, err)
	}
	if p.profile.FlushTimeout > 0 {
		flushCtx, cancel := context.WithTimeout(ctx, p.profile.FlushTimeout)
		defer cancel()
		if err := p.conn.FlushWithContext(flushCtx); err != nil {
			return fmt.Errorf("failed to flush publish to %q: %w", subject, err)
		}
	}
	return nil
}

// PublishDefault publishes to the profile subject with the derived reply-to.
func (p *Publisher) PublishDefault(ctx context.Context, payload []byte) error {
	return p.Publish(ctx, p.profile.Subject, payload, p.profile.ReplyTo())
}

// Close drains buffered publishes and returns once the connection is closed,
// or after DrainTimeout with ErrDrainTimeout. Calling it more than once is a
// no-op.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	timer := time.NewTimer(p.profile.DrainTimeout)
	defer timer.Stop()
	select {
	case <-p.connClosed:
		return nil
	case <-timer.C:
		p.conn.Close()
		return ErrDrainTimeout
	}
}
