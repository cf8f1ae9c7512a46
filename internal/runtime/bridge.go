package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/amqp2nats/internal/runtime/config"
	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	idspkg "github.com/drblury/amqp2nats/internal/runtime/ids"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/transport"
)

const tracerName = "github.com/drblury/amqp2nats"

// RelayStage names the pipeline step a RelayError comes from.
type RelayStage string

const (
	StageAck     RelayStage = "ack"
	StageForward RelayStage = "forward"
	StageNack    RelayStage = "nack"
)

// RelayError is reported to OnRelayError when a delivery could not be
// relayed.
type RelayError struct {
	Stage RelayStage
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failed: %v", e.Stage, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// BridgeDependencies holds the collaborators of a ConsumerBridge. Source,
// Publisher and Logger are required.
type BridgeDependencies struct {
	Source    transport.Source
	Publisher transport.Publisher
	// Observer receives queue-side connection events, normally the RabbitMQ
	// lifecycle tracker.
	Observer transport.ConnectionObserver
	Logger   loggingpkg.ServiceLogger
	Hooks    RelayHooks
	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// ConsumerBridge subscribes to the queue once and runs the relay pipeline for
// every delivery, strictly one at a time.
type ConsumerBridge struct {
	source    transport.Source
	publisher transport.Publisher
	observer  transport.ConnectionObserver
	logger    loggingpkg.ServiceLogger
	hooks     RelayHooks
	tracer    trace.Tracer
	now       func() time.Time

	queue     string
	subject   string
	replyTo   string
	ordering  configpkg.OrderingPolicy
	threshold time.Duration
	logBodies bool
	hiccupMsg string

	progress  *ProgressCounter
	cancelled atomic.Bool
}

// NewConsumerBridge validates cfg and wires the bridge.
func NewConsumerBridge(cfg *configpkg.Config, deps BridgeDependencies) (*ConsumerBridge, error) {
	if err := configpkg.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if deps.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if deps.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	conf := cfg.WithDefaults()
	b := &ConsumerBridge{
		source:    deps.Source,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		hooks:     deps.Hooks,
		tracer:    deps.Tracer,
		now:       deps.Clock,
		queue:     conf.Queue.QueueName,
		subject:   conf.PubSub.Subject,
		replyTo:   conf.PubSub.ReplyTo(),
		ordering:  conf.Relay.Ordering,
		threshold: conf.Relay.HiccupThreshold,
		logBodies: conf.Relay.LogBodies,
		progress:  NewProgressCounter(conf.Relay.HeartbeatEvery),
	}
	b.hiccupMsg = fmt.Sprintf("Hiccup! Passing of the message took longer than %s.", b.threshold)
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	if b.now == nil {
		b.now = time.Now
	}

	observer := deps.Observer
	if observer == nil {
		observer = transport.ObserverFunc{}
	}
	b.observer = transport.MultiObserver{
		observer,
		transport.ObserverFunc{OnCancelled: func(string) { b.cancelled.Store(true) }},
	}
	return b, nil
}

// Run subscribes and relays until ctx is done or the delivery stream ends.
// It returns nil on a requested stop, ErrConsumerCancelled when the broker
// cancelled the subscription and ErrSourceClosed for any other end of stream.
// An in-flight delivery is always finished before Run returns.
func (b *ConsumerBridge) Run(ctx context.Context) error {
	deliveries, err := b.source.Consume(ctx, b.queue, b.observer)
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue %q: %w", b.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				switch {
				case b.cancelled.Load():
					return errspkg.ErrConsumerCancelled
				case ctx.Err() != nil:
					return nil
				default:
					return errspkg.ErrSourceClosed
				}
			}
			b.handle(ctx, d)
		}
	}
}

// Close releases the queue-side connection.
func (b *ConsumerBridge) Close() error {
	return b.source.Close()
}

// Progress returns the number of deliveries relayed since the last heartbeat.
func (b *ConsumerBridge) Progress() int {
	return b.progress.Count()
}

func (b *ConsumerBridge) handle(ctx context.Context, d transport.Delivery) {
	started := b.now()
	rc := RelayContext{
		MessageID:   idspkg.NewMessageID(started),
		DeliveryTag: d.DeliveryTag,
		Subject:     b.subject,
		Size:        len(d.Body),
		Redelivered: d.Redelivered,
		StartedAt:   started,
	}

	ctx, span := b.tracer.Start(ctx, "RelayMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", rc.MessageID),
		attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag)),
		attribute.String("messaging.source.name", b.queue),
		attribute.String("messaging.destination.name", b.subject),
		attribute.Int("messaging.message.body.size", rc.Size),
	)

	b.hooks.relayStart(rc)
	err := b.relay(ctx, d)
	rc.Duration = b.now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.hooks.relayError(rc, err)
	} else {
		b.hooks.relayDone(rc)
	}

	if rc.Duration > b.threshold {
		b.logger.Warn(b.hiccupMsg, loggingpkg.LogFields{
			"duration_ms": rc.Duration.Milliseconds(),
			"message_id":  rc.MessageID,
		})
		b.hooks.hiccup(rc)
	}

	if err != nil {
		return
	}

	if b.logBodies && b.logger.Enabled(loggingpkg.LevelTrace) {
		b.logger.Trace("OK", loggingpkg.LogFields{
			"message_id": rc.MessageID,
			"body":       string(d.Body),
		})
	}

	if b.progress.Increment() {
		at := b.now()
		b.logger.Info("Worker still running.", loggingpkg.LogFields{"time": at.Format(time.RFC3339)})
		b.hooks.heartbeat(at)
	}
}

// relay runs acknowledge and forward in the configured order. The publish
// context is detached from ctx so a stop request never aborts a forward that
// has already started.
func (b *ConsumerBridge) relay(ctx context.Context, d transport.Delivery) error {
	publishCtx := context.WithoutCancel(ctx)
	fields := loggingpkg.LogFields{"delivery_tag": d.DeliveryTag, "subject": b.subject}

	if b.ordering == configpkg.AckAfterForward {
		if err := b.publisher.Publish(publishCtx, b.subject, d.Body, b.replyTo); err != nil {
			b.logger.Error("Forwarding to NATS failed, message is requeued.", err, fields)
			if nerr := d.Nack(true); nerr != nil {
				b.logger.Error("Rejecting the message failed.", nerr, fields)
				return &RelayError{Stage: StageNack, Err: errors.Join(err, nerr)}
			}
			return &RelayError{Stage: StageForward, Err: err}
		}
		if err := d.Ack(false); err != nil {
			b.logger.Error("Acknowledging the message failed.", err, fields)
			return &RelayError{Stage: StageAck, Err: err}
		}
		return nil
	}

	// A failed ack leaves the delivery with the broker, which redelivers it;
	// forwarding it here as well would publish it twice.
	if err := d.Ack(true); err != nil {
		b.logger.Error("Acknowledging the message failed.", err, fields)
		return &RelayError{Stage: StageAck, Err: err}
	}
	if err := b.publisher.Publish(publishCtx, b.subject, d.Body, b.replyTo); err != nil {
		b.logger.Error("Forwarding to NATS failed, message is lost.", err, fields)
		return &RelayError{Stage: StageForward, Err: err}
	}
	return nil
}
