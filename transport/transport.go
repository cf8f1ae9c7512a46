// Package transport defines the contracts between the relay and the broker
// clients. The queue side (transport/rabbitmq) produces deliveries, the
// pub/sub side (transport/nats) publishes them, and both report connection
// state through a ConnectionObserver.
package transport

import (
	"context"
)

// Acknowledger settles a delivery with the queue broker. *amqp091.Channel
// satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Delivery is a single message handed over by the queue broker. Body is opaque
// to the relay.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
	// ConsumerTag identifies the subscription the delivery arrived on.
	ConsumerTag string
	// Redelivered is set by the broker when the message was delivered before.
	Redelivered  bool
	Acknowledger Acknowledger
}

// Ack acknowledges the delivery, and with multiple set every earlier
// unacknowledged delivery on the same channel.
func (d Delivery) Ack(multiple bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack(d.DeliveryTag, multiple)
}

// Nack rejects the delivery, optionally asking the broker to requeue it.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Nack(d.DeliveryTag, false, requeue)
}

// ConnectionObserver receives connection-state notifications from a broker
// client. Calls may arrive on any goroutine.
type ConnectionObserver interface {
	// ConnectionLost is called when the link drops (shutdown/disconnect).
	ConnectionLost(err error)
	// ConnectionRestored is called on the first connect and on every
	// successful reconnect (registered/opened).
	ConnectionRestored()
	// ConsumerCancelled is called when the remote side cancels the
	// subscription. Only the queue side emits it.
	ConsumerCancelled(reason string)
}

// Source is the queue broker collaborator.
type Source interface {
	// Consume subscribes to queue with manual acknowledgement. The returned
	// channel yields deliveries one at a time in broker order and is closed
	// when ctx is done, when the consumer is cancelled remotely, or when the
	// source is closed. Reconnection happens behind the channel and is
	// reported through observer.
	Consume(ctx context.Context, queue string, observer ConnectionObserver) (<-chan Delivery, error)
	Close() error
}

// Publisher is the pub/sub broker collaborator.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, replyTo string) error
}

// ObserverFunc adapts plain functions to ConnectionObserver. Nil fields are
// skipped.
type ObserverFunc struct {
	OnLost      func(err error)
	OnRestored  func()
	OnCancelled func(reason string)
}

func (o ObserverFunc) ConnectionLost(err error) {
	if o.OnLost != nil {
		o.OnLost(err)
	}
}

func (o ObserverFunc) ConnectionRestored() {
	if o.OnRestored != nil {
		o.OnRestored()
	}
}

func (o ObserverFunc) ConsumerCancelled(reason string) {
	if o.OnCancelled != nil {
		o.OnCancelled(reason)
	}
}

// MultiObserver fans notifications out to every observer in order.
type MultiObserver []ConnectionObserver

func (m MultiObserver) ConnectionLost(err error) {
	for _, o := range m {
		o.ConnectionLost(err)
	}
}

func (m MultiObserver) ConnectionRestored() {
	for _, o := range m {
		o.ConnectionRestored()
	}
}

func (m MultiObserver) ConsumerCancelled(reason string) {
	for _, o := range m {
		o.ConsumerCancelled(reason)
	}
}
