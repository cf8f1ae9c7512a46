package transport

import "errors"

// ErrNoAcknowledger is returned when a delivery carries no channel to settle it on.
var ErrNoAcknowledger = errors.New("amqp2nats: delivery has no acknowledger")
