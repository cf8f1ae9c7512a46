package errors

import sterrors "errors"

var (
	ErrQueueHostRequired   = sterrors.New("amqp2nats: queue host is required")
	ErrQueueNameRequired   = sterrors.New("amqp2nats: queue name is required")
	ErrPubSubURLRequired   = sterrors.New("amqp2nats: pub/sub url is required")
	ErrSubjectRequired     = sterrors.New("amqp2nats: pub/sub subject is required")
	ErrSourceRequired      = sterrors.New("amqp2nats: queue source is required")
	ErrPublisherRequired   = sterrors.New("amqp2nats: publisher is required")
	ErrLoggerRequired      = sterrors.New("amqp2nats: logger is required")
	ErrConsumerCancelled   = sterrors.New("amqp2nats: consumer cancelled by the queue broker")
	ErrSourceClosed        = sterrors.New("amqp2nats: queue source closed the delivery stream")
	ErrAlreadyStarted      = sterrors.New("amqp2nats: supervisor already started")
	ErrNotStarted          = sterrors.New("amqp2nats: supervisor not started")
	ErrUnknownOrdering     = sterrors.New("amqp2nats: unknown ordering policy")
	ErrPublisherClosed     = sterrors.New("amqp2nats: publisher is closed")
	ErrVaultNotInitialized = sterrors.New("amqp2nats: vault client is not initialized")
)

// ConfigValidationError describes a single invalid configuration field.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return "amqp2nats: invalid config " + e.Field + ": " + e.Reason
}
