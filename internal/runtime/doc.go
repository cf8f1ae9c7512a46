/*
Package runtime provides the relay core for amqp2nats.

# Architecture Overview

The relay consumes one RabbitMQ queue and republishes every delivery to a NATS
subject. Deliveries are processed strictly one at a time so queue order is
preserved end to end.

# Package Structure

## Service (service.go)

Service wires the collaborators together:
  - RabbitMQ source and NATS publisher (transport/rabbitmq, transport/nats)
  - one lifecycle tracker per broker link
  - ConsumerBridge and its Supervisor
  - RelayMetrics and the status HTTP server

## Relay Pipeline (bridge.go, progress.go)

ConsumerBridge subscribes once and, for every delivery:
  - acknowledges it (multiple=true), then forwards it with reply-to "r-<subject>"
  - warns when acknowledge plus forward exceeded the hiccup threshold
  - logs the body at trace level when body logging is enabled
  - counts it, emitting a heartbeat each time the counter rolls over

With the ack-after-forward ordering the delivery is published first and
acknowledged only on success; a failed publish is requeued.

## Supervisor (supervisor.go)

Start runs the bridge on its own goroutine and returns. Stop signals the loop
once and waits for it to unwind; an in-flight delivery is always finished.
Done and Err report an exit such as a consumer cancellation.

## Hooks & Metrics (hooks.go, metrics.go)

RelayHooks expose OnRelayStart, OnRelayDone, OnRelayError, OnHiccup and
OnHeartbeat. RelayMetrics records them into Prometheus and also listens to the
lifecycle trackers for link state and outage durations.

## Status (status.go)

/healthz, /status and /metrics.

# Sub-packages

  - config/: connection profiles, relay tuning, loading and Vault secrets
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - lifecycle/: per-link Up/Down tracker with outage reporting
  - logging/: logger interface and adapters
*/
package runtime
