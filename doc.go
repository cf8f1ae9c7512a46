// Package amqp2nats is a one-directional relay that consumes a RabbitMQ queue
// and republishes every message to a NATS subject. Each delivery is
// acknowledged first and then published with the reply-to subject
// "r-<subject>", one delivery at a time, so queue order is kept on the NATS
// side. Payloads are opaque and never transformed.
//
// Config carries both connection profiles and the relay tuning. LoadConfig
// reads a YAML file, applies AMQP2NATS_* environment overrides and validates
// the result; ApplyVaultSecrets can fill credentials from HashiCorp Vault.
// NewService wires the RabbitMQ source, the NATS publisher, one lifecycle
// tracker per link, the relay bridge and its supervisor:
//
//	svc, err := amqp2nats.NewService(cfg, logger, amqp2nats.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	<-ctx.Done()
//	return svc.Stop(context.Background())
//
// # Connection events
//
// Both links report losses, recoveries and the first connect through a
// LifecycleTracker. A recovery is logged at error severity together with the
// outage duration. A consumer cancelled by RabbitMQ is logged at critical
// severity and ends the relay loop; Service.Done and Service.Err expose it.
//
// # Delivery semantics
//
// With the default AckBeforeForward ordering a publish failure loses the
// message; AckAfterForward publishes first and requeues on failure, trading
// duplicates for durability. Both are at-least-once end to end only with
// respect to broker crashes, never exactly-once.
//
// # Hooks and metrics
//
// RelayHooks provide OnRelayStart, OnRelayDone, OnRelayError, OnHiccup and
// OnHeartbeat callbacks. RelayMetrics exports them to Prometheus, and the
// status server serves /healthz, /status and /metrics.
package amqp2nats
