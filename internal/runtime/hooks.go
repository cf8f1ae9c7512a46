package runtime

import (
	"time"
)

// RelayContext describes one relayed delivery to hooks.
type RelayContext struct {
	// MessageID is a ULID assigned when the delivery entered the pipeline.
	MessageID   string
	DeliveryTag uint64
	Subject     string
	Size        int
	Redelivered bool
	StartedAt   time.Time
	// Duration covers acknowledge and forward; set for every hook except
	// OnRelayStart.
	Duration time.Duration
}

// RelayHooks defines callbacks for relay pipeline events.
// All hooks are optional - nil hooks are simply not called.
type RelayHooks struct {
	// OnRelayStart is called before the delivery is acknowledged or forwarded.
	OnRelayStart func(ctx RelayContext)

	// OnRelayDone is called after the delivery was acknowledged and published.
	OnRelayDone func(ctx RelayContext)

	// OnRelayError is called when acknowledging or forwarding failed. The
	// error is a *RelayError naming the failed stage.
	OnRelayError func(ctx RelayContext, err error)

	// OnHiccup is called when a delivery took longer than the hiccup threshold.
	OnHiccup func(ctx RelayContext)

	// OnHeartbeat is called each time the progress counter rolls over.
	OnHeartbeat func(at time.Time)
}

// Merge combines two RelayHooks, creating a new RelayHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h RelayHooks) Merge(other RelayHooks) RelayHooks {
	return RelayHooks{
		OnRelayStart: chainContextHooks(h.OnRelayStart, other.OnRelayStart),
		OnRelayDone:  chainContextHooks(h.OnRelayDone, other.OnRelayDone),
		OnRelayError: chainErrorHooks(h.OnRelayError, other.OnRelayError),
		OnHiccup:     chainContextHooks(h.OnHiccup, other.OnHiccup),
		OnHeartbeat:  chainHeartbeatHooks(h.OnHeartbeat, other.OnHeartbeat),
	}
}

func chainContextHooks(a, b func(RelayContext)) func(RelayContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RelayContext, error)) func(RelayContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RelayContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainHeartbeatHooks(a, b func(time.Time)) func(time.Time) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(at time.Time) {
		a(at)
		b(at)
	}
}

func (h RelayHooks) relayStart(ctx RelayContext) {
	if h.OnRelayStart != nil {
		h.OnRelayStart(ctx)
	}
}

func (h RelayHooks) relayDone(ctx RelayContext) {
	if h.OnRelayDone != nil {
		h.OnRelayDone(ctx)
	}
}

func (h RelayHooks) relayError(ctx RelayContext, err error) {
	if h.OnRelayError != nil {
		h.OnRelayError(ctx, err)
	}
}

func (h RelayHooks) hiccup(ctx RelayContext) {
	if h.OnHiccup != nil {
		h.OnHiccup(ctx)
	}
}

func (h RelayHooks) heartbeat(at time.Time) {
	if h.OnHeartbeat != nil {
		h.OnHeartbeat(at)
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on relay errors.
func AlertingHooks(alertFunc func(ctx RelayContext, err error)) RelayHooks {
	return RelayHooks{
		OnRelayError: alertFunc,
	}
}
