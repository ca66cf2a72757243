package bridge

import (
	"context"

	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/logging"
	"kafkabridge/internal/telemetry"
)

const (
	kindConsume  = "consume"
	kindDelivery = "delivery"
	kindError    = "error"
	kindStats    = "statistics"
	kindLog      = "log"
)

// event is the closed set of things the bridge queues on the host loop.
type event interface {
	host.Event
	kind() string
	handle() *Handle
}

type consumeEvent struct {
	rc  *runningConsumer
	msg *Message
}

type deliveryEvent struct {
	h   *Handle
	msg *Message
}

type errorEvent struct {
	h      *Handle
	code   engine.Code
	reason string
}

type statsEvent struct {
	h    *Handle
	json []byte
}

type logEvent struct {
	h        *Handle
	level    engine.Level
	facility string
	text     string
}

func (*consumeEvent) kind() string  { return kindConsume }
func (*deliveryEvent) kind() string { return kindDelivery }
func (*errorEvent) kind() string    { return kindError }
func (*statsEvent) kind() string    { return kindStats }
func (*logEvent) kind() string      { return kindLog }

func (e *consumeEvent) handle() *Handle  { return e.rc.h }
func (e *deliveryEvent) handle() *Handle { return e.h }
func (e *errorEvent) handle() *Handle    { return e.h }
func (e *statsEvent) handle() *Handle    { return e.h }
func (e *logEvent) handle() *Handle      { return e.h }

func (b *Bridge) enqueue(ev event) {
	telemetry.EventsEnqueued.WithLabelValues(ev.kind()).Inc()
	b.loop.QueueEvent(ev)
}

func drop(ev event, reason string) {
	telemetry.EventsDropped.WithLabelValues(reason).Inc()
	logging.L().Debug("event dropped", "kind", ev.kind(), "reason", reason)
}

func (b *Bridge) invoke(ctx context.Context, ev event, cb *host.Callback, arg any) {
	if err := b.loop.Invoke(ctx, cb, arg); err != nil {
		telemetry.CallbackErrors.Inc()
	}
	telemetry.EventsDispatched.WithLabelValues(ev.kind()).Inc()
}

func (e *consumeEvent) Process(ctx context.Context) {
	if !e.rc.active() || e.rc.h.closed.Load() {
		drop(e, "stale")
		return
	}
	if o, ok := e.rc.owner.(queueOwner); ok && !o.q.routed(e.msg.Topic, e.msg.Partition) {
		drop(e, "stale")
		return
	}
	cb := e.rc.callback()
	if cb == nil {
		drop(e, "no_callback")
		return
	}
	e.rc.h.b.invoke(ctx, e, cb, e.msg)
}

func (e *deliveryEvent) Process(ctx context.Context) {
	if e.h.closed.Load() {
		drop(e, "stale")
		return
	}
	cb := e.h.b.delivery.Load()
	if cb == nil {
		drop(e, "no_callback")
		return
	}
	e.h.b.invoke(ctx, e, cb, e.msg)
}

func (e *errorEvent) Process(ctx context.Context) {
	if e.h.closed.Load() {
		drop(e, "stale")
		return
	}
	report := ErrorReport{Handle: e.h.Name(), Code: e.code, Reason: e.reason}
	cb := e.h.b.errorCb.Load()
	if cb == nil {
		logging.L().Error("kafka error", "handle", report.Handle, "code", report.Code.String(), "reason", report.Reason)
		telemetry.EventsDispatched.WithLabelValues(e.kind()).Inc()
		return
	}
	e.h.b.invoke(ctx, e, cb, report)
}

func (e *statsEvent) Process(ctx context.Context) {
	if e.h.closed.Load() {
		drop(e, "stale")
		return
	}
	cb := e.h.b.stats.Load()
	if cb == nil {
		drop(e, "no_callback")
		return
	}
	e.h.b.invoke(ctx, e, cb, Statistics{Handle: e.h.Name(), JSON: e.json})
}

func (e *logEvent) Process(ctx context.Context) {
	if e.h.closed.Load() {
		drop(e, "stale")
		return
	}
	line := LogLine{Handle: e.h.Name(), Level: e.level, Facility: e.facility, Text: e.text}
	cb := e.h.b.logCb.Load()
	if cb == nil {
		logging.L().Log(ctx, line.Level.Slog(), line.Text, "handle", line.Handle, "facility", line.Facility)
		telemetry.EventsDispatched.WithLabelValues(e.kind()).Inc()
		return
	}
	e.h.b.invoke(ctx, e, cb, line)
}
