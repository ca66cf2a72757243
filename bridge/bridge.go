// Package bridge connects a callback-driven Kafka engine to a host.Loop.
// Engine callbacks copy their data into events queued on the loop; the
// loop's tick polls every handle, drains every running consumer and then
// dispatches the queued events to host callbacks on the loop goroutine.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/telemetry"
)

// drainChunk is how many messages one drain call asks the engine for; a
// running consumer is drained until a call comes back short.
const drainChunk = 500

type Option func(*Bridge)

// WithPollInterval sets the longest the loop may sleep between polls.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) { b.pollInterval = d }
}

// Bridge owns the engine configuration, the handle-level callbacks and
// every handle opened through it.
type Bridge struct {
	loop         *host.Loop
	driver       string
	cfg          engine.Config
	pollInterval time.Duration

	delivery atomic.Pointer[host.Callback]
	errorCb  atomic.Pointer[host.Callback]
	logCb    atomic.Pointer[host.Callback]
	stats    atomic.Pointer[host.Callback]
	sampling sampler

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	closed  bool
	detach  func()
}

// New creates a bridge for the named engine driver and registers it as a
// source on loop.
func New(loop *host.Loop, driver string, cfg engine.Config, opts ...Option) *Bridge {
	b := &Bridge{
		loop:         loop,
		driver:       driver,
		cfg:          cfg,
		pollInterval: host.DefaultMaxBlock,
		handles:      map[uint64]*Handle{},
	}
	for _, o := range opts {
		o(b)
	}
	b.detach = loop.AddSource(b)
	return b
}

func (b *Bridge) Loop() *host.Loop { return b.loop }

// Version reports the engine library version.
func (b *Bridge) Version() (string, error) {
	return engine.Version(b.driver)
}

func (b *Bridge) NewProducer() (*Handle, error) { return b.open(engine.RoleProducer) }
func (b *Bridge) NewConsumer() (*Handle, error) { return b.open(engine.RoleConsumer) }

func (b *Bridge) open(role engine.Role) (*Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	h := newHandle(b, b.nextID, role)
	b.mu.Unlock()

	eng, err := engine.Open(b.driver, role, b.cfg, b.engineCallbacks(h))
	if err != nil {
		return nil, err
	}
	h.eng = eng

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = eng.Close()
		return nil, ErrClosed
	}
	b.handles[h.id] = h
	return h, nil
}

func (b *Bridge) forget(h *Handle) {
	b.mu.Lock()
	delete(b.handles, h.id)
	b.mu.Unlock()
}

func (b *Bridge) snapshot() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		out = append(out, h)
	}
	return out
}

// engineCallbacks may run on engine goroutines: they copy what they are
// given and queue it.
func (b *Bridge) engineCallbacks(h *Handle) engine.Callbacks {
	return engine.Callbacks{
		DeliveryReport: func(m *engine.Message) {
			if h.closed.Load() || b.delivery.Load() == nil {
				return
			}
			if m.Err == nil && !b.sampling.take() {
				telemetry.EventsDropped.WithLabelValues("sampled").Inc()
				return
			}
			b.enqueue(&deliveryEvent{h: h, msg: copyMessage(m)})
		},
		Error: func(e *engine.Error) {
			if h.closed.Load() {
				return
			}
			b.enqueue(&errorEvent{h: h, code: e.Code, reason: e.Reason})
		},
		Statistics: func(js []byte) {
			if h.closed.Load() || b.stats.Load() == nil {
				return
			}
			b.enqueue(&statsEvent{h: h, json: append([]byte(nil), js...)})
		},
		Log: func(level engine.Level, facility, text string) {
			if h.closed.Load() {
				return
			}
			b.enqueue(&logEvent{h: h, level: level, facility: facility, text: text})
		},
	}
}

func swapCallback(p *atomic.Pointer[host.Callback], cb *host.Callback) {
	old := p.Swap(cb)
	if old == cb {
		return
	}
	old.Release()
	cb.Retain()
}

// SetDeliveryReportCallback sets the callback that receives a *Message for
// each delivery report. Nil disables delivery reports.
func (b *Bridge) SetDeliveryReportCallback(cb *host.Callback) { swapCallback(&b.delivery, cb) }

// SetErrorCallback sets the callback that receives an ErrorReport. With no
// callback errors are logged.
func (b *Bridge) SetErrorCallback(cb *host.Callback) { swapCallback(&b.errorCb, cb) }

// SetLogCallback sets the callback that receives a LogLine. With no
// callback engine log lines go to the process logger.
func (b *Bridge) SetLogCallback(cb *host.Callback) { swapCallback(&b.logCb, cb) }

// SetStatisticsCallback sets the callback that receives Statistics.
func (b *Bridge) SetStatisticsCallback(cb *host.Callback) { swapCallback(&b.stats, cb) }

// SetDeliveryReportSampling delivers only the first of every `every`
// successful delivery reports. Values below 2 deliver all of them. Failed
// deliveries are always reported.
func (b *Bridge) SetDeliveryReportSampling(every int) { b.sampling.set(every) }

// SampleNextDeliveryReport delivers the next successful report regardless
// of sampling.
func (b *Bridge) SampleNextDeliveryReport() { b.sampling.forceNext() }

// MaxBlock implements host.Source.
func (b *Bridge) MaxBlock() time.Duration { return b.pollInterval }

// Tick implements host.Source: poll every handle, then drain every running
// consumer that has a callback. It never blocks.
func (b *Bridge) Tick(ctx context.Context) {
	telemetry.PollTicks.Inc()
	for _, h := range b.snapshot() {
		if h.closed.Load() {
			continue
		}
		h.eng.Poll(0)
		for _, rc := range h.running() {
			if rc.callback() != nil {
				b.drain(rc)
			}
		}
	}
}

func (b *Bridge) drain(rc *runningConsumer) {
	for rc.active() {
		msgs, err := rc.owner.consumeBatch(0, drainChunk)
		if err != nil {
			telemetry.DrainErrors.Inc()
			b.enqueue(&errorEvent{h: rc.h, code: engine.CodeOf(err), reason: err.Error()})
			return
		}
		for _, m := range msgs {
			b.enqueue(&consumeEvent{rc: rc, msg: copyMessage(m)})
		}
		if len(msgs) < drainChunk {
			return
		}
	}
}

// Close closes every handle and detaches from the loop.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, h := range b.snapshot() {
		errs = append(errs, h.Close())
	}
	b.detach()
	for _, p := range []*atomic.Pointer[host.Callback]{&b.delivery, &b.errorCb, &b.logCb, &b.stats} {
		swapCallback(p, nil)
	}
	return errors.Join(errs...)
}

// sampler implements delivery report sampling.
type sampler struct {
	mu        sync.Mutex
	every     int
	countdown int
	next      bool
}

func (s *sampler) set(every int) {
	s.mu.Lock()
	s.every, s.countdown = every, 1
	s.mu.Unlock()
}

func (s *sampler) forceNext() {
	s.mu.Lock()
	s.next = true
	s.mu.Unlock()
}

func (s *sampler) take() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next {
		s.next = false
		return true
	}
	if s.every < 2 {
		return true
	}
	s.countdown--
	if s.countdown <= 0 {
		s.countdown = s.every
		return true
	}
	return false
}
