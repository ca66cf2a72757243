package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/telemetry"
)

// Handle is one engine connection in a producer or consumer role together
// with the topics and queues opened on it.
type Handle struct {
	b    *Bridge
	id   uint64
	role engine.Role
	eng  engine.Handle

	closing atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	md        *engine.Metadata
	mdStale   bool
	nextID    uint64
	producers map[uint64]*TopicProducer
	consumers map[uint64]*TopicConsumer
	queues    map[uint64]*QueueConsumer
}

func newHandle(b *Bridge, id uint64, role engine.Role) *Handle {
	return &Handle{
		b:         b,
		id:        id,
		role:      role,
		producers: map[uint64]*TopicProducer{},
		consumers: map[uint64]*TopicConsumer{},
		queues:    map[uint64]*QueueConsumer{},
	}
}

func (h *Handle) Name() string      { return h.eng.Name() }
func (h *Handle) Role() engine.Role { return h.role }

// AddBrokers adds "host:port" addresses and reports how many were accepted.
func (h *Handle) AddBrokers(brokers ...string) (int, error) {
	if h.closing.Load() {
		return 0, ErrClosed
	}
	return h.eng.AddBrokers(brokers...)
}

func (h *Handle) SetLogLevel(level engine.Level) {
	h.eng.SetLogLevel(level)
}

// Metadata returns the cluster metadata, fetching it on first use. After
// InvalidateMetadata it fails with ErrMetadataStale until RefreshMetadata.
func (h *Handle) Metadata(ctx context.Context) (*engine.Metadata, error) {
	h.mu.Lock()
	md, stale := h.md, h.mdStale
	h.mu.Unlock()
	switch {
	case stale:
		return nil, ErrMetadataStale
	case md != nil:
		return md, nil
	}
	return h.RefreshMetadata(ctx)
}

// RefreshMetadata fetches a new snapshot for every topic.
func (h *Handle) RefreshMetadata(ctx context.Context) (*engine.Metadata, error) {
	if h.closing.Load() {
		return nil, ErrClosed
	}
	md, err := h.eng.Metadata(ctx, "")
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.md, h.mdStale = md, false
	h.mu.Unlock()
	return md, nil
}

func (h *Handle) InvalidateMetadata() {
	h.mu.Lock()
	h.mdStale = true
	h.mu.Unlock()
}

func (h *Handle) NewTopicProducer(name string) (*TopicProducer, error) {
	if h.role != engine.RoleProducer {
		return nil, ErrWrongRole
	}
	t, err := h.newTopic(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	p := &TopicProducer{h: h, id: h.nextID, topic: t, name: name}
	h.producers[p.id] = p
	return p, nil
}

func (h *Handle) NewTopicConsumer(name string) (*TopicConsumer, error) {
	if h.role != engine.RoleConsumer {
		return nil, ErrWrongRole
	}
	t, err := h.newTopic(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &TopicConsumer{
		h:       h,
		id:      h.nextID,
		topic:   t,
		name:    name,
		running: map[int32]*runningConsumer{},
		queued:  map[int32]*QueueConsumer{},
	}
	h.consumers[c.id] = c
	return c, nil
}

func (h *Handle) newTopic(name string) (engine.Topic, error) {
	if h.closing.Load() {
		return nil, ErrClosed
	}
	return h.eng.NewTopic(name)
}

func (h *Handle) NewQueue() (*QueueConsumer, error) {
	if h.role != engine.RoleConsumer {
		return nil, ErrWrongRole
	}
	if h.closing.Load() {
		return nil, ErrClosed
	}
	q, err := h.eng.NewQueue()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	qc := &QueueConsumer{h: h, id: h.nextID, queue: q, routes: map[route]struct{}{}}
	h.queues[qc.id] = qc
	return qc, nil
}

// running lists the active running consumers of every topic and queue.
func (h *Handle) running() []*runningConsumer {
	h.mu.Lock()
	consumers := make([]*TopicConsumer, 0, len(h.consumers))
	for _, c := range h.consumers {
		consumers = append(consumers, c)
	}
	queues := make([]*QueueConsumer, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	var out []*runningConsumer
	for _, c := range consumers {
		out = append(out, c.activeConsumers()...)
	}
	for _, q := range queues {
		if rc := q.current(); rc != nil && rc.active() {
			out = append(out, rc)
		}
	}
	return out
}

// RunningCount is the number of running consumers under this handle.
func (h *Handle) RunningCount() int {
	return len(h.running())
}

// Close tears down every topic and queue of the handle, then the engine
// connection itself.
func (h *Handle) Close() error {
	if !h.closing.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	consumers := make([]*TopicConsumer, 0, len(h.consumers))
	for _, c := range h.consumers {
		consumers = append(consumers, c)
	}
	queues := make([]*QueueConsumer, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	producers := make([]*TopicProducer, 0, len(h.producers))
	for _, p := range h.producers {
		producers = append(producers, p)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	for _, q := range queues {
		errs = append(errs, q.Close())
	}
	for _, p := range producers {
		errs = append(errs, p.Close())
	}

	h.closed.Store(true)
	n := h.b.loop.DeleteEvents(func(ev host.Event) bool {
		e, ok := ev.(event)
		return ok && e.handle() == h
	})
	telemetry.EventsPurged.Add(float64(n))
	h.b.forget(h)
	errs = append(errs, h.eng.Close())
	return errors.Join(errs...)
}
