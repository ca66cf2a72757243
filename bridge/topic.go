package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kafkabridge/engine"
	"kafkabridge/host"
)

// TopicProducer produces to one topic through a producer handle.
type TopicProducer struct {
	h     *Handle
	id    uint64
	name  string
	topic engine.Topic
	once  sync.Once
}

func (p *TopicProducer) Name() string { return p.name }

// ProduceOne queues one message. Use engine.PartitionUA to let the engine
// pick the partition from the key.
func (p *TopicProducer) ProduceOne(partition int32, payload, key []byte) error {
	if p.h.closing.Load() {
		return ErrClosed
	}
	return p.topic.Produce(partition, payload, key, nil)
}

// ProduceBatch queues records in order and returns how many were accepted.
// Rejections do not stop the batch; they come back joined.
func (p *TopicProducer) ProduceBatch(partition int32, records []Record) (int, error) {
	if p.h.closing.Load() {
		return 0, ErrClosed
	}
	var errs []error
	n := 0
	for i, r := range records {
		if err := p.topic.Produce(partition, r.Payload, r.Key, nil); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (p *TopicProducer) Close() error {
	var err error
	p.once.Do(func() {
		p.h.mu.Lock()
		delete(p.h.producers, p.id)
		p.h.mu.Unlock()
		err = p.topic.Close()
	})
	return err
}

// TopicConsumer consumes partitions of one topic through a consumer handle.
// Each started partition has a running consumer; those with a callback are
// drained on every loop tick.
type TopicConsumer struct {
	h     *Handle
	id    uint64
	name  string
	topic engine.Topic

	mu      sync.Mutex
	running map[int32]*runningConsumer
	// queued holds partitions started into a queue.
	queued map[int32]*QueueConsumer
	closed bool
}

func (c *TopicConsumer) Name() string { return c.name }

// ConsumeStart starts consuming partition at offset. With a callback every
// message is delivered to it from the loop; without one, read with
// ConsumeOne or ConsumeBatch.
func (c *TopicConsumer) ConsumeStart(partition int32, offset engine.Offset, cb *host.Callback) error {
	rc := newRunningConsumer(c.h, topicOwner{t: c, partition: partition})
	if err := c.reserve(partition, rc); err != nil {
		return err
	}
	if err := c.topic.ConsumeStart(partition, offset); err != nil {
		c.mu.Lock()
		delete(c.running, partition)
		c.mu.Unlock()
		return err
	}
	rc.activate(cb)
	return nil
}

func (c *TopicConsumer) reserve(partition int32, rc *runningConsumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed || c.h.closing.Load():
		return ErrClosed
	case c.running[partition] != nil:
		return ErrAlreadyRunning
	}
	if _, ok := c.queued[partition]; ok {
		return ErrAlreadyRunning
	}
	c.running[partition] = rc
	return nil
}

// ConsumeStartQueue routes partition into q. Its messages are read, or
// delivered to a callback, through the queue.
func (c *TopicConsumer) ConsumeStartQueue(partition int32, offset engine.Offset, q *QueueConsumer) error {
	if q.h != c.h {
		return fmt.Errorf("%w: queue belongs to another handle", ErrWrongRole)
	}
	c.mu.Lock()
	switch {
	case c.closed || c.h.closing.Load():
		c.mu.Unlock()
		return ErrClosed
	case c.running[partition] != nil:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := c.queued[partition]; ok {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.queued[partition] = q
	c.mu.Unlock()

	q.route(c.name, partition, true)
	if err := c.topic.ConsumeStartQueue(partition, offset, q.queue); err != nil {
		q.route(c.name, partition, false)
		c.mu.Lock()
		delete(c.queued, partition)
		c.mu.Unlock()
		return err
	}
	return nil
}

// ConsumeStop stops partition. Events already queued for it are discarded
// and its callback is released; for a partition routed into a queue that
// means the queue's events carrying this partition. The engine is asked to
// stop even if the bridge has no record of the partition, and its error is
// returned.
func (c *TopicConsumer) ConsumeStop(partition int32) error {
	c.mu.Lock()
	rc := c.running[partition]
	q := c.queued[partition]
	delete(c.running, partition)
	delete(c.queued, partition)
	c.mu.Unlock()

	stop := func() error { return c.topic.ConsumeStop(partition) }
	switch {
	case rc != nil:
		return rc.stop(stop)
	case q != nil:
		q.route(c.name, partition, false)
		err := stop()
		q.purge(c.name, partition)
		return err
	}
	return stop()
}

// ConsumeCallback replaces the callback of a started partition. A nil
// callback stops delivery without stopping consumption.
func (c *TopicConsumer) ConsumeCallback(partition int32, cb *host.Callback) error {
	c.mu.Lock()
	rc := c.running[partition]
	c.mu.Unlock()
	if rc == nil || !rc.active() {
		return ErrNotRunning
	}
	rc.setCallback(cb)
	return nil
}

// ConsumeOne waits up to timeout for the next message of partition.
func (c *TopicConsumer) ConsumeOne(partition int32, timeout time.Duration) (Result, error) {
	msgs, err := c.topic.ConsumeBatch(partition, timeout, 1)
	if err != nil {
		return Result{}, err
	}
	return resultOf(msgs)
}

// ConsumeBatch reads up to count messages of partition, waiting up to
// timeout for the first, and calls fn with each. End-of-partition markers
// are passed too (Message.EOF). fn returning ErrStopIteration ends the loop
// without error; other errors are returned.
func (c *TopicConsumer) ConsumeBatch(partition int32, timeout time.Duration, count int, fn func(*Message) error) (int, error) {
	msgs, err := c.topic.ConsumeBatch(partition, timeout, count)
	if err != nil {
		return 0, err
	}
	return each(msgs, fn)
}

func each(msgs []*engine.Message, fn func(*Message) error) (int, error) {
	for i, m := range msgs {
		if err := fn(copyMessage(m)); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return i + 1, nil
			}
			return i + 1, err
		}
	}
	return len(msgs), nil
}

// CommitOffset stores offset as processed for the consumer group.
func (c *TopicConsumer) CommitOffset(partition int32, offset int64) error {
	return c.topic.StoreOffset(partition, offset)
}

// RunningCount is the number of started partitions with a running consumer.
func (c *TopicConsumer) RunningCount() int {
	return len(c.activeConsumers())
}

func (c *TopicConsumer) activeConsumers() []*runningConsumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*runningConsumer, 0, len(c.running))
	for _, rc := range c.running {
		if rc.active() {
			out = append(out, rc)
		}
	}
	return out
}

// Close stops every partition still running, then releases the topic.
func (c *TopicConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	parts := make([]int32, 0, len(c.running)+len(c.queued))
	for p := range c.running {
		parts = append(parts, p)
	}
	for p := range c.queued {
		parts = append(parts, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range parts {
		errs = append(errs, c.ConsumeStop(p))
	}

	c.h.mu.Lock()
	delete(c.h.consumers, c.id)
	c.h.mu.Unlock()
	errs = append(errs, c.topic.Close())
	return errors.Join(errs...)
}
