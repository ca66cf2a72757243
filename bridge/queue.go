package bridge

import (
	"errors"
	"sync"
	"time"

	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/telemetry"
)

// QueueConsumer reads the partitions routed into one engine queue. It has
// at most one running consumer.
type QueueConsumer struct {
	h     *Handle
	id    uint64
	queue engine.Queue

	mu     sync.Mutex
	rc     *runningConsumer
	routes map[route]struct{}
	closed bool
}

// route is a topic partition started into a queue.
type route struct {
	topic     string
	partition int32
}

func (q *QueueConsumer) route(topic string, partition int32, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if on {
		q.routes[route{topic, partition}] = struct{}{}
	} else {
		delete(q.routes, route{topic, partition})
	}
}

// routed reports whether messages of topic/partition still belong to q.
func (q *QueueConsumer) routed(topic string, partition int32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.routes[route{topic, partition}]
	return ok
}

// purge drops queued consume events of q that carry topic/partition.
func (q *QueueConsumer) purge(topic string, partition int32) {
	n := q.h.b.loop.DeleteEvents(func(ev host.Event) bool {
		ce, ok := ev.(*consumeEvent)
		if !ok {
			return false
		}
		o, ok := ce.rc.owner.(queueOwner)
		return ok && o.q == q && ce.msg.Topic == topic && ce.msg.Partition == partition
	})
	telemetry.EventsPurged.Add(float64(n))
}

func (q *QueueConsumer) current() *runningConsumer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rc
}

// ConsumeCallback starts delivering the queue to cb, or replaces the
// callback if delivery already runs. A nil callback stops delivery.
func (q *QueueConsumer) ConsumeCallback(cb *host.Callback) error {
	if cb == nil {
		return q.Stop()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.rc != nil {
		rc := q.rc
		q.mu.Unlock()
		rc.setCallback(cb)
		return nil
	}
	rc := newRunningConsumer(q.h, queueOwner{q: q})
	q.rc = rc
	q.mu.Unlock()
	rc.activate(cb)
	return nil
}

// Stop ends callback delivery and discards events already queued for it.
func (q *QueueConsumer) Stop() error {
	q.mu.Lock()
	rc := q.rc
	q.rc = nil
	q.mu.Unlock()
	if rc == nil {
		return ErrNotRunning
	}
	return rc.stop(nil)
}

func (q *QueueConsumer) ConsumeOne(timeout time.Duration) (Result, error) {
	msgs, err := q.queue.ConsumeBatch(timeout, 1)
	if err != nil {
		return Result{}, err
	}
	return resultOf(msgs)
}

// ConsumeBatch is TopicConsumer.ConsumeBatch for the whole queue.
func (q *QueueConsumer) ConsumeBatch(timeout time.Duration, count int, fn func(*Message) error) (int, error) {
	msgs, err := q.queue.ConsumeBatch(timeout, count)
	if err != nil {
		return 0, err
	}
	return each(msgs, fn)
}

func (q *QueueConsumer) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	rc := q.rc
	q.rc = nil
	q.mu.Unlock()

	var errs []error
	if rc != nil {
		errs = append(errs, rc.stop(nil))
	}
	q.h.mu.Lock()
	delete(q.h.queues, q.id)
	q.h.mu.Unlock()
	errs = append(errs, q.queue.Close())
	return errors.Join(errs...)
}
