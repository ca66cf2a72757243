package bridge

import (
	"sync/atomic"
	"time"

	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/telemetry"
)

type rcState int32

const (
	stateStarting rcState = iota
	stateActive
	stateStopping
	stateStopped
)

// owner is what a running consumer drains: a partition of a topic or a queue.
type owner interface {
	consumeBatch(timeout time.Duration, max int) ([]*engine.Message, error)
}

type topicOwner struct {
	t         *TopicConsumer
	partition int32
}

func (o topicOwner) consumeBatch(timeout time.Duration, max int) ([]*engine.Message, error) {
	return o.t.topic.ConsumeBatch(o.partition, timeout, max)
}

type queueOwner struct {
	q *QueueConsumer
}

func (o queueOwner) consumeBatch(timeout time.Duration, max int) ([]*engine.Message, error) {
	return o.q.queue.ConsumeBatch(timeout, max)
}

// runningConsumer binds a partition or a queue to a callback. Queued
// consume events hold a pointer to it and check its state before dispatch.
type runningConsumer struct {
	h     *Handle
	owner owner
	cb    atomic.Pointer[host.Callback]
	state atomic.Int32
}

func newRunningConsumer(h *Handle, o owner) *runningConsumer {
	rc := &runningConsumer{h: h, owner: o}
	rc.state.Store(int32(stateStarting))
	return rc
}

func (rc *runningConsumer) active() bool {
	return rcState(rc.state.Load()) == stateActive
}

func (rc *runningConsumer) callback() *host.Callback {
	return rc.cb.Load()
}

func (rc *runningConsumer) activate(cb *host.Callback) {
	rc.setCallback(cb)
	rc.state.Store(int32(stateActive))
	telemetry.RunningConsumers.Inc()
}

// setCallback swaps the callback in one step; the old one is released
// before the new one is retained.
func (rc *runningConsumer) setCallback(cb *host.Callback) {
	old := rc.cb.Swap(cb)
	if old == cb {
		return
	}
	old.Release()
	cb.Retain()
}

// stop takes the consumer through stopping to stopped. It must already be
// out of its registry. engineStop, if set, runs while stopping; then queued
// events that reference rc are purged and the callback is released. Events
// enqueued afterwards by a racing engine goroutine are dropped at dispatch.
func (rc *runningConsumer) stop(engineStop func() error) error {
	var prev rcState
	for {
		prev = rcState(rc.state.Load())
		if prev == stateStopping || prev == stateStopped {
			return nil
		}
		if rc.state.CompareAndSwap(int32(prev), int32(stateStopping)) {
			break
		}
	}

	var err error
	if engineStop != nil {
		err = engineStop()
	}
	n := rc.h.b.loop.DeleteEvents(func(ev host.Event) bool {
		ce, ok := ev.(*consumeEvent)
		return ok && ce.rc == rc
	})
	telemetry.EventsPurged.Add(float64(n))
	if old := rc.cb.Swap(nil); old != nil {
		old.Release()
	}
	rc.state.Store(int32(stateStopped))
	if prev == stateActive {
		telemetry.RunningConsumers.Dec()
	}
	return err
}
