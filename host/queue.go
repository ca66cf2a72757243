package host

import (
	"sync"

	"github.com/eapache/queue"
)

type entry struct {
	ev  Event
	seq uint64
}

// EventQueue is a FIFO that any goroutine may push to and the loop
// goroutine pops from. Every push is stamped with a sequence number so a
// drain can stop at the events that were present when it started.
type EventQueue struct {
	mu  sync.Mutex
	q   *queue.Queue
	seq uint64
}

func NewEventQueue() *EventQueue {
	return &EventQueue{q: queue.New()}
}

func (e *EventQueue) Push(ev Event) {
	e.mu.Lock()
	e.seq++
	e.q.Add(entry{ev: ev, seq: e.seq})
	e.mu.Unlock()
}

// Mark returns the sequence number of the newest event pushed so far.
func (e *EventQueue) Mark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Pop removes the oldest event, or returns false when empty.
func (e *EventQueue) Pop() (Event, bool) {
	return e.PopThrough(^uint64(0))
}

// PopThrough removes the oldest event if it was pushed at or before mark.
func (e *EventQueue) PopThrough(mark uint64) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.q.Length() == 0 {
		return nil, false
	}
	head := e.q.Peek().(entry)
	if head.seq > mark {
		return nil, false
	}
	e.q.Remove()
	return head.ev, true
}

// Delete drops every queued event for which match is true, keeping the
// order of the rest, and returns how many were dropped.
func (e *EventQueue) Delete(match func(Event) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.q.Length()
	kept := queue.New()
	dropped := 0
	for i := 0; i < n; i++ {
		en := e.q.Remove().(entry)
		if match(en.ev) {
			dropped++
			continue
		}
		kept.Add(en)
	}
	e.q = kept
	return dropped
}

func (e *EventQueue) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Length()
}
