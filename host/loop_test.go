package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordEvent struct {
	id  int
	out *[]int
}

func (e recordEvent) Process(context.Context) { *e.out = append(*e.out, e.id) }

type funcEvent func(context.Context)

func (f funcEvent) Process(ctx context.Context) { f(ctx) }

type countingSource struct {
	ticks int
	block time.Duration
	onTick func()
}

func (s *countingSource) MaxBlock() time.Duration { return s.block }
func (s *countingSource) Tick(context.Context) {
	s.ticks++
	if s.onTick != nil {
		s.onTick()
	}
}

func TestEventQueue_FIFOAndDelete(t *testing.T) {
	var out []int
	q := NewEventQueue()
	for i := range 6 {
		q.Push(recordEvent{id: i, out: &out})
	}
	n := q.Delete(func(ev Event) bool { return ev.(recordEvent).id%2 == 1 })
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, q.Len())
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		ev.Process(context.Background())
	}
	assert.Equal(t, []int{0, 2, 4}, out)
}

func TestEventQueue_ConcurrentProducers(t *testing.T) {
	q := NewEventQueue()
	var out []int
	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				q.Push(recordEvent{id: p*1000 + i, out: &out})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, q.Len())

	last := map[int]int{}
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		id := ev.(recordEvent).id
		p, i := id/1000, id%1000
		if prev, seen := last[p]; seen {
			assert.Greater(t, i, prev, "per-producer order")
		}
		last[p] = i
	}
}

func TestLoop_TickRunsSourcesThenSnapshot(t *testing.T) {
	l := NewLoop()
	var out []int
	src := &countingSource{}
	src.onTick = func() { l.QueueEvent(recordEvent{id: 1, out: &out}) }
	remove := l.AddSource(src)

	l.QueueEvent(funcEvent(func(context.Context) {
		l.QueueEvent(recordEvent{id: 99, out: &out})
	}))
	assert.Equal(t, 2, l.Tick(context.Background()))
	assert.Equal(t, []int{1}, out)
	assert.Equal(t, 1, l.Pending(), "events queued mid-drain wait for the next tick")

	remove()
	l.Tick(context.Background())
	assert.Equal(t, []int{1, 99}, out)
	assert.Equal(t, 1, src.ticks)
}

func TestLoop_DeleteDuringDrain(t *testing.T) {
	l := NewLoop()
	var out []int
	l.QueueEvent(funcEvent(func(context.Context) {
		l.DeleteEvents(func(ev Event) bool {
			r, ok := ev.(recordEvent)
			return ok && r.id == 2
		})
	}))
	l.QueueEvent(recordEvent{id: 2, out: &out})
	l.QueueEvent(recordEvent{id: 3, out: &out})
	l.Tick(context.Background())
	assert.Equal(t, []int{3}, out)
}

func TestLoop_DeleteDuringDrainKeepsLaterEventsForNextTick(t *testing.T) {
	l := NewLoop()
	var out []int
	l.QueueEvent(funcEvent(func(context.Context) {
		l.DeleteEvents(func(ev Event) bool {
			r, ok := ev.(recordEvent)
			return ok && r.id == 2
		})
		l.QueueEvent(recordEvent{id: 4, out: &out})
	}))
	l.QueueEvent(recordEvent{id: 2, out: &out})
	l.QueueEvent(recordEvent{id: 3, out: &out})

	assert.Equal(t, 2, l.Tick(context.Background()))
	assert.Equal(t, []int{3}, out)
	assert.Equal(t, 1, l.Pending())

	assert.Equal(t, 1, l.Tick(context.Background()))
	assert.Equal(t, []int{3, 4}, out)
}

func TestEventQueue_PopThroughStopsAtMark(t *testing.T) {
	var out []int
	q := NewEventQueue()
	q.Push(recordEvent{id: 1, out: &out})
	mark := q.Mark()
	q.Push(recordEvent{id: 2, out: &out})

	ev, ok := q.PopThrough(mark)
	require.True(t, ok)
	assert.Equal(t, 1, ev.(recordEvent).id)
	_, ok = q.PopThrough(mark)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestLoop_InvokeReportsFailures(t *testing.T) {
	var bg []error
	l := NewLoop(WithBackgroundError(func(err error) { bg = append(bg, err) }))

	var got []any
	ok := NewCallback(func(args ...any) error { got = args; return nil }, "a")
	require.NoError(t, l.Invoke(context.Background(), ok, "b"))
	assert.Equal(t, []any{"a", "b"}, got)

	boom := errors.New("boom")
	failing := NewCallback(func(...any) error { return boom })
	assert.ErrorIs(t, l.Invoke(context.Background(), failing), boom)

	panicking := NewCallback(func(...any) error { panic("bad") })
	err := l.Invoke(context.Background(), panicking)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	require.Len(t, bg, 2)
	assert.ErrorIs(t, bg[0], boom)
	assert.NoError(t, l.Invoke(context.Background(), nil))
}

func TestLoop_InvokeKeepsCallbackAlive(t *testing.T) {
	l := NewLoop()
	released := false
	var cb *Callback
	cb = NewCallback(func(...any) error {
		cb.Release()
		assert.False(t, released, "still referenced by the running invocation")
		return nil
	}).OnRelease(func() { released = true })
	cb.Retain()

	require.NoError(t, l.Invoke(context.Background(), cb))
	assert.True(t, released)
}

func TestLoop_RunWakesOnEvent(t *testing.T) {
	l := NewLoop(WithMaxBlock(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.QueueEvent(funcEvent(func(context.Context) { close(done) }))
	}()
	go func() {
		<-done
		cancel()
	}()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	select {
	case <-done:
	default:
		t.Fatal("event was not processed")
	}
}

func TestLoop_IdleHonoursSources(t *testing.T) {
	l := NewLoop()
	assert.Equal(t, DefaultMaxBlock, l.idle())
	l.AddSource(&countingSource{block: 5 * time.Millisecond})
	l.AddSource(&countingSource{})
	assert.Equal(t, 5*time.Millisecond, l.idle())
}
