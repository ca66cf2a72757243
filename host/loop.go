// Package host models a single-threaded cooperative interpreter: one
// goroutine runs the Loop, everything else hands it work through QueueEvent.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kafkabridge/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kafkabridge/host")

// DefaultMaxBlock is the longest the loop sleeps when no source asks for less.
const DefaultMaxBlock = 100 * time.Millisecond

// Event is a unit of work queued for the loop goroutine.
type Event interface {
	Process(ctx context.Context)
}

// Source is ticked on every loop iteration before queued events run.
type Source interface {
	// MaxBlock is how long the loop may sleep before the next Tick.
	MaxBlock() time.Duration
	Tick(ctx context.Context)
}

type Option func(*Loop)

// WithBackgroundError replaces the handler for errors that have no caller to
// return to. The default logs them.
func WithBackgroundError(fn func(error)) Option {
	return func(l *Loop) { l.bgErr = fn }
}

func WithMaxBlock(d time.Duration) Option {
	return func(l *Loop) { l.maxBlock = d }
}

type Loop struct {
	events   *EventQueue
	wake     chan struct{}
	bgErr    func(error)
	maxBlock time.Duration

	mu      sync.Mutex
	sources map[int]Source
	nextID  int
}

func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		events:   NewEventQueue(),
		wake:     make(chan struct{}, 1),
		maxBlock: DefaultMaxBlock,
		sources:  map[int]Source{},
		bgErr: func(err error) {
			logging.L().Error("background error", "err", err)
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddSource registers s and returns a func that removes it.
func (l *Loop) AddSource(s Source) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.sources[id] = s
	l.mu.Unlock()
	l.notify()
	return func() {
		l.mu.Lock()
		delete(l.sources, id)
		l.mu.Unlock()
	}
}

// QueueEvent appends ev to the loop's queue and wakes the loop. Safe from
// any goroutine.
func (l *Loop) QueueEvent(ev Event) {
	l.events.Push(ev)
	l.notify()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// DeleteEvents removes queued events matching match.
func (l *Loop) DeleteEvents(match func(Event) bool) int {
	return l.events.Delete(match)
}

func (l *Loop) Pending() int { return l.events.Len() }

// Tick runs every source once, then the events that were queued when the
// drain started. Events queued while draining wait for the next tick.
func (l *Loop) Tick(ctx context.Context) int {
	for _, s := range l.snapshot() {
		s.Tick(ctx)
	}
	mark := l.events.Mark()
	done := 0
	for {
		ev, ok := l.events.PopThrough(mark)
		if !ok {
			return done
		}
		ev.Process(ctx)
		done++
	}
}

func (l *Loop) snapshot() []Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Source, 0, len(l.sources))
	for i := 0; i < l.nextID; i++ {
		if s, ok := l.sources[i]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (l *Loop) idle() time.Duration {
	d := l.maxBlock
	for _, s := range l.snapshot() {
		if m := s.MaxBlock(); m > 0 && m < d {
			d = m
		}
	}
	return d
}

// Run ticks until ctx is done, sleeping between ticks for at most the
// smallest MaxBlock of the registered sources.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Tick(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Pending() > 0 {
			continue
		}
		t := time.NewTimer(l.idle())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// BackgroundError reports err through the background-error handler.
func (l *Loop) BackgroundError(err error) {
	if err != nil {
		l.bgErr(err)
	}
}

// Invoke calls cb with args appended. A returned error or a panic goes to
// the background-error handler and is also returned.
func (l *Loop) Invoke(ctx context.Context, cb *Callback, args ...any) (err error) {
	if cb == nil {
		return nil
	}
	_, span := tracer.Start(ctx, "host.Invoke",
		trace.WithAttributes(attribute.String("callback", cb.Name())))
	defer span.End()

	cb.Retain()
	defer cb.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", cb.Name(), r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.BackgroundError(err)
		}
	}()
	return cb.Call(args...)
}
