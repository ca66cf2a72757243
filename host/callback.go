package host

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

// Func is an invocable host value. Bound arguments come first, the
// arguments supplied at call time are appended after them.
type Func func(args ...any) error

// Callback is a reference-counted Func with partially applied arguments.
type Callback struct {
	name string
	fn   Func
	args []any

	refs      atomic.Int32
	releaseMu sync.Mutex
	onRelease []func()
}

// NewCallback binds args in front of every later call of fn.
func NewCallback(fn Func, args ...any) *Callback {
	return &Callback{name: funcName(fn), fn: fn, args: args}
}

func funcName(fn Func) string {
	if fn == nil {
		return "nil"
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "func"
}

// Named sets the name used in traces and error reports.
func (c *Callback) Named(name string) *Callback {
	c.name = name
	return c
}

func (c *Callback) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// With returns a new callback with args bound after the existing ones.
func (c *Callback) With(args ...any) *Callback {
	bound := make([]any, 0, len(c.args)+len(args))
	bound = append(append(bound, c.args...), args...)
	return &Callback{name: c.name, fn: c.fn, args: bound}
}

// Call invokes the callback with extra appended to the bound arguments.
func (c *Callback) Call(extra ...any) error {
	if c == nil || c.fn == nil {
		return fmt.Errorf("host: invalid callback %q", c.Name())
	}
	all := make([]any, 0, len(c.args)+len(extra))
	all = append(append(all, c.args...), extra...)
	return c.fn(all...)
}

// Retain takes a reference. Nil is allowed.
func (c *Callback) Retain() *Callback {
	if c != nil {
		c.refs.Add(1)
	}
	return c
}

// Release drops a reference; the release hooks run when the last one goes.
func (c *Callback) Release() {
	if c == nil {
		return
	}
	switch n := c.refs.Add(-1); {
	case n < 0:
		panic("host: callback released more often than retained")
	case n == 0:
		c.releaseMu.Lock()
		hooks := c.onRelease
		c.onRelease = nil
		c.releaseMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (c *Callback) Refs() int32 {
	if c == nil {
		return 0
	}
	return c.refs.Load()
}

// OnRelease registers fn to run when the reference count drops to zero.
func (c *Callback) OnRelease(fn func()) *Callback {
	c.releaseMu.Lock()
	c.onRelease = append(c.onRelease, fn)
	c.releaseMu.Unlock()
	return c
}
