package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory opens a handle in the given role. Callbacks may be invoked from
// any goroutine the driver owns, but only while Poll or a drain is running
// or from driver background goroutines; the receiver must not block.
type Factory func(role Role, cfg Config, cbs Callbacks) (Handle, error)

type driver struct {
	open    Factory
	version string
}

var (
	regMu    sync.RWMutex
	registry = map[string]driver{}
)

// Register is called from each driver's init().
func Register(name, version string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = driver{open: f, version: version}
}

// Open returns a new handle from the named driver ("sarama", "memory").
func Open(name string, role Role, cfg Config, cbs Callbacks) (Handle, error) {
	regMu.RLock()
	d, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	return d.open(role, cfg, cbs)
}

// Version reports the library version behind the named driver.
func Version(name string) (string, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	return d.version, nil
}

func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
