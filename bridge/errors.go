package bridge

import "errors"

var (
	ErrClosed         = errors.New("bridge: closed")
	ErrWrongRole      = errors.New("bridge: operation not valid for handle role")
	ErrNotRunning     = errors.New("bridge: no running consumer")
	ErrAlreadyRunning = errors.New("bridge: consumer already running")
	ErrMetadataStale  = errors.New("bridge: metadata invalidated, refresh first")
	// ErrStopIteration ends a ConsumeBatch loop early without error.
	ErrStopIteration = errors.New("bridge: stop iteration")
)
