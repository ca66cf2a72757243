package engine

import (
	"context"
	"time"
)

// Role selects what a Handle is opened for.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// PartitionUA lets the engine choose the partition on produce.
const PartitionUA int32 = -1

// Callbacks are fired by a driver with buffers that are only valid for the
// duration of the call. DeliveryReport, and Statistics when it is due, fire
// from Poll on the caller's goroutine; Error and Log may fire from any
// goroutine the driver owns.
type Callbacks struct {
	DeliveryReport func(msg *Message)
	Error          func(err *Error)
	Statistics     func(json []byte)
	Log            func(level Level, facility, text string)
}

// Handle is one connection to the cluster in a single role.
type Handle interface {
	Name() string
	Role() Role
	// AddBrokers returns how many of the given addresses were accepted.
	AddBrokers(brokers ...string) (int, error)
	SetLogLevel(level Level)
	// Poll serves queued delivery reports and statistics. It never blocks
	// longer than timeout and returns the number of callbacks served.
	Poll(timeout time.Duration) int
	// Metadata describes one topic, or every topic when topic is empty.
	Metadata(ctx context.Context, topic string) (*Metadata, error)
	NewTopic(name string) (Topic, error)
	NewQueue() (Queue, error)
	Close() error
}

// Topic is a handle's view of one topic.
type Topic interface {
	Name() string
	Produce(partition int32, payload, key []byte, opaque any) error
	ConsumeStart(partition int32, offset Offset) error
	// ConsumeStartQueue routes the partition's messages into q instead of the
	// partition's own buffer.
	ConsumeStartQueue(partition int32, offset Offset, q Queue) error
	ConsumeStop(partition int32) error
	// ConsumeBatch returns up to max messages that are available within
	// timeout. A zero timeout never blocks. Returned messages are owned by the
	// driver until the next call on the same partition.
	ConsumeBatch(partition int32, timeout time.Duration, max int) ([]*Message, error)
	StoreOffset(partition int32, offset int64) error
	Close() error
}

// Queue aggregates messages of several partitions, possibly across topics.
type Queue interface {
	ConsumeBatch(timeout time.Duration, max int) ([]*Message, error)
	Close() error
}
