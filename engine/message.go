package engine

import (
	"errors"
	"time"
)

// Message is a record as the driver hands it over. Key and Payload may alias
// driver memory.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Payload   []byte
	Timestamp time.Time
	// Err is set on failed deliveries, per-message consume errors and on the
	// end-of-partition marker.
	Err    error
	Opaque any
}

// EOF reports whether m is the end-of-partition marker rather than data.
func (m *Message) EOF() bool {
	return m != nil && errors.Is(m.Err, ErrPartitionEOF)
}

type BrokerMetadata struct {
	ID   int32
	Host string
	Port int
}

type PartitionMetadata struct {
	ID       int32
	Leader   int32
	Replicas []int32
	ISRs     []int32
	Err      error
}

type TopicMetadata struct {
	Name       string
	Partitions []PartitionMetadata
	Err        error
}

type Metadata struct {
	Brokers []BrokerMetadata
	Topics  []TopicMetadata
	// OrigBrokerID is the broker that answered, -1 if unknown.
	OrigBrokerID int32
}

// Topic returns the metadata of name, or nil.
func (m *Metadata) Topic(name string) *TopicMetadata {
	if m == nil {
		return nil
	}
	for i := range m.Topics {
		if m.Topics[i].Name == name {
			return &m.Topics[i]
		}
	}
	return nil
}
