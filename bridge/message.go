package bridge

import (
	"fmt"
	"time"

	"kafkabridge/engine"
)

// Message is the host value for a consumed record, an end-of-partition
// marker or a delivery report. It never aliases engine memory.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Payload   []byte
	Timestamp time.Time
	// Err is set on failed deliveries and per-message consume errors. The
	// end-of-partition marker carries engine.ErrPartitionEOF.
	Err    error
	Opaque any
}

func (m *Message) EOF() bool {
	return m != nil && m.Err != nil && engine.CodeOf(m.Err) == engine.CodePartitionEOF
}

// copyMessage takes payload and key out of engine memory in one allocation.
func copyMessage(src *engine.Message) *Message {
	lp, lk := len(src.Payload), len(src.Key)
	buf := make([]byte, lp+lk)
	copy(buf, src.Payload)
	copy(buf[lp:], src.Key)

	m := &Message{
		Topic:     src.Topic,
		Partition: src.Partition,
		Offset:    src.Offset,
		Timestamp: src.Timestamp,
		Err:       src.Err,
		Opaque:    src.Opaque,
	}
	if src.Payload != nil {
		m.Payload = buf[:lp:lp]
	}
	if src.Key != nil {
		m.Key = buf[lp:]
	}
	return m
}

// Status tells a consumed record apart from the two ways of getting none.
type Status int

const (
	StatusMessage Status = iota
	StatusEndOfPartition
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusMessage:
		return "message"
	case StatusEndOfPartition:
		return "eof"
	case StatusTimedOut:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result of a single-message consume. Message is nil on StatusTimedOut.
type Result struct {
	Status  Status
	Message *Message
}

// resultOf classifies one drained engine message. Per-message errors other
// than end-of-partition are returned as errors.
func resultOf(msgs []*engine.Message) (Result, error) {
	if len(msgs) == 0 {
		return Result{Status: StatusTimedOut}, nil
	}
	m := msgs[0]
	switch {
	case m.EOF():
		return Result{Status: StatusEndOfPartition, Message: copyMessage(m)}, nil
	case m.Err != nil:
		return Result{}, m.Err
	}
	return Result{Status: StatusMessage, Message: copyMessage(m)}, nil
}

// ErrorReport is passed to the error callback.
type ErrorReport struct {
	Handle string
	Code   engine.Code
	Reason string
}

func (e ErrorReport) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Handle, e.Code, e.Reason)
}

// Statistics is passed to the statistics callback.
type Statistics struct {
	Handle string
	JSON   []byte
}

// LogLine is passed to the log callback.
type LogLine struct {
	Handle   string
	Level    engine.Level
	Facility string
	Text     string
}

// Record is one message of a ProduceBatch.
type Record struct {
	Key     []byte
	Payload []byte
}
