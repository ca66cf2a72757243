package engine

import (
	"errors"
	"fmt"
)

// Code is an engine error code. Broker codes follow the Kafka protocol
// numbering; local codes are negative.
type Code int

const (
	CodeNoError                         Code = 0
	CodeUnknown                         Code = -1
	CodeOffsetOutOfRange                Code = 1
	CodeInvalidMsg                      Code = 2
	CodeUnknownTopicOrPart              Code = 3
	CodeInvalidMsgSize                  Code = 4
	CodeLeaderNotAvailable              Code = 5
	CodeNotLeaderForPartition           Code = 6
	CodeRequestTimedOut                 Code = 7
	CodeBrokerNotAvailable              Code = 8
	CodeReplicaNotAvailable             Code = 9
	CodeMsgSizeTooLarge                 Code = 10
	CodeStaleCtrlEpoch                  Code = 11
	CodeOffsetMetadataTooLarge          Code = 12
	CodeOffsetsLoadInProgress           Code = 14
	CodeConsumerCoordinatorNotAvailable Code = 15
	CodeNotCoordinatorForConsumer       Code = 16

	CodePartitionEOF     Code = -191
	CodeTransport        Code = -195
	CodeInvalidArg       Code = -186
	CodeTimedOut         Code = -185
	CodeQueueFull        Code = -184
	CodeUnknownPartition Code = -190
	CodeState            Code = -172
	CodeDestroyed        Code = -197
)

var codeNames = map[Code]string{
	CodeNoError:                         "NO_ERROR",
	CodeUnknown:                         "UNKNOWN",
	CodeOffsetOutOfRange:                "OFFSET_OUT_OF_RANGE",
	CodeInvalidMsg:                      "INVALID_MSG",
	CodeUnknownTopicOrPart:              "UNKNOWN_TOPIC_OR_PART",
	CodeInvalidMsgSize:                  "INVALID_MSG_SIZE",
	CodeLeaderNotAvailable:              "LEADER_NOT_AVAILABLE",
	CodeNotLeaderForPartition:           "NOT_LEADER_FOR_PARTITION",
	CodeRequestTimedOut:                 "REQUEST_TIMED_OUT",
	CodeBrokerNotAvailable:              "BROKER_NOT_AVAILABLE",
	CodeReplicaNotAvailable:             "REPLICA_NOT_AVAILABLE",
	CodeMsgSizeTooLarge:                 "MSG_SIZE_TOO_LARGE",
	CodeStaleCtrlEpoch:                  "STALE_CTRL_EPOCH",
	CodeOffsetMetadataTooLarge:          "OFFSET_METADATA_TOO_LARGE",
	CodeOffsetsLoadInProgress:           "OFFSETS_LOAD_IN_PROGRESS",
	CodeConsumerCoordinatorNotAvailable: "CONSUMER_COORDINATOR_NOT_AVAILABLE",
	CodeNotCoordinatorForConsumer:       "NOT_COORDINATOR_FOR_CONSUMER",
	CodePartitionEOF:                    "PARTITION_EOF",
	CodeTransport:                       "TRANSPORT",
	CodeInvalidArg:                      "INVALID_ARG",
	CodeTimedOut:                        "TIMED_OUT",
	CodeQueueFull:                       "QUEUE_FULL",
	CodeUnknownPartition:                "UNKNOWN_PARTITION",
	CodeState:                           "STATE",
	CodeDestroyed:                       "DESTROYED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNRECOGNIZED"
}

// Error is an engine failure carrying its code.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "kafka error: " + e.Code.String()
	}
	return fmt.Sprintf("kafka error: %s (%s)", e.Code, e.Reason)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from err, CodeUnknown if there is none.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

var (
	ErrPartitionEOF     = &Error{Code: CodePartitionEOF}
	ErrTimedOut         = &Error{Code: CodeTimedOut}
	ErrQueueFull        = &Error{Code: CodeQueueFull}
	ErrUnknownPartition = &Error{Code: CodeUnknownPartition}
	ErrState            = &Error{Code: CodeState}
	ErrInvalidArg       = &Error{Code: CodeInvalidArg}
	ErrDestroyed        = &Error{Code: CodeDestroyed}

	ErrUnknownDriver = errors.New("kafka: unknown driver")
)
