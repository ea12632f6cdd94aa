// Package engine implements the Run Engine (spec §4.3, component C3): a
// pausable, cancelable state machine executing a Plan — a lazy, single-pass
// sequence of atomic Messages — against the capability HAL, emitting a
// Bluesky-style document stream (Start/Descriptor/Event/Stop).
//
// There is no teacher equivalent for Plan execution itself; the state
// machine's pause/resume/abort shape and its document-sink handoff are
// grounded on the teacher's services/hal/internal/core dispatch loop
// (one goroutine draining a single work queue, cooperative pause via a
// signal channel checked between iterations) generalized from "process one
// bus request" to "process one Plan message".
package engine

import (
	"context"
	"time"
)

// MessageKind tags one atomic Plan operation (spec §3 Plan).
type MessageKind string

const (
	MsgOpen       MessageKind = "open"
	MsgSet        MessageKind = "set"
	MsgRead       MessageKind = "read"
	MsgTrigger    MessageKind = "trigger"
	MsgWait       MessageKind = "wait"
	MsgCreate     MessageKind = "create"
	MsgSave       MessageKind = "save"
	MsgCheckpoint MessageKind = "checkpoint"
	MsgClose      MessageKind = "close"
	// MsgRetryBegin/MsgRetryEnd bracket a retry(n, backoff) { ... } block
	// (spec §4.3 Error policy). They are not dispatched directly; the run
	// loop buffers everything between them and re-executes the buffer on a
	// retryable failure.
	MsgRetryBegin MessageKind = "retry_begin"
	MsgRetryEnd   MessageKind = "retry_end"
)

// FieldSpec declares one Event field: its name/shape and where its value
// comes from — either the device's last cached Read (SourceDevice) or a
// live Parameter value (SourceDevice + SourceParameter).
type FieldSpec struct {
	Name            string
	DType           string
	Shape           []int
	Unit            string
	SourceDevice    string
	SourceParameter string
}

// StreamDescriptor is the Open message's payload: a stream name plus its
// declared fields.
type StreamDescriptor struct {
	Name   string
	Fields []FieldSpec
}

// WaitCondition is polled at a driver-declared cadence until it returns
// true or the deadline elapses (spec §4.3 Wait(condition)).
type WaitCondition func(ctx context.Context) (bool, error)

// Message is one atomic Plan operation. Only the fields relevant to Kind
// are meaningful; the rest are zero.
type Message struct {
	Kind MessageKind

	Stream     StreamDescriptor // Open
	StreamName string           // Set target stream for Create

	Device    string // Set, Read, Trigger
	Parameter string // Set
	Value     any    // Set

	Duration     time.Duration  // Wait
	Condition    WaitCondition  // Wait
	PollInterval time.Duration  // Wait(condition)

	RetryN       int           // RetryBegin
	RetryBackoff time.Duration // RetryBegin
}

func Open(stream StreamDescriptor) Message { return Message{Kind: MsgOpen, Stream: stream} }

func Set(device, parameter string, value any) Message {
	return Message{Kind: MsgSet, Device: device, Parameter: parameter, Value: value}
}

func Read(device string) Message { return Message{Kind: MsgRead, Device: device} }

func Trigger(device string) Message { return Message{Kind: MsgTrigger, Device: device} }

func Wait(d time.Duration) Message { return Message{Kind: MsgWait, Duration: d} }

func WaitUntil(cond WaitCondition, pollInterval, deadline time.Duration) Message {
	return Message{Kind: MsgWait, Condition: cond, PollInterval: pollInterval, Duration: deadline}
}

func Create(streamName string) Message { return Message{Kind: MsgCreate, StreamName: streamName} }

func Save() Message { return Message{Kind: MsgSave} }

func Checkpoint() Message { return Message{Kind: MsgCheckpoint} }

func Close() Message { return Message{Kind: MsgClose} }

func RetryBegin(n int, backoff time.Duration) Message {
	return Message{Kind: MsgRetryBegin, RetryN: n, RetryBackoff: backoff}
}

func RetryEnd() Message { return Message{Kind: MsgRetryEnd} }
