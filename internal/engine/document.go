package engine

import (
	"time"

	"daqcore/internal/halerr"
)

// DocumentKind tags which of the four document variants a Document holds
// (spec §3 Document).
type DocumentKind string

const (
	KindStart      DocumentKind = "start"
	KindDescriptor DocumentKind = "descriptor"
	KindEvent      DocumentKind = "event"
	KindStop       DocumentKind = "stop"
)

// DeviceSnapshot captures one device's identity and parameter values at a
// point in time, for the Start document's provenance (spec §4.3).
type DeviceSnapshot struct {
	DriverType string
	Parameters map[string]any
}

// Start is emitted exactly once, before the first message is processed.
type Start struct {
	RunUID            string
	RunID             string
	StartTime         time.Time
	Metadata          map[string]any
	PlanHash          string
	ConfigFingerprint string
	DeviceSnapshot    map[string]DeviceSnapshot
}

// Descriptor is emitted once per Open message, before any Event on that
// stream.
type Descriptor struct {
	StreamUID string
	RunUID    string
	Fields    []FieldSpec
}

// Event is one row of a stream: a dense, stream-local sequence number plus
// a field→value mapping.
type Event struct {
	DescriptorUID string
	Seq           uint64
	TimestampNs   int64
	Values        map[string]any
}

// StopReason tags why a run ended.
type StopReason string

const (
	ReasonSuccess StopReason = "success"
	ReasonAborted StopReason = "aborted"
	ReasonFailed  StopReason = "failed"
)

// Stop is emitted exactly once, after the last message or on abort.
type Stop struct {
	RunUID       string
	Reason       StopReason
	FailKind     halerr.Kind
	FailDetail   string
	EndTime      time.Time
	StreamCounts map[string]uint64
}

// Document is the tagged union the Run Engine hands to its DocumentSink.
// Exactly one of Start/Descriptor/Event/Stop is populated, selected by Kind.
type Document struct {
	Kind DocumentKind

	Start      *Start
	Descriptor *Descriptor
	Event      *Event
	Stop       *Stop
}
