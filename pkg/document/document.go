// Package document defines the self-describing record types emitted during a
// run (Start, Descriptor, Event, Stop) and the broadcast primitive used to
// fan them out to subscribers. The sequencing rules are:
//
//	Start (1)
//	   ├── Descriptor (1+, one per data stream shape)
//	   │       └── Event (N, seq_num contiguous from 0 per stream)
//	Stop (1)
package document

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the document variant.
type Kind string

const (
	KindStart      Kind = "start"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindStop       Kind = "stop"
)

// NewUID generates a unique document identifier.
func NewUID() string {
	return uuid.New().String()
}

// Document is the tagged variant over the four record types.
type Document interface {
	// DocKind returns the variant tag.
	DocKind() Kind

	// RunUID returns the run this document belongs to.
	RunUID() string

	// DocUID returns the document's own unique identifier.
	DocUID() string

	// DocTime returns the document timestamp.
	DocTime() time.Time
}

// Start marks the beginning of a run. Its UID is the run's identity: the
// value returned synchronously when the plan was queued.
type Start struct {
	UID      string            `json:"uid"`
	PlanName string            `json:"plan_name"`
	PlanArgs map[string]string `json:"plan_args,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     time.Time         `json:"time"`
}

func (s *Start) DocKind() Kind      { return KindStart }
func (s *Start) RunUID() string     { return s.UID }
func (s *Start) DocUID() string     { return s.UID }
func (s *Start) DocTime() time.Time { return s.Time }

// DataKey describes one field of an event stream.
type DataKey struct {
	Name string `json:"name"`
	// Dtype is the field's data type: "number", "integer", "string", "bytes".
	Dtype string `json:"dtype"`
	// Units are physical units, empty when dimensionless.
	Units string `json:"units,omitempty"`
	// Source is the device role the value originates from, if any.
	Source string `json:"source,omitempty"`
}

// Descriptor defines the schema of a data stream. A new descriptor is
// emitted whenever a stream's shape (ordered field names and types) is
// first seen within a run.
type Descriptor struct {
	UID      string    `json:"uid"`
	Run      string    `json:"run_uid"`
	Stream   string    `json:"stream"`
	DataKeys []DataKey `json:"data_keys"`
	Time     time.Time `json:"time"`
}

func (d *Descriptor) DocKind() Kind      { return KindDescriptor }
func (d *Descriptor) RunUID() string     { return d.Run }
func (d *Descriptor) DocUID() string     { return d.UID }
func (d *Descriptor) DocTime() time.Time { return d.Time }

// ShapeSignature returns a canonical string for the descriptor's ordered
// field names and types. Two descriptors with equal signatures describe
// the same event shape.
func (d *Descriptor) ShapeSignature() string {
	return ShapeSignature(d.DataKeys)
}

// ShapeSignature builds the canonical shape string for an ordered key list.
func ShapeSignature(keys []DataKey) string {
	sig := make([]byte, 0, 16*len(keys))
	for i, k := range keys {
		if i > 0 {
			sig = append(sig, ';')
		}
		sig = append(sig, k.Name...)
		sig = append(sig, ':')
		sig = append(sig, k.Dtype...)
	}
	return string(sig)
}

// Event carries one measurement point. SeqNum is contiguous from 0 within
// the (run, stream) pair the referenced descriptor belongs to.
type Event struct {
	UID           string         `json:"uid"`
	Run           string         `json:"run_uid"`
	DescriptorUID string         `json:"descriptor_uid"`
	SeqNum        uint64         `json:"seq_num"`
	Data          map[string]any `json:"data"`
	// Positions holds motor positions at event time, keyed by role.
	Positions map[string]float64 `json:"positions,omitempty"`
	Time      time.Time          `json:"time"`
}

func (e *Event) DocKind() Kind      { return KindEvent }
func (e *Event) RunUID() string     { return e.Run }
func (e *Event) DocUID() string     { return e.UID }
func (e *Event) DocTime() time.Time { return e.Time }

// Reason classifies how a run terminated.
type Reason string

const (
	ReasonSuccess Reason = "success"
	ReasonFailure Reason = "failure"
	ReasonAborted Reason = "aborted"
)

// Stop closes a run. Exactly one Stop is emitted per run that produced a
// Start, on every termination path.
type Stop struct {
	UID    string `json:"uid"`
	Run    string `json:"run_uid"`
	Reason Reason `json:"reason"`
	// Detail carries the failure message when Reason is failure, or the
	// abort reason when aborted.
	Detail    string    `json:"detail,omitempty"`
	NumEvents uint64    `json:"num_events"`
	Time      time.Time `json:"time"`
}

func (s *Stop) DocKind() Kind      { return KindStop }
func (s *Stop) RunUID() string     { return s.Run }
func (s *Stop) DocUID() string     { return s.UID }
func (s *Stop) DocTime() time.Time { return s.Time }

// NewStart creates a Start document for a previously allocated run id.
func NewStart(runUID, planName string, args, metadata map[string]string) *Start {
	return &Start{
		UID:      runUID,
		PlanName: planName,
		PlanArgs: args,
		Metadata: metadata,
		Time:     time.Now(),
	}
}

// NewDescriptor creates a Descriptor for a stream within a run.
func NewDescriptor(runUID, stream string, keys []DataKey) *Descriptor {
	return &Descriptor{
		UID:      NewUID(),
		Run:      runUID,
		Stream:   stream,
		DataKeys: keys,
		Time:     time.Now(),
	}
}

// NewEvent creates an Event referencing a descriptor.
func NewEvent(runUID, descriptorUID string, seq uint64, data map[string]any, positions map[string]float64) *Event {
	return &Event{
		UID:           NewUID(),
		Run:           runUID,
		DescriptorUID: descriptorUID,
		SeqNum:        seq,
		Data:          data,
		Positions:     positions,
		Time:          time.Now(),
	}
}

// NewStop creates the terminal document for a run.
func NewStop(runUID string, reason Reason, detail string, numEvents uint64) *Stop {
	return &Stop{
		UID:       NewUID(),
		Run:       runUID,
		Reason:    reason,
		Detail:    detail,
		NumEvents: numEvents,
		Time:      time.Now(),
	}
}

// DtypeOf maps a Go value to its wire data type tag.
func DtypeOf(v any) string {
	switch v.(type) {
	case float64, float32:
		return "number"
	case int, int32, int64, uint, uint32, uint64:
		return "integer"
	case string:
		return "string"
	case []byte:
		return "bytes"
	default:
		return "number"
	}
}
