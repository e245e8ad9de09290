package payload

import (
	"encoding/json"
	"sync/atomic"

	"github.com/loykin/studyhook/internal/event"
)

// Record is the notification body posted to the receiver.
// Field names are part of the wire contract.
type Record struct {
	ChangeType   string `json:"ChangeType"`
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	ResourceType string `json:"ResourceType"`
	Seq          int64  `json:"Seq"`
}

// Build maps an event to its notification record. It has no side effects.
func Build(e event.Event, seq int64) Record {
	return Record{
		ChangeType:   e.Kind.String(),
		ID:           e.ResourceID,
		Path:         ResourcePath(e.Level, e.ResourceID),
		ResourceType: e.Level.String(),
		Seq:          seq,
	}
}

// ResourcePath returns the archive REST locator for a resource,
// e.g. "/studies/abc123". System-level events map to "/".
func ResourcePath(l event.Level, id string) string {
	seg := levelSegment(l)
	if seg == "" {
		return "/"
	}
	return "/" + seg + "/" + id
}

func levelSegment(l event.Level) string {
	switch l {
	case event.LevelInstance:
		return "instances"
	case event.LevelSeries:
		return "series"
	case event.LevelStudy:
		return "studies"
	case event.LevelPatient:
		return "patients"
	default:
		return ""
	}
}

// Marshal returns the canonical JSON encoding of r.
func (r Record) Marshal() ([]byte, error) { return json.Marshal(r) }

// Sequencer assigns the Seq value of each record.
type Sequencer interface {
	Next() int64
}

// ZeroSequencer always yields 0.
type ZeroSequencer struct{}

func (ZeroSequencer) Next() int64 { return 0 }

// CounterSequencer yields 1, 2, 3, ... and is safe for concurrent use.
type CounterSequencer struct {
	n atomic.Int64
}

func (c *CounterSequencer) Next() int64 { return c.n.Add(1) }

// NewSequencer returns the sequencer for a mode name: "counter" or
// anything else (including "" and "zero") for the constant zero.
func NewSequencer(mode string) Sequencer {
	if mode == "counter" {
		return &CounterSequencer{}
	}
	return ZeroSequencer{}
}
