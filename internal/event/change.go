package event

import (
	"fmt"
	"strings"
	"time"
)

// ChangeDateLayout is the archive's compact timestamp format.
const ChangeDateLayout = "20060102T150405"

// Change is one entry of the archive's change feed, as served by
// GET /changes and as posted by the archive's scripting hooks.
type Change struct {
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	ID           string `json:"ID"`
	Path         string `json:"Path,omitempty"`
	Seq          int64  `json:"Seq,omitempty"`
	Date         string `json:"Date,omitempty"`
}

// Event converts the feed entry. Unknown change types map to KindUnknown,
// which no dispatcher matches. A missing ResourceType falls back to the
// kind's implied level. An unparsable Date is left zero.
func (c Change) Event() Event {
	k, _ := ParseKind(c.ChangeType)
	l, _ := ParseLevel(c.ResourceType)
	if strings.TrimSpace(c.ResourceType) == "" {
		l = k.ImpliedLevel()
	}
	ev := Event{Kind: k, Level: l, ResourceID: strings.TrimSpace(c.ID), Seq: c.Seq}
	if c.Date != "" {
		if t, err := time.ParseInLocation(ChangeDateLayout, c.Date, time.UTC); err == nil {
			ev.Date = t
		}
	}
	return ev
}

// Validate rejects an entry whose change type implies a resource level
// but whose ResourceType names none the archive knows.
func (c Change) Validate() error {
	k, ok := ParseKind(c.ChangeType)
	if !ok || k.ImpliedLevel() == LevelUnknown || strings.TrimSpace(c.ResourceType) == "" {
		return nil
	}
	if _, ok := ParseLevel(c.ResourceType); !ok {
		return fmt.Errorf("%s: unknown ResourceType %q", k, c.ResourceType)
	}
	return nil
}
