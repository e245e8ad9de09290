package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/loykin/studyhook/internal/payload"
)

// OutcomeKind classifies what happened to one event.
type OutcomeKind int

const (
	// FilteredOut: the event was not the configured kind (or level); nothing was sent.
	FilteredOut OutcomeKind = iota
	// DeliveryAccepted: the endpoint answered 200.
	DeliveryAccepted
	// DeliveryRejected: the endpoint answered with any other status.
	DeliveryRejected
	// DeliveryUnreachable: no response (refused, timeout, DNS, TLS).
	DeliveryUnreachable
	// BuildFailure: the record could not be constructed.
	BuildFailure
)

var outcomeLabels = [...]string{
	FilteredOut:         "filtered_out",
	DeliveryAccepted:    "accepted",
	DeliveryRejected:    "rejected",
	DeliveryUnreachable: "unreachable",
	BuildFailure:        "build_failure",
}

func (k OutcomeKind) String() string {
	if k < 0 || int(k) >= len(outcomeLabels) {
		return "unknown"
	}
	return outcomeLabels[k]
}

// DeliveryOutcome is the result of handling one event.
type DeliveryOutcome struct {
	Kind       OutcomeKind
	DeliveryID string
	Record     payload.Record
	// StatusCode and Body are set for accepted and rejected deliveries.
	// Body is truncated to the configured limit.
	StatusCode int
	Body       string
	// Err is the transport or build error; it wraps the underlying cause.
	Err      error
	Attempts int
	Duration time.Duration
}

// Accepted reports whether the endpoint acknowledged the notification.
func (o DeliveryOutcome) Accepted() bool { return o.Kind == DeliveryAccepted }

func (o DeliveryOutcome) MarshalJSON() ([]byte, error) {
	type view struct {
		Outcome    string          `json:"outcome"`
		DeliveryID string          `json:"delivery_id,omitempty"`
		Record     *payload.Record `json:"record,omitempty"`
		StatusCode int             `json:"status_code,omitempty"`
		Body       string          `json:"body,omitempty"`
		Error      string          `json:"error,omitempty"`
		Attempts   int             `json:"attempts"`
		DurationMS int64           `json:"duration_ms"`
	}
	v := view{
		Outcome:    o.Kind.String(),
		DeliveryID: o.DeliveryID,
		StatusCode: o.StatusCode,
		Body:       o.Body,
		Attempts:   o.Attempts,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Kind != FilteredOut && o.Kind != BuildFailure {
		rec := o.Record
		v.Record = &rec
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}

// Stats are per-outcome counters since the dispatcher was created.
type Stats struct {
	Received     uint64 `json:"received"`
	FilteredOut  uint64 `json:"filtered_out"`
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Unreachable  uint64 `json:"unreachable"`
	BuildFailure uint64 `json:"build_failure"`
}
