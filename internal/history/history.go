package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Entry is one journaled delivery outcome.
type Entry struct {
	DeliveryID   string    `json:"delivery_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Outcome      string    `json:"outcome"`
	ChangeType   string    `json:"change_type"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Path         string    `json:"path"`
	Seq          int64     `json:"seq"`
	StatusCode   int       `json:"status_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	DurationMS   int64     `json:"duration_ms"`
}

// Sink is a destination for delivery outcomes (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
}

// Named is implemented by sinks that report a label for metrics and logs.
type Named interface {
	Name() string
}

// NameOf returns the sink's label or its Go type.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// SinkError is a failed write to one sink of a Multi.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// SinkErrors lists the per-sink failures inside an error returned by
// Multi.Send.
func SinkErrors(err error) []*SinkError {
	if err == nil {
		return nil
	}
	var out []*SinkError
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, SinkErrors(e)...)
		}
		return out
	}
	var se *SinkError
	if errors.As(err, &se) {
		out = append(out, se)
	}
	return out
}

// Multi sends each entry to every sink concurrently and joins their
// errors as *SinkError values. Send returns once every sink has returned,
// so a slow sink is bounded only by ctx.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Entry) error {
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, s := range m {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, e); err != nil {
				errs[i] = &SinkError{Sink: NameOf(s), Err: err}
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Memory keeps entries in memory for tests and embedding.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Memory) Name() string { return "memory" }
