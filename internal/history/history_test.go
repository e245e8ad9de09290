package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, Entry) error { return errors.New("boom") }
func (f *failingSink) Close() error                      { f.closed = true; return nil }
func (f *failingSink) Name() string                      { return "failing" }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemory()
	bad := &failingSink{}
	m := Multi{mem, bad}

	e := Entry{DeliveryID: "d1", OccurredAt: time.Now().UTC(), Outcome: "accepted", ResourceID: "abc"}
	err := m.Send(context.Background(), e)
	if err == nil {
		t.Fatalf("expected joined error from failing sink")
	}
	if !strings.Contains(err.Error(), "failing: boom") {
		t.Fatalf("error should carry sink name: %v", err)
	}
	sinkErrs := SinkErrors(err)
	if len(sinkErrs) != 1 || sinkErrs[0].Sink != "failing" {
		t.Fatalf("unexpected sink errors: %+v", sinkErrs)
	}
	got := mem.Entries()
	if len(got) != 1 || got[0].DeliveryID != "d1" {
		t.Fatalf("memory sink did not receive entry: %+v", got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed {
		t.Fatalf("closable sink was not closed")
	}
}

func TestNameOf(t *testing.T) {
	if NameOf(NewMemory()) != "memory" {
		t.Fatalf("unexpected memory sink name")
	}
	if NameOf(Multi{}) != "history.Multi" {
		t.Fatalf("unexpected fallback name: %s", NameOf(Multi{}))
	}
}

func TestMemoryEntriesIsCopy(t *testing.T) {
	mem := NewMemory()
	_ = mem.Send(context.Background(), Entry{ResourceID: "a"})
	got := mem.Entries()
	got[0].ResourceID = "mutated"
	if mem.Entries()[0].ResourceID != "a" {
		t.Fatalf("Entries must return a copy")
	}
}

type blockingSink struct{}

func (blockingSink) Send(ctx context.Context, _ Entry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestMultiSendsConcurrently(t *testing.T) {
	m := Multi{blockingSink{}, blockingSink{}, blockingSink{}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Send(ctx, Entry{DeliveryID: "d1"})
	elapsed := time.Since(start)

	if elapsed > 250*time.Millisecond {
		t.Fatalf("sinks were not written concurrently: %v", elapsed)
	}
	sinkErrs := SinkErrors(err)
	if len(sinkErrs) != 3 {
		t.Fatalf("expected 3 sink errors, got %d: %v", len(sinkErrs), err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSinkErrorsNil(t *testing.T) {
	if SinkErrors(nil) != nil {
		t.Fatalf("expected no sink errors")
	}
	if err := (Multi{NewMemory()}).Send(context.Background(), Entry{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
