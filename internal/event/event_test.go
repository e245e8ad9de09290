package event

import (
	"sync"
	"testing"
)

func TestParseKindAcceptsSpellings(t *testing.T) {
	cases := map[string]Kind{
		"StableStudy":   KindStableStudy,
		"stable_study":  KindStableStudy,
		"STABLE-STUDY":  KindStableStudy,
		" NewInstance ": KindNewInstance,
		"JobFailure":    KindJobFailure,
	}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q) = %v,%v want %v", in, got, ok, want)
		}
	}
	if k, ok := ParseKind("NoSuchChange"); ok || k != KindUnknown {
		t.Fatalf("expected unknown, got %v,%v", k, ok)
	}
	if _, ok := ParseKind(""); ok {
		t.Fatalf("empty label must not parse")
	}
}

func TestKindStringRoundTrip(t *testing.T) {
	for k := range kindNames {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("round trip failed for %v", k)
		}
	}
	if KindUnknown.String() != "Unknown" {
		t.Fatalf("unexpected label for unknown kind: %s", KindUnknown.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"Study":     LevelStudy,
		"studies":   LevelStudy,
		"Instance":  LevelInstance,
		"instances": LevelInstance,
		"Series":    LevelSeries,
		"patients":  LevelPatient,
		"System":    LevelSystem,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseLevel("galaxy"); ok {
		t.Fatalf("unexpected level parse")
	}
}

func TestBusPublishInOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(func(e Event) { got = append(got, "a:"+e.ResourceID) })
	b.Subscribe(nil)
	b.Subscribe(func(e Event) { got = append(got, "b:"+e.ResourceID) })
	if b.Len() != 2 {
		t.Fatalf("nil handler must be ignored, got %d handlers", b.Len())
	}
	n := b.Publish(Event{Kind: KindStableStudy, Level: LevelStudy, ResourceID: "x"})
	if n != 2 {
		t.Fatalf("expected 2 handlers invoked, got %d", n)
	}
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Kind: KindNewInstance})
		}()
	}
	wg.Wait()
	if count != 20 {
		t.Fatalf("expected 20 deliveries, got %d", count)
	}
}

func TestChangeToEvent(t *testing.T) {
	c := Change{ChangeType: "StableStudy", ResourceType: "Study", ID: " abc ", Seq: 7, Date: "20240102T030405"}
	ev := c.Event()
	if ev.Kind != KindStableStudy || ev.Level != LevelStudy || ev.ResourceID != "abc" || ev.Seq != 7 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Date.Year() != 2024 || ev.Date.Hour() != 3 || ev.Date.Second() != 5 {
		t.Fatalf("unexpected date: %v", ev.Date)
	}

	ev = Change{ChangeType: "SomethingNew", ResourceType: "Planet", ID: "x", Date: "yesterday"}.Event()
	if ev.Kind != KindUnknown || ev.Level != LevelUnknown || !ev.Date.IsZero() {
		t.Fatalf("unknown labels must map to zero values: %+v", ev)
	}
}

func TestChangeImpliedLevel(t *testing.T) {
	ev := Change{ChangeType: "StableStudy", ID: "abc"}.Event()
	if ev.Level != LevelStudy {
		t.Fatalf("missing ResourceType should imply Study, got %v", ev.Level)
	}
	cases := map[Kind]Level{
		KindStableSeries:   LevelSeries,
		KindStablePatient:  LevelPatient,
		KindNewInstance:    LevelInstance,
		KindOrthancStarted: LevelSystem,
		KindDeleted:        LevelUnknown,
		KindJobSuccess:     LevelUnknown,
	}
	for k, want := range cases {
		if got := k.ImpliedLevel(); got != want {
			t.Fatalf("%v.ImpliedLevel() = %v want %v", k, got, want)
		}
	}
	ev = Change{ChangeType: "Deleted", ResourceType: "Series", ID: "s"}.Event()
	if ev.Level != LevelSeries {
		t.Fatalf("explicit ResourceType must win, got %v", ev.Level)
	}
}

func TestChangeValidate(t *testing.T) {
	valid := []Change{
		{ChangeType: "StableStudy", ResourceType: "Study", ID: "x"},
		{ChangeType: "StableStudy", ID: "x"},
		{ChangeType: "JobSuccess", ResourceType: "Job", ID: "j"},
		{ChangeType: "SomethingNew", ResourceType: "Planet", ID: "x"},
	}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Fatalf("Validate(%+v): %v", c, err)
		}
	}
	if err := (Change{ChangeType: "StableStudy", ResourceType: "Planet", ID: "x"}).Validate(); err == nil {
		t.Fatalf("expected an error for an unknown ResourceType")
	}
}
