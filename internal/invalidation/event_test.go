package invalidation

import (
	"testing"
	"time"

	"github.com/AsobaCloud/platform-edge/internal/model"
)

func validEvent() Event {
	return Event{
		Version:    1,
		Op:         OpModelUpdated,
		CustomerID: "Sibaya",
		TS:         time.Now().UTC(),
		Source:     "model-trainer",
	}
}

func TestEventValidate(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"bad version", func(e *Event) { e.Version = 2 }},
		{"unknown op", func(e *Event) { e.Op = "retrained" }},
		{"blank customer", func(e *Event) { e.CustomerID = "  " }},
		{"zero ts", func(e *Event) { e.TS = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			if err := ev.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestEventKind(t *testing.T) {
	ev := validEvent()
	if ev.Kind() != model.KindModel {
		t.Fatalf("kind=%s want model", ev.Kind())
	}
	ev.Op = OpDataUpdated
	if ev.Kind() != model.KindData {
		t.Fatalf("kind=%s want data", ev.Kind())
	}
}
