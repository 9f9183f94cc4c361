package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryPublisherRecords(t *testing.T) {
	p := NewMemoryPublisher()
	p.Publish(Event{Kind: KindJobAdmitted, JobID: "a", Caller: "c"})
	p.Publish(Event{Kind: KindJobCompleted, JobID: "a", Decision: "succeeded"})

	evs := p.Events()
	if len(evs) != 2 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].Kind != KindJobAdmitted || evs[1].Decision != "succeeded" {
		t.Fatalf("events = %+v", evs)
	}

	// Events returns a copy; mutating it must not affect the publisher.
	evs[0].Kind = "tampered"
	if p.Events()[0].Kind != KindJobAdmitted {
		t.Fatal("Events leaked internal state")
	}
}

func TestLogPublisherStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	p.Publish(Event{
		Time:     time.Unix(1700000000, 0),
		Kind:     KindSubprocess,
		Decision: "ok",
		Fields:   map[string]any{"binary": "ffmpeg", "dur_ms": 42},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %s", buf.String())
	}
	if line["kind"] != KindSubprocess || line["decision"] != "ok" {
		t.Fatalf("line = %v", line)
	}
	if line["binary"] != "ffmpeg" {
		t.Fatalf("custom field missing: %v", line)
	}
}

func TestNopPublisher(t *testing.T) {
	NopPublisher{}.Publish(Event{Kind: KindJobRejected}) // must not panic
}
