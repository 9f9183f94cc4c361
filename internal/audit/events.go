package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds emitted by the core. One event per admission decision, job
// completion and external subprocess invocation.
const (
	KindJobAdmitted  = "job_admitted"
	KindJobRejected  = "job_rejected"
	KindJobCompleted = "job_completed"
	KindJobCancelled = "job_cancelled"
	KindSubprocess   = "subprocess"
)

// Event is a structured audit record. The core emits events; it never
// writes logs itself.
type Event struct {
	Time     time.Time
	Kind     string
	Caller   string
	JobID    string
	Decision string
	Reason   string
	Fields   map[string]any
}

// Publisher receives audit events. Implementations should be lightweight
// and non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// NopPublisher drops events. Used when auditing is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// LogPublisher forwards events to a zerolog logger, one structured line
// per event.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(l zerolog.Logger) *LogPublisher { return &LogPublisher{log: l} }

func (p *LogPublisher) Publish(e Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := p.log.Info().
		Time("at", ts).
		Str("kind", e.Kind)
	if e.Caller != "" {
		ev = ev.Str("caller", e.Caller)
	}
	if e.JobID != "" {
		ev = ev.Str("job_id", e.JobID)
	}
	if e.Decision != "" {
		ev = ev.Str("decision", e.Decision)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("audit")
}
