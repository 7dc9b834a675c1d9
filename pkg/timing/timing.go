package timing

import (
	"time"
)

// Phase classifies a recorded event. Only start and stop participate in
// interval pairing; anything else is kept in the log as an unpaired marker.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseStop  Phase = "stop"
	PhaseOther Phase = "other"
)

// NormalizePhase maps arbitrary caller input onto a known phase.
// Unknown values are not an error, they just never pair.
func NormalizePhase(s string) Phase {
	switch Phase(s) {
	case PhaseStart:
		return PhaseStart
	case PhaseStop:
		return PhaseStop
	default:
		return PhaseOther
	}
}

// Event is one entry in the timer log.
type Event struct {
	Label string
	At    time.Time
	Phase Phase
	Note  string
}

// Recorder accumulates labeled start/stop events for one maintenance run.
// The log is append-only and owned by exactly one recorder; construct a
// fresh recorder per run instead of sharing one across runs.
//
// Recording never fails and performs no pairing validation; pairing is
// deferred to Report. A caller that only ever records a start for a label
// will simply see no line for that label in the rendered report.
type Recorder struct {
	now    func() time.Time
	events []Event
}

// NewRecorder creates a recorder with an empty log using the wall clock.
func NewRecorder() *Recorder {
	return NewRecorderWithClock(time.Now)
}

// NewRecorderWithClock creates a recorder using the given clock function.
// Tests inject a fake clock here to get deterministic timestamps.
func NewRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{
		now:    now,
		events: make([]Event, 0, 32),
	}
}

// Record appends an event stamped with the current clock. Phase values other
// than "start"/"stop" are normalized to the unpaired marker.
func (r *Recorder) Record(label, phase, note string) {
	r.events = append(r.events, Event{
		Label: label,
		At:    r.now(),
		Phase: NormalizePhase(phase),
		Note:  note,
	})
}

// Start is shorthand for Record(label, "start", note).
func (r *Recorder) Start(label, note string) {
	r.Record(label, string(PhaseStart), note)
}

// Stop is shorthand for Record(label, "stop", note).
func (r *Recorder) Stop(label, note string) {
	r.Record(label, string(PhaseStop), note)
}

// Events returns a copy of the log in recording order.
func (r *Recorder) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}
