package events

import "sync"

// Error is published whenever a component surfaces an error to the UI layer.
// Generation is the peer-connection generation the error belongs to, or 0.
type Error struct {
	Source     string
	Generation uint64
	Err        error
}

func (Error) EventName() string { return "error" }

// Recorder collects events; handy for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle is a Handler that appends ev.
func (r *Recorder) Handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events whose EventName equals name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}
