package recovery

// Attempted is published after each recovery. Attempts counts tries of
// the action; Err is the last failure, nil on success.
type Attempted struct {
	Source   string
	Op       string
	Action   Action
	Attempts int
	Err      error
}

func (Attempted) EventName() string { return "recovery-attempted" }

// Succeeded reports whether the recovery worked.
func (a Attempted) Succeeded() bool { return a.Err == nil }
