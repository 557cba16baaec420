package models

// Stage is the lifecycle position of a reference within a crawl session.
// Transitions only flow queued -> active -> processed, with a single
// processed -> queued requeue allowed per session.
type Stage string

const (
	StageUnset     Stage = ""          // Zero value = reference unknown to the store
	StageQueued    Stage = "queued"    // Waiting in the queue
	StageActive    Stage = "active"    // Claimed by a worker
	StageProcessed Stage = "processed" // Terminal state assigned
)

// String implements fmt.Stringer for logging
func (s Stage) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the stage is a known lifecycle value
func (s Stage) IsValid() bool {
	switch s {
	case StageQueued, StageActive, StageProcessed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal forward transition.
// The processed -> queued requeue is checked separately by the store since it is bounded per session.
func (s Stage) CanTransitionTo(next Stage) bool {
	switch s {
	case StageUnset:
		return next == StageQueued || next == StageProcessed
	case StageQueued:
		return next == StageActive || next == StageProcessed
	case StageActive:
		return next == StageProcessed
	}
	return false
}

// State is the terminal classification of a reference.
type State string

const (
	StateUnset                State = ""
	StateNew                  State = "new"
	StateUnmodified           State = "unmodified"
	StateRedirect             State = "redirect"
	StateRejectedFilter       State = "rejected-filter"
	StateRejectedDuplicate    State = "rejected-duplicate"
	StateRejectedNonCanonical State = "rejected-noncanonical"
	StateRejectedPremature    State = "rejected-premature"
	StateRejectedNotFound     State = "rejected-notfound"
	StateRejectedBadStatus    State = "rejected-bad-status"
	StatePremature            State = "premature"
)

// String implements fmt.Stringer for logging
func (s State) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the state is one of the known terminal states
func (s State) IsValid() bool {
	switch s {
	case StateNew, StateUnmodified, StateRedirect, StateRejectedFilter,
		StateRejectedDuplicate, StateRejectedNonCanonical, StateRejectedPremature,
		StateRejectedNotFound, StateRejectedBadStatus, StatePremature:
		return true
	}
	return false
}

// IsGood reports whether a reference in this state proceeds to import.
func (s State) IsGood() bool {
	return s == StateNew
}

// IsRejected reports whether the state is one of the rejected-* states.
func (s State) IsRejected() bool {
	switch s {
	case StateRejectedFilter, StateRejectedDuplicate, StateRejectedNonCanonical,
		StateRejectedPremature, StateRejectedNotFound, StateRejectedBadStatus:
		return true
	}
	return false
}

// ParseState converts a stored string back to a State.
// Unknown values map to StateUnset.
func ParseState(s string) State {
	st := State(s)
	if st.IsValid() {
		return st
	}
	return StateUnset
}
