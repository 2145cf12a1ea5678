package types

import "fmt"

// Status is the lifecycle state of an opportunity
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusStale      Status = "stale"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusAbandoned, StatusStale, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusClosed
}

var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusStale, StatusClosed, StatusCompleted},
	StatusInProgress: {StatusCompleted, StatusAbandoned, StatusClosed},
	StatusStale:      {StatusClosed, StatusOpen, StatusCompleted},
	StatusAbandoned:  {StatusOpen, StatusClosed},
}

// Transition describes the outcome of a permitted status change.
type Transition struct {
	From Status
	To   Status
	// Anomalous is set for accepted changes that skip a required step,
	// such as completing work that never entered in_progress.
	Anomalous bool
}

// CheckTransition validates from -> to. Re-entering the same state is a no-op
// and allowed for non-terminal states.
func CheckTransition(from, to Status) (Transition, error) {
	if !from.Valid() || !to.Valid() {
		return Transition{}, Validationf("unknown status %q -> %q", from, to)
	}
	if from.Terminal() {
		return Transition{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	t := Transition{From: from, To: to}
	if from == to {
		return t, nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			t.Anomalous = to == StatusCompleted && from != StatusInProgress
			return t, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
