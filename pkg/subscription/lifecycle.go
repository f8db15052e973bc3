package subscription

import "fmt"

// transitions lists the statuses reachable from each non-terminal status.
// Trialing is an entry state some providers emit in place of pending.
var transitions = map[Status][]Status{
	StatusPending:  {StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired},
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled, StatusExpired},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusExpired},
}

// CanTransition reports whether a subscription may move from one status to
// another. Same-status moves are always allowed and change nothing.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscription status cannot change from %q to %q", e.From, e.To)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidateTransition returns a *TransitionError if the move is not allowed.
func ValidateTransition(from, to Status) error {
	if !to.Valid() || !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
