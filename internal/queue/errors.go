package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationExhausted is returned when every allocation attempt
	// lost the race for a sequence number.
	ErrAllocationExhausted = errors.New("ticket number allocation attempts exhausted")

	ErrNotFound = errors.New("ticket not found")
)

// TransitionError reports an illegal status transition, including the
// case where a concurrent operation changed the ticket first. From is
// the status observed at failure time.
type TransitionError struct {
	TicketID string
	From     string
	To       string
	Reason   string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ticket %s: cannot move from %s to %s: %s", e.TicketID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("ticket %s: cannot move from %s to %s", e.TicketID, e.From, e.To)
}

// ValidationError reports malformed caller input, such as a requested
// sequence number that is not the next available one.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalidInput(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
