package queue

import (
	"context"
	"errors"

	"guichet/internal/models"
)

// Coordinator advances an agency's queue: finish whoever is being
// served, then promote the oldest waiting ticket.
type Coordinator struct {
	lifecycle *Lifecycle
	view      *View
}

func NewCoordinator(lifecycle *Lifecycle, view *View) *Coordinator {
	return &Coordinator{lifecycle: lifecycle, view: view}
}

// ServeNext completes the currently serving ticket (if any) and starts
// the next waiting one. An empty queue is not an error: the agency is
// simply left with nothing serving.
func (c *Coordinator) ServeNext(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	current, ok, err := c.view.CurrentlyServing(ctx, agencyID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if ok {
		if _, err := c.lifecycle.Complete(ctx, current.TicketID); err != nil {
			// A concurrent cancel may have finalized the ticket
			// already; anything else is a real failure.
			var transitionErr *TransitionError
			if !errors.As(err, &transitionErr) {
				return models.Ticket{}, false, err
			}
		}
	}

	for {
		next, ok, err := c.view.NextWaiting(ctx, agencyID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if !ok {
			return models.Ticket{}, false, nil
		}

		ticket, err := c.lifecycle.Start(ctx, next.TicketID)
		if err != nil {
			// A client cancelling their waiting ticket just before
			// promotion is not the agent's problem: move on to the next
			// in line. Any other conflict (another agent already took
			// it) or failure is surfaced.
			var transitionErr *TransitionError
			if errors.As(err, &transitionErr) && transitionErr.From == models.StatusCancelled {
				continue
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return models.Ticket{}, false, err
		}
		return ticket, true, nil
	}
}
