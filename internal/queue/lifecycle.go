package queue

import (
	"context"
	"errors"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"
)

// Lifecycle applies status transitions through the store's
// compare-and-set update, so two concurrent operations on the same
// ticket can never both succeed from the same prior state.
type Lifecycle struct {
	store    store.TicketStore
	notifier Notifier
	now      func() time.Time
}

func NewLifecycle(st store.TicketStore, notifier Notifier) *Lifecycle {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Lifecycle{store: st, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// Start moves a waiting ticket to serving and stamps started_at.
func (l *Lifecycle) Start(ctx context.Context, ticketID string) (models.Ticket, error) {
	return l.apply(ctx, ticketID, models.StatusWaiting, models.StatusServing)
}

// Complete moves a serving ticket to done and stamps completed_at.
func (l *Lifecycle) Complete(ctx context.Context, ticketID string) (models.Ticket, error) {
	return l.apply(ctx, ticketID, models.StatusServing, models.StatusDone)
}

// Cancel moves a waiting or serving ticket to cancelled. Cancelling
// from serving needs no prior complete.
func (l *Lifecycle) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := l.apply(ctx, ticketID, models.StatusWaiting, models.StatusCancelled)
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) && transitionErr.From == models.StatusServing {
		return l.apply(ctx, ticketID, models.StatusServing, models.StatusCancelled)
	}
	return ticket, err
}

func (l *Lifecycle) apply(ctx context.Context, ticketID, from, to string) (models.Ticket, error) {
	if !ValidTransition(from, to) {
		return models.Ticket{}, &TransitionError{TicketID: ticketID, From: from, To: to}
	}

	ticket, err := l.store.UpdateStatus(ctx, store.UpdateStatusInput{
		TicketID:   ticketID,
		FromStatus: from,
		ToStatus:   to,
		OccurredAt: l.now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTicketNotFound):
			return models.Ticket{}, ErrNotFound
		case errors.Is(err, store.ErrServingConflict):
			// The ticket itself is unchanged; the agency already has a
			// serving ticket, and only one may serve at a time.
			return models.Ticket{}, &TransitionError{TicketID: ticketID, From: from, To: to, Reason: store.ErrServingConflict.Error()}
		case errors.Is(err, store.ErrStatusConflict):
			current, findErr := l.store.FindTicket(ctx, ticketID)
			if findErr != nil {
				if errors.Is(findErr, store.ErrTicketNotFound) {
					return models.Ticket{}, ErrNotFound
				}
				return models.Ticket{}, findErr
			}
			return models.Ticket{}, &TransitionError{TicketID: ticketID, From: current.Status, To: to}
		default:
			return models.Ticket{}, err
		}
	}

	l.notifier.Notify(ctx, ticket, store.EventForStatus(ticket.Status))
	return ticket, nil
}
