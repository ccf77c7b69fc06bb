package queue

import (
	"context"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"
)

// DefaultServiceDuration is the fixed per-person slice used by the
// wait estimator. Deliberately a constant heuristic, not a model fitted
// to history.
const DefaultServiceDuration = 5 * time.Minute

// View computes queue positions, counts, and wait estimates from live
// ticket state. Nothing here is cached: a denormalized counter would be
// a second source of truth racing the transitions.
type View struct {
	store           store.TicketStore
	serviceDuration time.Duration
	now             func() time.Time
}

func NewView(st store.TicketStore, serviceDuration time.Duration) *View {
	if serviceDuration <= 0 {
		serviceDuration = DefaultServiceDuration
	}
	return &View{store: st, serviceDuration: serviceDuration, now: time.Now}
}

// PositionOf counts the waiting tickets ahead of the given ticket in
// its agency. Zero means next to be served.
func (v *View) PositionOf(ctx context.Context, ticket models.Ticket) (int, error) {
	return v.store.CountTickets(ctx, store.TicketFilter{
		AgencyID:      ticket.AgencyID,
		Statuses:      []string{models.StatusWaiting},
		SequenceBelow: ticket.SequenceNumber,
	})
}

// WaitEstimate returns waiting count times the fixed per-person
// duration for the whole agency queue.
func (v *View) WaitEstimate(ctx context.Context, agencyID string) (time.Duration, error) {
	waiting, err := v.store.CountTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []string{models.StatusWaiting},
	})
	if err != nil {
		return 0, err
	}
	return time.Duration(waiting) * v.serviceDuration, nil
}

// EstimateFor converts a queue position into a wait duration.
func (v *View) EstimateFor(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * v.serviceDuration
}

// CountByStatus counts an agency's tickets in one status over a day
// range, defaulting to the local calendar day.
func (v *View) CountByStatus(ctx context.Context, agencyID, status string, day *store.DayRange) (int, error) {
	if !models.ValidStatus(status) {
		return 0, invalidInput("unknown status %q", status)
	}
	if day == nil {
		today := store.Today(v.now())
		day = &today
	}
	return v.store.CountTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []string{status},
		IssuedIn: day,
	})
}

// CurrentlyServing returns the agency's single serving ticket, if any.
func (v *View) CurrentlyServing(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	return v.first(ctx, agencyID, models.StatusServing)
}

// NextWaiting returns the waiting ticket with the smallest sequence
// number. Service order is the sequence integer, not wall-clock time.
func (v *View) NextWaiting(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	return v.first(ctx, agencyID, models.StatusWaiting)
}

func (v *View) first(ctx context.Context, agencyID, status string) (models.Ticket, bool, error) {
	tickets, err := v.store.QueryTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []string{status},
		Limit:    1,
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(tickets) == 0 {
		return models.Ticket{}, false, nil
	}
	return tickets[0], true, nil
}
