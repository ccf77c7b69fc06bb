package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"
)

const defaultNumberPrefix = "GQ"

// Engine is the caller-facing surface of the queue: ticket issuance,
// the serving flow, and the advisory read side. HTTP routing and
// authorization live with the caller; persistence lives behind the
// TicketStore contract.
type Engine struct {
	store       store.TicketStore
	allocator   *Allocator
	lifecycle   *Lifecycle
	view        *View
	coordinator *Coordinator
	notifier    Notifier
}

type Options struct {
	NumberPrefix    string
	ServiceDuration time.Duration
	Notifier        Notifier
}

func New(st store.TicketStore, options Options) *Engine {
	prefix := options.NumberPrefix
	if prefix == "" {
		prefix = defaultNumberPrefix
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	lifecycle := NewLifecycle(st, notifier)
	view := NewView(st, options.ServiceDuration)
	return &Engine{
		store:       st,
		allocator:   NewAllocator(st, prefix),
		lifecycle:   lifecycle,
		view:        view,
		coordinator: NewCoordinator(lifecycle, view),
		notifier:    notifier,
	}
}

type TakeTicketInput struct {
	AgencyID        string
	ClientID        string
	ServiceID       string
	RequestedNumber int64 // 0 means automatic numbering
	IssuedAt        time.Time
}

// TakeTicket issues the next ticket for an agency, or a specific number
// when the caller requests one.
func (e *Engine) TakeTicket(ctx context.Context, input TakeTicketInput) (models.Ticket, error) {
	input.AgencyID = strings.TrimSpace(input.AgencyID)
	input.ClientID = strings.TrimSpace(input.ClientID)
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	if input.AgencyID == "" {
		return models.Ticket{}, invalidInput("agency_id is required")
	}
	if input.ClientID == "" {
		return models.Ticket{}, invalidInput("client_id is required")
	}

	allocate := AllocateInput{
		AgencyID:  input.AgencyID,
		ClientID:  input.ClientID,
		ServiceID: input.ServiceID,
		IssuedAt:  input.IssuedAt,
	}
	var ticket models.Ticket
	var err error
	if input.RequestedNumber > 0 {
		ticket, err = e.allocator.AllocateRequested(ctx, allocate, input.RequestedNumber)
	} else {
		ticket, err = e.allocator.Allocate(ctx, allocate)
	}
	if err != nil {
		return models.Ticket{}, err
	}

	e.notifier.Notify(ctx, ticket, store.EventTicketCreated)
	return ticket, nil
}

// ServeNext finishes the agency's current client and calls the next
// one. The boolean is false when the queue is empty.
func (e *Engine) ServeNext(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	return e.coordinator.ServeNext(ctx, agencyID)
}

func (e *Engine) StartService(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.lifecycle.Start(ctx, ticketID)
}

func (e *Engine) CompleteService(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.lifecycle.Complete(ctx, ticketID)
}

func (e *Engine) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.lifecycle.Cancel(ctx, ticketID)
}

// TicketStatus is the advisory view a waiting client polls: where am I,
// and roughly how long.
type TicketStatus struct {
	Ticket   models.Ticket `json:"ticket"`
	Position int           `json:"position"`
	Estimate time.Duration `json:"estimate"`
}

func (e *Engine) Status(ctx context.Context, ticketID string) (TicketStatus, error) {
	ticket, err := e.store.FindTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return TicketStatus{}, ErrNotFound
		}
		return TicketStatus{}, err
	}
	return e.statusOf(ctx, ticket)
}

// PeopleAhead counts the waiting tickets issued before the given one in
// its agency.
func (e *Engine) PeopleAhead(ctx context.Context, ticketID string) (int, error) {
	ticket, err := e.store.FindTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return e.view.PositionOf(ctx, ticket)
}

// VerifyTicket is the public kiosk lookup: a display number scoped to
// an agency, no authentication involved.
func (e *Engine) VerifyTicket(ctx context.Context, agencyID, number string) (TicketStatus, error) {
	number = strings.TrimSpace(strings.Trim(number, `"`))
	if !store.ValidNumber(number) {
		return TicketStatus{}, invalidInput("number %q is not a valid ticket number", number)
	}
	ticket, err := e.store.FindTicketByNumber(ctx, agencyID, number)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return TicketStatus{}, ErrNotFound
		}
		return TicketStatus{}, err
	}
	return e.statusOf(ctx, ticket)
}

// ClientActiveTicket returns the client's latest waiting ticket for an
// agency.
func (e *Engine) ClientActiveTicket(ctx context.Context, agencyID, clientID string) (models.Ticket, error) {
	ticket, err := e.store.FindClientWaitingTicket(ctx, agencyID, clientID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return models.Ticket{}, ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// QueueSnapshot lists the agency's live tickets (waiting and serving)
// in service order, for board displays.
func (e *Engine) QueueSnapshot(ctx context.Context, agencyID string) ([]models.Ticket, error) {
	return e.store.QueryTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []string{models.StatusWaiting, models.StatusServing},
	})
}

// AgencyStats is the today dashboard for one agency.
type AgencyStats struct {
	AgencyID     string        `json:"agency_id"`
	Waiting      int           `json:"waiting"`
	Serving      int           `json:"serving"`
	Done         int           `json:"done"`
	Cancelled    int           `json:"cancelled"`
	WaitEstimate time.Duration `json:"wait_estimate"`
}

func (e *Engine) Stats(ctx context.Context, agencyID string) (AgencyStats, error) {
	stats := AgencyStats{AgencyID: agencyID}
	counts := []struct {
		status string
		target *int
	}{
		{models.StatusWaiting, &stats.Waiting},
		{models.StatusServing, &stats.Serving},
		{models.StatusDone, &stats.Done},
		{models.StatusCancelled, &stats.Cancelled},
	}
	for _, c := range counts {
		count, err := e.view.CountByStatus(ctx, agencyID, c.status, nil)
		if err != nil {
			return AgencyStats{}, err
		}
		*c.target = count
	}

	estimate, err := e.view.WaitEstimate(ctx, agencyID)
	if err != nil {
		return AgencyStats{}, err
	}
	stats.WaitEstimate = estimate
	return stats, nil
}

// Events exposes the outbox feed for pollers such as board displays
// and the notification worker.
func (e *Engine) Events(ctx context.Context, after store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	return e.store.ListOutboxEvents(ctx, after, limit)
}

// View exposes the read-side computations for callers that need them
// directly.
func (e *Engine) View() *View {
	return e.view
}

func (e *Engine) statusOf(ctx context.Context, ticket models.Ticket) (TicketStatus, error) {
	status := TicketStatus{Ticket: ticket}
	if ticket.Status != models.StatusWaiting {
		return status, nil
	}
	position, err := e.view.PositionOf(ctx, ticket)
	if err != nil {
		return TicketStatus{}, err
	}
	status.Position = position
	status.Estimate = e.view.EstimateFor(position)
	return status, nil
}
