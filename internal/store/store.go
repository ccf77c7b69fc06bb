package store

import (
	"context"
	"encoding/json"
	"time"

	"guichet/internal/models"
)

// NewTicket is everything the allocator has decided about a ticket
// before it is persisted. The store either commits it atomically or
// reports ErrSequenceConflict when (AgencyID, SequenceNumber) is taken.
type NewTicket struct {
	TicketID       string
	AgencyID       string
	ServiceID      string
	ClientID       string
	SequenceNumber int64
	Number         string
	AccessCode     string
	IssuedAt       time.Time
}

// DayRange is a half-open interval [Start, End) over issued_at.
type DayRange struct {
	Start time.Time
	End   time.Time
}

// Today returns the caller's local calendar day.
func Today(now time.Time) DayRange {
	year, month, day := now.Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	return DayRange{Start: start, End: start.AddDate(0, 0, 1)}
}

func (r DayRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

type TicketFilter struct {
	AgencyID      string
	Statuses      []string
	IssuedIn      *DayRange
	SequenceBelow int64 // when > 0, only tickets with a smaller sequence number
	Limit         int   // when > 0, cap the result size
}

type UpdateStatusInput struct {
	TicketID   string
	FromStatus string
	ToStatus   string
	OccurredAt time.Time
}

// TicketStore is the durable-state contract the queue engine consumes.
// Query results are always ordered by sequence number ascending, which
// is the service order within an agency.
type TicketStore interface {
	MaxSequence(ctx context.Context, agencyID string) (int64, error)
	InsertTicket(ctx context.Context, ticket NewTicket) (models.Ticket, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (models.Ticket, error)
	QueryTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context, filter TicketFilter) (int, error)
	FindTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	FindTicketByNumber(ctx context.Context, agencyID, number string) (models.Ticket, error)
	FindClientWaitingTicket(ctx context.Context, agencyID, clientID string) (models.Ticket, error)
	ListOutboxEvents(ctx context.Context, after EventCursor, limit int) ([]OutboxEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	AgencyID  string          `json:"agency_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventCursor marks the last consumed outbox event. The feed is totally
// ordered by (created_at, event_id), so two events sharing a timestamp
// still resume without losing the second one.
type EventCursor struct {
	CreatedAt time.Time
	EventID   string
}

func (c EventCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.EventID == ""
}

// CursorOf returns the cursor marking the event as consumed.
func CursorOf(event OutboxEvent) EventCursor {
	return EventCursor{CreatedAt: event.CreatedAt, EventID: event.EventID}
}

// After reports whether the event sorts after the cursor in
// (created_at, event_id) order. A zero cursor precedes every event.
func (e OutboxEvent) After(c EventCursor) bool {
	if c.IsZero() {
		return true
	}
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.After(c.CreatedAt)
	}
	return e.EventID > c.EventID
}

const (
	EventTicketCreated   = "ticket.created"
	EventTicketServing   = "ticket.serving"
	EventTicketDone      = "ticket.done"
	EventTicketCancelled = "ticket.cancelled"
)

// EventForStatus maps a committed status to the outbox event type
// recorded alongside it.
func EventForStatus(status string) string {
	switch status {
	case models.StatusWaiting:
		return EventTicketCreated
	case models.StatusServing:
		return EventTicketServing
	case models.StatusDone:
		return EventTicketDone
	case models.StatusCancelled:
		return EventTicketCancelled
	default:
		return ""
	}
}
