// Package memory holds an in-memory TicketStore with the same conflict
// semantics as the postgres implementation: the (agency, sequence)
// uniqueness constraint and compare-and-set status updates. It backs
// the engine's unit tests and the standalone development mode.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.Mutex
	tickets     map[string]models.Ticket
	taken       map[string]map[int64]bool
	events      []store.OutboxEvent
	lastEventAt time.Time
}

func NewStore() *Store {
	return &Store{
		tickets: make(map[string]models.Ticket),
		taken:   make(map[string]map[int64]bool),
	}
}

func (s *Store) MaxSequence(ctx context.Context, agencyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for seq := range s.taken[agencyID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *Store) InsertTicket(ctx context.Context, input store.NewTicket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken[input.AgencyID][input.SequenceNumber] {
		return models.Ticket{}, store.ErrSequenceConflict
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	ticket := models.Ticket{
		TicketID:       input.TicketID,
		AgencyID:       input.AgencyID,
		ServiceID:      input.ServiceID,
		ClientID:       input.ClientID,
		SequenceNumber: input.SequenceNumber,
		Number:         input.Number,
		AccessCode:     input.AccessCode,
		Status:         models.StatusWaiting,
		IssuedAt:       issuedAt,
	}

	if s.taken[input.AgencyID] == nil {
		s.taken[input.AgencyID] = make(map[int64]bool)
	}
	s.taken[input.AgencyID][input.SequenceNumber] = true
	s.tickets[ticket.TicketID] = ticket
	s.appendEvent(store.EventTicketCreated, ticket)
	return ticket, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != input.FromStatus {
		return models.Ticket{}, store.ErrStatusConflict
	}
	if input.ToStatus == models.StatusServing {
		for _, other := range s.tickets {
			if other.AgencyID == ticket.AgencyID && other.TicketID != ticket.TicketID && other.Status == models.StatusServing {
				return models.Ticket{}, store.ErrServingConflict
			}
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	ticket.Status = input.ToStatus
	switch input.ToStatus {
	case models.StatusServing:
		at := occurredAt
		ticket.StartedAt = &at
	case models.StatusDone, models.StatusCancelled:
		at := occurredAt
		ticket.CompletedAt = &at
	}

	s.tickets[ticket.TicketID] = ticket
	if eventType := store.EventForStatus(ticket.Status); eventType != "" {
		s.appendEvent(eventType, ticket)
	}
	return ticket, nil
}

func (s *Store) QueryTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if matches(ticket, filter) {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].SequenceNumber < tickets[j].SequenceNumber
	})
	if filter.Limit > 0 && len(tickets) > filter.Limit {
		tickets = tickets[:filter.Limit]
	}
	return tickets, nil
}

func (s *Store) CountTickets(ctx context.Context, filter store.TicketFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, ticket := range s.tickets {
		if matches(ticket, filter) {
			count++
		}
	}
	return count, nil
}

func (s *Store) FindTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) FindTicketByNumber(ctx context.Context, agencyID, number string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ticket := range s.tickets {
		if ticket.AgencyID == agencyID && ticket.Number == number {
			return ticket, nil
		}
	}
	return models.Ticket{}, store.ErrTicketNotFound
}

func (s *Store) FindClientWaitingTicket(ctx context.Context, agencyID, clientID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found models.Ticket
	ok := false
	for _, ticket := range s.tickets {
		if ticket.AgencyID != agencyID || ticket.ClientID != clientID || ticket.Status != models.StatusWaiting {
			continue
		}
		if !ok || ticket.SequenceNumber > found.SequenceNumber {
			found = ticket
			ok = true
		}
	}
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return found, nil
}

// ListOutboxEvents returns events in (created_at, event_id) order.
// s.events is appended with strictly increasing timestamps, so the
// slice is already in feed order.
func (s *Store) ListOutboxEvents(ctx context.Context, after store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.events {
		if !event.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) appendEvent(eventType string, ticket models.Ticket) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return
	}
	createdAt := time.Now().UTC()
	if !createdAt.After(s.lastEventAt) {
		createdAt = s.lastEventAt.Add(time.Nanosecond)
	}
	s.lastEventAt = createdAt
	s.events = append(s.events, store.OutboxEvent{
		EventID:   uuid.NewString(),
		AgencyID:  ticket.AgencyID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
}

func matches(ticket models.Ticket, filter store.TicketFilter) bool {
	if ticket.AgencyID != filter.AgencyID {
		return false
	}
	if len(filter.Statuses) > 0 {
		ok := false
		for _, status := range filter.Statuses {
			if ticket.Status == status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.IssuedIn != nil && !filter.IssuedIn.Contains(ticket.IssuedAt) {
		return false
	}
	if filter.SequenceBelow > 0 && ticket.SequenceNumber >= filter.SequenceBelow {
		return false
	}
	return true
}
