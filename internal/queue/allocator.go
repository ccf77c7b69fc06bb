package queue

import (
	"context"
	"errors"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"

	"github.com/google/uuid"
)

// allocateAttempts bounds the read-max-then-insert retry loop. Losing
// three races in a row for one agency means the queue is under load the
// caller should see.
const allocateAttempts = 3

// Allocator hands out agency-scoped sequence numbers. Uniqueness is
// enforced by the store's (agency, sequence) constraint; the allocator
// recovers from a lost race by re-reading the max and proposing again.
type Allocator struct {
	store  store.TicketStore
	prefix string
}

func NewAllocator(st store.TicketStore, prefix string) *Allocator {
	return &Allocator{store: st, prefix: prefix}
}

type AllocateInput struct {
	AgencyID  string
	ClientID  string
	ServiceID string
	IssuedAt  time.Time
}

// Allocate creates a waiting ticket carrying the next free sequence
// number for the agency.
func (a *Allocator) Allocate(ctx context.Context, input AllocateInput) (models.Ticket, error) {
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		max, err := a.store.MaxSequence(ctx, input.AgencyID)
		if err != nil {
			return models.Ticket{}, err
		}

		ticket, err := a.insert(ctx, input, max+1)
		if errors.Is(err, store.ErrSequenceConflict) {
			continue
		}
		return ticket, err
	}
	return models.Ticket{}, ErrAllocationExhausted
}

// AllocateRequested creates a ticket with a caller-chosen sequence
// number (manual numbering). The number must be positive, strictly
// greater than the agency's current max, and still free at insert time.
func (a *Allocator) AllocateRequested(ctx context.Context, input AllocateInput, seq int64) (models.Ticket, error) {
	if seq <= 0 {
		return models.Ticket{}, invalidInput("requested number must be positive, got %d", seq)
	}

	max, err := a.store.MaxSequence(ctx, input.AgencyID)
	if err != nil {
		return models.Ticket{}, err
	}
	if seq <= max {
		return models.Ticket{}, invalidInput("requested number %d is not greater than the current max %d", seq, max)
	}

	ticket, err := a.insert(ctx, input, seq)
	if errors.Is(err, store.ErrSequenceConflict) {
		return models.Ticket{}, invalidInput("requested number %d was taken concurrently", seq)
	}
	return ticket, err
}

func (a *Allocator) insert(ctx context.Context, input AllocateInput, seq int64) (models.Ticket, error) {
	return a.store.InsertTicket(ctx, store.NewTicket{
		TicketID:       uuid.NewString(),
		AgencyID:       input.AgencyID,
		ServiceID:      input.ServiceID,
		ClientID:       input.ClientID,
		SequenceNumber: seq,
		Number:         store.FormatNumber(a.prefix, seq),
		AccessCode:     store.NewAccessCode(a.prefix, seq),
		IssuedAt:       input.IssuedAt,
	})
}
