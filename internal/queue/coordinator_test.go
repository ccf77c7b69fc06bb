package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"guichet/internal/models"
	"guichet/internal/store/memory"

	"github.com/google/uuid"
)

func takeN(t *testing.T, allocator *Allocator, agencyID string, n int) []models.Ticket {
	t.Helper()
	tickets := make([]models.Ticket, 0, n)
	for i := 0; i < n; i++ {
		ticket, err := allocator.Allocate(context.Background(), AllocateInput{
			AgencyID: agencyID,
			ClientID: uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets
}

func TestServeNextFlow(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	lifecycle := NewLifecycle(st, nil)
	view := NewView(st, 0)
	coordinator := NewCoordinator(lifecycle, view)

	agencyID := uuid.NewString()
	tickets := takeN(t, NewAllocator(st, "GQ"), agencyID, 3)

	// Promote the head of the queue.
	serving, ok, err := coordinator.ServeNext(ctx, agencyID)
	if err != nil || !ok {
		t.Fatalf("serve next: ok=%v err=%v", ok, err)
	}
	if serving.TicketID != tickets[0].TicketID || serving.Status != models.StatusServing {
		t.Fatalf("expected ticket 1 serving, got %+v", serving)
	}

	// The rest of the queue shifts up by one.
	position, err := view.PositionOf(ctx, tickets[1])
	if err != nil || position != 0 {
		t.Fatalf("ticket 2 position: got %d err=%v, want 0", position, err)
	}
	position, err = view.PositionOf(ctx, tickets[2])
	if err != nil || position != 1 {
		t.Fatalf("ticket 3 position: got %d err=%v, want 1", position, err)
	}

	// Serving again finishes ticket 1 and calls ticket 2.
	serving, ok, err = coordinator.ServeNext(ctx, agencyID)
	if err != nil || !ok {
		t.Fatalf("second serve next: ok=%v err=%v", ok, err)
	}
	if serving.TicketID != tickets[1].TicketID {
		t.Fatalf("expected ticket 2 serving, got %s", serving.Number)
	}
	first, err := st.FindTicket(ctx, tickets[0].TicketID)
	if err != nil || first.Status != models.StatusDone {
		t.Fatalf("ticket 1 should be done, got %s err=%v", first.Status, err)
	}

	// Cancelling the serving ticket frees the position without a
	// complete step.
	if _, err := lifecycle.Cancel(ctx, tickets[1].TicketID); err != nil {
		t.Fatalf("cancel serving: %v", err)
	}
	current, ok, err := view.CurrentlyServing(ctx, agencyID)
	if err != nil {
		t.Fatalf("currently serving: %v", err)
	}
	if ok {
		t.Fatalf("expected nobody serving after cancel, got %+v", current)
	}

	// Drain the queue.
	serving, ok, err = coordinator.ServeNext(ctx, agencyID)
	if err != nil || !ok || serving.TicketID != tickets[2].TicketID {
		t.Fatalf("expected ticket 3 serving, ok=%v err=%v", ok, err)
	}
	_, ok, err = coordinator.ServeNext(ctx, agencyID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ok {
		t.Fatalf("expected empty queue after draining")
	}
}

func TestServeNextSkipsCancelledHead(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	lifecycle := NewLifecycle(st, nil)
	coordinator := NewCoordinator(lifecycle, NewView(st, 0))

	agencyID := uuid.NewString()
	tickets := takeN(t, NewAllocator(st, "GQ"), agencyID, 2)

	if _, err := lifecycle.Cancel(ctx, tickets[0].TicketID); err != nil {
		t.Fatalf("cancel head: %v", err)
	}

	serving, ok, err := coordinator.ServeNext(ctx, agencyID)
	if err != nil || !ok {
		t.Fatalf("serve next: ok=%v err=%v", ok, err)
	}
	if serving.TicketID != tickets[1].TicketID {
		t.Fatalf("expected the cancelled head skipped, serving %s", serving.Number)
	}
}

func TestServeNextEmptyQueue(t *testing.T) {
	st := memory.NewStore()
	coordinator := NewCoordinator(NewLifecycle(st, nil), NewView(st, 0))

	ticket, ok, err := coordinator.ServeNext(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if ok || ticket.TicketID != "" {
		t.Fatalf("expected no ticket on an empty queue, got %+v", ticket)
	}
}

func TestServeNextOrdersBySequence(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	lifecycle := NewLifecycle(st, nil)
	coordinator := NewCoordinator(lifecycle, NewView(st, 0))
	allocator := NewAllocator(st, "GQ")

	agencyID := uuid.NewString()
	clientID := uuid.NewString()

	// A manual jump to 120 puts later automatic tickets (121, 122)
	// behind it regardless of issue order.
	first, err := allocator.AllocateRequested(ctx, AllocateInput{AgencyID: agencyID, ClientID: clientID}, 120)
	if err != nil {
		t.Fatalf("allocate requested: %v", err)
	}
	rest := takeN(t, allocator, agencyID, 2)

	want := []string{first.TicketID, rest[0].TicketID, rest[1].TicketID}
	for i, id := range want {
		serving, ok, err := coordinator.ServeNext(ctx, agencyID)
		if err != nil || !ok {
			t.Fatalf("serve %d: ok=%v err=%v", i, ok, err)
		}
		if serving.TicketID != id {
			t.Fatalf("serve %d: expected %s, got %s", i, id, serving.TicketID)
		}
	}
}

func TestServeNextConcurrentSingleServing(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	lifecycle := NewLifecycle(st, nil)
	view := NewView(st, 0)
	coordinator := NewCoordinator(lifecycle, view)

	agencyID := uuid.NewString()
	takeN(t, NewAllocator(st, "GQ"), agencyID, 3)

	// Two agents calling at once: the loser of the race gets a typed
	// conflict, never a second serving ticket.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := coordinator.ServeNext(ctx, agencyID)
			results[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err == nil {
			continue
		}
		var transitionErr *TransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("call %d: expected success or TransitionError, got %v", i, err)
		}
	}

	serving, err := view.CountByStatus(ctx, agencyID, models.StatusServing, nil)
	if err != nil || serving != 1 {
		t.Fatalf("expected exactly 1 serving ticket, got %d err=%v", serving, err)
	}
}
