package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestInsertTicketSequenceConflict(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	insertTicket(t, ctx, st, agencyID, 1)

	_, err := st.InsertTicket(ctx, newTicketInput(agencyID, 1))
	if !errors.Is(err, store.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}

	max, err := st.MaxSequence(ctx, agencyID)
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if max != 1 {
		t.Fatalf("expected max 1, got %d", max)
	}
}

func TestInsertTicketConcurrentSameSequence(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.InsertTicket(ctx, newTicketInput(agencyID, 7))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var conflicts, successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrSequenceConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", successes, conflicts)
	}
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	ticket := insertTicket(t, ctx, st, agencyID, 1)

	serving, err := st.UpdateStatus(ctx, store.UpdateStatusInput{
		TicketID:   ticket.TicketID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("update to serving: %v", err)
	}
	if serving.Status != models.StatusServing || serving.StartedAt == nil {
		t.Fatalf("expected serving with started_at, got %+v", serving)
	}

	// Stale expectation loses.
	_, err = st.UpdateStatus(ctx, store.UpdateStatusInput{
		TicketID:   ticket.TicketID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusCancelled,
		OccurredAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	_, err = st.UpdateStatus(ctx, store.UpdateStatusInput{
		TicketID:   uuid.NewString(),
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
		OccurredAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'ticket.serving'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.serving event, got %d", count)
	}
}

func TestUpdateStatusServingConflict(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	first := insertTicket(t, ctx, st, agencyID, 1)
	second := insertTicket(t, ctx, st, agencyID, 2)

	serve := func(ticketID string) error {
		_, err := st.UpdateStatus(ctx, store.UpdateStatusInput{
			TicketID:   ticketID,
			FromStatus: models.StatusWaiting,
			ToStatus:   models.StatusServing,
			OccurredAt: time.Now().UTC(),
		})
		return err
	}

	if err := serve(first.TicketID); err != nil {
		t.Fatalf("serve first: %v", err)
	}
	if err := serve(second.TicketID); !errors.Is(err, store.ErrServingConflict) {
		t.Fatalf("expected ErrServingConflict, got %v", err)
	}
	got, err := st.FindTicket(ctx, second.TicketID)
	if err != nil || got.Status != models.StatusWaiting {
		t.Fatalf("expected second still waiting, got %+v err=%v", got, err)
	}

	if _, err := st.UpdateStatus(ctx, store.UpdateStatusInput{
		TicketID:   first.TicketID,
		FromStatus: models.StatusServing,
		ToStatus:   models.StatusDone,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if err := serve(second.TicketID); err != nil {
		t.Fatalf("serve second after first done: %v", err)
	}
}

func TestListOutboxEventsCursor(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	insertTicket(t, ctx, st, agencyID, 1)
	insertTicket(t, ctx, st, agencyID, 2)

	// Page through one event at a time. Resuming from the cursor must
	// deliver the second event even when both share a created_at.
	first, err := st.ListOutboxEvents(ctx, store.EventCursor{}, 1)
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first))
	}

	rest, err := st.ListOutboxEvents(ctx, store.CursorOf(first[0]), 10)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected the remaining event, got %d", len(rest))
	}
	if rest[0].EventID == first[0].EventID {
		t.Fatalf("cursor returned the same event twice: %s", rest[0].EventID)
	}
}

func TestQueryTicketsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	for _, seq := range []int64{3, 1, 2} {
		insertTicket(t, ctx, st, agencyID, seq)
	}

	tickets, err := st.QueryTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []string{models.StatusWaiting},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(tickets))
	}
	for i, want := range []int64{1, 2, 3} {
		if tickets[i].SequenceNumber != want {
			t.Fatalf("position %d: expected sequence %d, got %d", i, want, tickets[i].SequenceNumber)
		}
	}

	count, err := st.CountTickets(ctx, store.TicketFilter{
		AgencyID:      agencyID,
		Statuses:      []string{models.StatusWaiting},
		SequenceBelow: 3,
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 below sequence 3, got %d", count)
	}
}

func TestFindByNumberAndClient(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	agencyID := uuid.NewString()
	clientID := uuid.NewString()

	input := newTicketInput(agencyID, 4)
	input.ClientID = clientID
	ticket, err := st.InsertTicket(ctx, input)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	byNumber, err := st.FindTicketByNumber(ctx, agencyID, ticket.Number)
	if err != nil {
		t.Fatalf("find by number: %v", err)
	}
	if byNumber.TicketID != ticket.TicketID {
		t.Fatalf("expected %s, got %s", ticket.TicketID, byNumber.TicketID)
	}
	if _, err := st.FindTicketByNumber(ctx, uuid.NewString(), ticket.Number); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound across agencies, got %v", err)
	}

	active, err := st.FindClientWaitingTicket(ctx, agencyID, clientID)
	if err != nil {
		t.Fatalf("find client ticket: %v", err)
	}
	if active.TicketID != ticket.TicketID {
		t.Fatalf("expected %s, got %s", ticket.TicketID, active.TicketID)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func newTicketInput(agencyID string, seq int64) store.NewTicket {
	return store.NewTicket{
		TicketID:       uuid.NewString(),
		AgencyID:       agencyID,
		ClientID:       uuid.NewString(),
		SequenceNumber: seq,
		Number:         store.FormatNumber("GQ", seq),
		AccessCode:     store.NewAccessCode("GQ", seq),
		IssuedAt:       time.Now().UTC(),
	}
}

func insertTicket(t *testing.T, ctx context.Context, st *Store, agencyID string, seq int64) models.Ticket {
	t.Helper()
	ticket, err := st.InsertTicket(ctx, newTicketInput(agencyID, seq))
	if err != nil {
		t.Fatalf("insert ticket seq %d: %v", seq, err)
	}
	return ticket
}
