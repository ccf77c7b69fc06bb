package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"guichet/internal/models"
	"guichet/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const ticketColumns = "ticket_id, agency_id, service_id, client_id, sequence_number, number, access_code, status, issued_at, started_at, completed_at"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) MaxSequence(ctx context.Context, agencyID string) (int64, error) {
	var max int64
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0)
		FROM tickets
		WHERE agency_id = $1
	`, agencyID)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *Store) InsertTicket(ctx context.Context, input store.NewTicket) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	var ticket models.Ticket
	var serviceIDNull sql.NullString
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, agency_id, service_id, client_id, sequence_number, number, access_code, status, issued_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING ticket_id, agency_id, service_id, client_id, sequence_number, number, access_code, status, issued_at
	`, input.TicketID, input.AgencyID, nullIfEmpty(input.ServiceID), input.ClientID, input.SequenceNumber, input.Number, input.AccessCode, models.StatusWaiting, issuedAt)
	if err = row.Scan(&ticket.TicketID, &ticket.AgencyID, &serviceIDNull, &ticket.ClientID, &ticket.SequenceNumber, &ticket.Number, &ticket.AccessCode, &ticket.Status, &ticket.IssuedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Ticket{}, store.ErrSequenceConflict
		}
		return models.Ticket{}, err
	}
	if serviceIDNull.Valid {
		ticket.ServiceID = serviceIDNull.String
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		UPDATE tickets
		SET status = $1
	`
	args := []interface{}{input.ToStatus}
	switch input.ToStatus {
	case models.StatusServing:
		query += ", started_at = $2"
		args = append(args, occurredAt)
	case models.StatusDone, models.StatusCancelled:
		query += ", completed_at = $2"
		args = append(args, occurredAt)
	}
	query += fmt.Sprintf(`
		WHERE ticket_id = $%d AND status = $%d
		RETURNING `+ticketColumns, len(args)+1, len(args)+2)
	args = append(args, input.TicketID, input.FromStatus)

	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if err != nil {
		// The partial unique index on (agency_id) WHERE status='serving'
		// rejects a second serving ticket for the agency.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Ticket{}, store.ErrServingConflict
		}
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, input.TicketID).Scan(&exists); err != nil {
				return models.Ticket{}, err
			}
			if !exists {
				return models.Ticket{}, store.ErrTicketNotFound
			}
			return models.Ticket{}, store.ErrStatusConflict
		}
		return models.Ticket{}, err
	}

	if eventType := store.EventForStatus(ticket.Status); eventType != "" {
		if err = insertOutboxEvent(ctx, tx, eventType, ticket); err != nil {
			return models.Ticket{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) QueryTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query, args := buildFilter(`SELECT `+ticketColumns+` FROM tickets`, filter)
	query += " ORDER BY sequence_number ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) CountTickets(ctx context.Context, filter store.TicketFilter) (int, error) {
	query, args := buildFilter(`SELECT COUNT(1) FROM tickets`, filter)
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) FindTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) FindTicketByNumber(ctx context.Context, agencyID, number string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE agency_id = $1 AND number = $2
	`, agencyID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) FindClientWaitingTicket(ctx context.Context, agencyID, clientID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE agency_id = $1 AND client_id = $2 AND status = $3
		ORDER BY sequence_number DESC
		LIMIT 1
	`, agencyID, clientID, models.StatusWaiting))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, agency_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		afterID := after.EventID
		if afterID == "" {
			afterID = uuid.Nil.String()
		}
		query += " WHERE (created_at, event_id) > ($1, $2::uuid)"
		args = append(args, after.CreatedAt, afterID)
		query += " ORDER BY created_at ASC, event_id ASC LIMIT $3"
		args = append(args, limit)
	} else {
		query += " ORDER BY created_at ASC, event_id ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.AgencyID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func buildFilter(base string, filter store.TicketFilter) (string, []interface{}) {
	query := base + " WHERE agency_id = $1"
	args := []interface{}{filter.AgencyID}

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args)+1)
		args = append(args, filter.Statuses)
	}
	if filter.IssuedIn != nil {
		query += fmt.Sprintf(" AND issued_at >= $%d AND issued_at < $%d", len(args)+1, len(args)+2)
		args = append(args, filter.IssuedIn.Start, filter.IssuedIn.End)
	}
	if filter.SequenceBelow > 0 {
		query += fmt.Sprintf(" AND sequence_number < $%d", len(args)+1)
		args = append(args, filter.SequenceBelow)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceIDNull sql.NullString
	var startedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.AgencyID, &serviceIDNull, &ticket.ClientID, &ticket.SequenceNumber, &ticket.Number, &ticket.AccessCode, &ticket.Status, &ticket.IssuedAt, &startedAtNull, &completedAtNull); err != nil {
		return models.Ticket{}, err
	}
	if serviceIDNull.Valid {
		ticket.ServiceID = serviceIDNull.String
	}
	ticket.StartedAt = nullTimePtr(startedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload := map[string]interface{}{
		"ticket_id":       ticket.TicketID,
		"agency_id":       ticket.AgencyID,
		"service_id":      ticket.ServiceID,
		"client_id":       ticket.ClientID,
		"sequence_number": ticket.SequenceNumber,
		"number":          ticket.Number,
		"status":          ticket.Status,
		"issued_at":       ticket.IssuedAt,
		"started_at":      ticket.StartedAt,
		"completed_at":    ticket.CompletedAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, agency_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), ticket.AgencyID, eventType, payloadJSON, time.Now().UTC())
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
