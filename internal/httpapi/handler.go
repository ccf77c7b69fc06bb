package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"guichet/internal/models"
	"guichet/internal/queue"
	"guichet/internal/store"

	"github.com/google/uuid"
)

// Engine is the queue surface the handler routes to. Declared here so
// handler tests can swap in a fake.
type Engine interface {
	TakeTicket(ctx context.Context, input queue.TakeTicketInput) (models.Ticket, error)
	ServeNext(ctx context.Context, agencyID string) (models.Ticket, bool, error)
	StartService(ctx context.Context, ticketID string) (models.Ticket, error)
	CompleteService(ctx context.Context, ticketID string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID string) (models.Ticket, error)
	Status(ctx context.Context, ticketID string) (queue.TicketStatus, error)
	PeopleAhead(ctx context.Context, ticketID string) (int, error)
	VerifyTicket(ctx context.Context, agencyID, number string) (queue.TicketStatus, error)
	ClientActiveTicket(ctx context.Context, agencyID, clientID string) (models.Ticket, error)
	QueueSnapshot(ctx context.Context, agencyID string) ([]models.Ticket, error)
	Stats(ctx context.Context, agencyID string) (queue.AgencyStats, error)
	Events(ctx context.Context, after store.EventCursor, limit int) ([]store.OutboxEvent, error)
}

// maxEventsLimit caps one page of the events feed.
const maxEventsLimit = 1000

type Handler struct {
	engine Engine
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTakeTicket)
	mux.HandleFunc("/api/tickets/actions/serve-next", h.handleServeNext)
	mux.HandleFunc("/api/tickets/verify", h.handleVerify)
	mux.HandleFunc("/api/tickets/active", h.handleActiveTicket)
	mux.HandleFunc("/api/tickets/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/agencies/stats", h.handleStats)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

type takeTicketRequest struct {
	AgencyID        string `json:"agency_id"`
	ClientID        string `json:"client_id"`
	ServiceID       string `json:"service_id"`
	RequestedNumber int64  `json:"requested_number"`
}

type serveNextRequest struct {
	AgencyID string `json:"agency_id"`
}

type ticketStatusResponse struct {
	Ticket          models.Ticket `json:"ticket"`
	Position        int           `json:"position"`
	EstimateSeconds int64         `json:"estimate_seconds"`
}

type agencyStatsResponse struct {
	AgencyID            string `json:"agency_id"`
	Waiting             int    `json:"waiting"`
	Serving             int    `json:"serving"`
	Done                int    `json:"done"`
	Cancelled           int    `json:"cancelled"`
	WaitEstimateSeconds int64  `json:"wait_estimate_seconds"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTakeTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req takeTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.AgencyID = strings.TrimSpace(req.AgencyID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)

	if req.AgencyID == "" || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id and client_id are required")
		return
	}
	if !isValidUUID(req.AgencyID) || !isValidUUID(req.ClientID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id and client_id must be UUIDs")
		return
	}
	if req.ServiceID != "" && !isValidUUID(req.ServiceID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id must be a UUID when provided")
		return
	}
	if req.RequestedNumber < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "requested_number must be positive")
		return
	}

	ticket, err := h.engine.TakeTicket(r.Context(), queue.TakeTicketInput{
		AgencyID:        req.AgencyID,
		ClientID:        req.ClientID,
		ServiceID:       req.ServiceID,
		RequestedNumber: req.RequestedNumber,
		IssuedAt:        time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req serveNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.AgencyID = strings.TrimSpace(req.AgencyID)
	if req.AgencyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id is required")
		return
	}
	if !isValidUUID(req.AgencyID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id must be a UUID")
		return
	}

	ticket, ok, err := h.engine.ServeNext(r.Context(), req.AgencyID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

// handleTicket dispatches /api/tickets/{id}, /api/tickets/{id}/ahead,
// and /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleTicketStatus(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "ahead":
		h.handlePeopleAhead(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, err := h.engine.Status(r.Context(), ticketID)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, code, errCode, msg)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(status))
}

func (h *Handler) handlePeopleAhead(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ahead, err := h.engine.PeopleAhead(r.Context(), ticketID)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, code, errCode, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"people_ahead": ahead})
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var apply func(context.Context, string) (models.Ticket, error)
	switch action {
	case "start":
		apply = h.engine.StartService
	case "complete":
		apply = h.engine.CompleteService
	case "cancel":
		apply = h.engine.Cancel
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticket, err := apply(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if agencyID == "" || number == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id and number are required")
		return
	}
	if !isValidUUID(agencyID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id must be a UUID")
		return
	}

	status, err := h.engine.VerifyTicket(r.Context(), agencyID, number)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, code, errCode, msg)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(status))
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if agencyID == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id and client_id are required")
		return
	}
	if !isValidUUID(agencyID) || !isValidUUID(clientID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id and client_id must be UUIDs")
		return
	}

	ticket, err := h.engine.ClientActiveTicket(r.Context(), agencyID, clientID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	if agencyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id is required")
		return
	}
	if !isValidUUID(agencyID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id must be a UUID")
		return
	}

	tickets, err := h.engine.QueueSnapshot(r.Context(), agencyID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	if agencyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id is required")
		return
	}
	if !isValidUUID(agencyID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_id must be a UUID")
		return
	}

	stats, err := h.engine.Stats(r.Context(), agencyID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, agencyStatsResponse{
		AgencyID:            stats.AgencyID,
		Waiting:             stats.Waiting,
		Serving:             stats.Serving,
		Done:                stats.Done,
		Cancelled:           stats.Cancelled,
		WaitEstimateSeconds: int64(stats.WaitEstimate / time.Second),
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after store.EventCursor
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after.CreatedAt = parsed
	}
	// after_id disambiguates events sharing the after timestamp, so
	// pollers resume from the exact event they last saw.
	if afterID := strings.TrimSpace(r.URL.Query().Get("after_id")); afterID != "" {
		if !isValidUUID(afterID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_id must be a UUID")
			return
		}
		after.EventID = afterID
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	events, err := h.engine.Events(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func statusResponse(status queue.TicketStatus) ticketStatusResponse {
	return ticketStatusResponse{
		Ticket:          status.Ticket,
		Position:        status.Position,
		EstimateSeconds: int64(status.Estimate / time.Second),
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var validationErr *queue.ValidationError
	var transitionErr *queue.TransitionError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "invalid_request", validationErr.Reason
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.As(err, &transitionErr):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrAllocationExhausted):
		return http.StatusConflict, "allocation_exhausted", "could not allocate a ticket number, try again"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
