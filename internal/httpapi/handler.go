package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueService is the queue engine as the HTTP layer sees it.
type QueueService interface {
	Join(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error)
	Status(ctx context.Context, caller queue.Caller, ticketID string) (models.TicketStatus, error)
	ActiveTicket(ctx context.Context, caller queue.Caller) (models.TicketStatus, bool, error)
	Queue(ctx context.Context, caller queue.Caller, placeID, counterID string) (models.QueueView, error)
	CallNext(ctx context.Context, caller queue.Caller, placeID, counterID string) (store.CallNextResult, error)
	CompleteCurrent(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	MarkNoShow(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	ForceClear(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	Cancel(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error)
	SelfComplete(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error)
	ClearHistory(ctx context.Context, caller queue.Caller) (int, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
}

type Handler struct {
	queue    QueueService
	sessions SessionStore
	changes  store.ChangeLog
	realtime http.Handler
	logger   *zap.Logger
}

type Options struct {
	Changes  store.ChangeLog
	Realtime http.Handler
	Logger   *zap.Logger
}

type joinRequest struct {
	RequestID     string `json:"request_id"`
	PlaceID       string `json:"place_id"`
	CounterID     string `json:"counter_id"`
	PreferredTime string `json:"preferred_time"`
	PreferredDate string `json:"preferred_date"`
}

type callNextResponse struct {
	Completed []models.Ticket `json:"completed"`
	Promoted  models.Ticket   `json:"promoted"`
	Token     string          `json:"token"`
}

type clearHistoryResponse struct {
	Removed int `json:"removed"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

func NewHandler(service QueueService, sessions SessionStore, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queue:    service,
		sessions: sessions,
		changes:  options.Changes,
		realtime: options.Realtime,
		logger:   logger,
	}
}

// Routes returns the authenticated API. The realtime endpoint authenticates its own
// sessions since browsers cannot set headers on SockJS transports.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleJoin)
	mux.HandleFunc("/api/tickets/active", h.handleActiveTicket)
	mux.HandleFunc("/api/tickets/history", h.handleClearHistory)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/places/", h.handlePlace)
	mux.HandleFunc("/api/changes", h.handleChanges)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return AuthMiddleware(h.sessions, mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var req joinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PlaceID = strings.TrimSpace(req.PlaceID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.PreferredTime = strings.TrimSpace(req.PreferredTime)
	req.PreferredDate = strings.TrimSpace(req.PreferredDate)
	if req.RequestID == "" {
		req.RequestID = requestIDFromRequest(r)
	}

	var invalid []string
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		invalid = append(invalid, "request_id")
	}
	if req.PlaceID != "" && !isValidUUID(req.PlaceID) {
		invalid = append(invalid, "place_id")
	}
	if req.CounterID != "" && !isValidUUID(req.CounterID) {
		invalid = append(invalid, "counter_id")
	}
	if len(invalid) > 0 {
		writeFieldError(w, req.RequestID, invalid, strings.Join(invalid, ", ")+" must be UUIDs")
		return
	}

	ticket, err := h.queue.Join(r.Context(), caller, queue.JoinRequest{
		RequestID:     req.RequestID,
		PlaceID:       req.PlaceID,
		CounterID:     req.CounterID,
		PreferredTime: req.PreferredTime,
		PreferredDate: req.PreferredDate,
	})
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	status, found, err := h.queue.ActiveTicket(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	removed, err := h.queue.ClearHistory(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, clearHistoryResponse{Removed: removed})
}

// handleTicket serves GET /api/tickets/{id} and POST /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	requestID := requestIDFromRequest(r)
	parts := pathParts(r.URL.Path, "/api/tickets/")
	if len(parts) == 0 || !isValidUUID(parts[0]) {
		writeFieldError(w, requestID, []string{"ticket_id"}, "ticket_id must be a UUID")
		return
	}
	ticketID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		status, err := h.queue.Status(r.Context(), caller, ticketID)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var ticket models.Ticket
		var err error
		switch parts[2] {
		case "cancel":
			ticket, err = h.queue.Cancel(r.Context(), caller, ticketID)
		case "complete":
			ticket, err = h.queue.SelfComplete(r.Context(), caller, ticketID)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handlePlace serves the staff console:
//
//	GET  /api/places/{place}/queue
//	POST /api/places/{place}/actions/call-next
//	POST /api/places/{place}/tickets/{id}/actions/{complete|no-show|clear}
//
// A counter is selected with the counter_id query parameter.
func (h *Handler) handlePlace(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	requestID := requestIDFromRequest(r)
	parts := pathParts(r.URL.Path, "/api/places/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	placeID := parts[0]
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if !isValidUUID(placeID) {
		writeFieldError(w, requestID, []string{"place_id"}, "place_id must be a UUID")
		return
	}
	if counterID != "" && !isValidUUID(counterID) {
		writeFieldError(w, requestID, []string{"counter_id"}, "counter_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "queue":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		view, err := h.queue.Queue(r.Context(), caller, placeID, counterID)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "call-next":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		result, err := h.queue.CallNext(r.Context(), caller, placeID, counterID)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		if result.Completed == nil {
			result.Completed = []models.Ticket{}
		}
		writeJSON(w, http.StatusOK, callNextResponse{Completed: result.Completed, Promoted: result.Promoted, Token: result.Token})
	case len(parts) == 5 && parts[1] == "tickets" && parts[3] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isValidUUID(parts[2]) {
			writeFieldError(w, requestID, []string{"ticket_id"}, "ticket_id must be a UUID")
			return
		}
		ref := queue.TicketRef{PlaceID: placeID, CounterID: counterID, TicketID: parts[2]}
		var ticket models.Ticket
		var err error
		switch parts[4] {
		case "complete":
			ticket, err = h.queue.CompleteCurrent(r.Context(), caller, ref)
		case "no-show":
			ticket, err = h.queue.MarkNoShow(r.Context(), caller, ref)
		case "clear":
			ticket, err = h.queue.ForceClear(r.Context(), caller, ref)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleChanges lists the change log after a sequence number for staff tooling.
func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.changes == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	if caller.Role != queue.RoleStaff && caller.Role != queue.RoleAdmin {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "access denied")
		return
	}

	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeFieldError(w, "", []string{"after"}, "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeFieldError(w, "", []string{"limit"}, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	changes, err := h.changes.ListChanges(r.Context(), after, limit)
	if err != nil {
		h.writeServiceError(w, "", err)
		return
	}
	if changes == nil {
		changes = []store.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, status, errorResponse{
			RequestID: requestID,
			Error:     responseError{Code: code, Message: validation.Error(), Fields: validation.Fields},
		})
		return
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrAlreadyQueued):
		return http.StatusConflict, "already_queued", "user already holds an active ticket"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrPlaceNotFound):
		return http.StatusNotFound, "place_not_found", "place not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrPlaceNotApproved):
		return http.StatusBadRequest, "place_not_approved", "place does not offer a virtual queue"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "missing or invalid fields"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrTokenExhausted):
		return http.StatusConflict, "token_exhausted", "no free token number"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrTransport):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func writeFieldError(w http.ResponseWriter, requestID string, fields []string, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		RequestID: requestID,
		Error:     responseError{Code: "invalid_request", Message: message, Fields: fields},
	})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
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
