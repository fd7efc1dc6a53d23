package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"
)

const (
	testPlaceID   = "33333333-3333-3333-3333-333333333333"
	testCounterID = "44444444-4444-4444-4444-444444444444"
	testTicketID  = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
)

type fakeService struct {
	joinFn         func(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error)
	statusFn       func(ctx context.Context, caller queue.Caller, ticketID string) (models.TicketStatus, error)
	activeFn       func(ctx context.Context, caller queue.Caller) (models.TicketStatus, bool, error)
	queueFn        func(ctx context.Context, caller queue.Caller, placeID, counterID string) (models.QueueView, error)
	callNextFn     func(ctx context.Context, caller queue.Caller, placeID, counterID string) (store.CallNextResult, error)
	completeFn     func(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	noShowFn       func(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	clearFn        func(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error)
	cancelFn       func(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error)
	selfCompleteFn func(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error)
	historyFn      func(ctx context.Context, caller queue.Caller) (int, error)
}

func (f fakeService) Join(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error) {
	if f.joinFn == nil {
		return models.Ticket{}, nil
	}
	return f.joinFn(ctx, caller, req)
}

func (f fakeService) Status(ctx context.Context, caller queue.Caller, ticketID string) (models.TicketStatus, error) {
	if f.statusFn == nil {
		return models.TicketStatus{}, nil
	}
	return f.statusFn(ctx, caller, ticketID)
}

func (f fakeService) ActiveTicket(ctx context.Context, caller queue.Caller) (models.TicketStatus, bool, error) {
	if f.activeFn == nil {
		return models.TicketStatus{}, false, nil
	}
	return f.activeFn(ctx, caller)
}

func (f fakeService) Queue(ctx context.Context, caller queue.Caller, placeID, counterID string) (models.QueueView, error) {
	if f.queueFn == nil {
		return models.QueueView{}, nil
	}
	return f.queueFn(ctx, caller, placeID, counterID)
}

func (f fakeService) CallNext(ctx context.Context, caller queue.Caller, placeID, counterID string) (store.CallNextResult, error) {
	if f.callNextFn == nil {
		return store.CallNextResult{}, nil
	}
	return f.callNextFn(ctx, caller, placeID, counterID)
}

func (f fakeService) CompleteCurrent(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error) {
	if f.completeFn == nil {
		return models.Ticket{}, nil
	}
	return f.completeFn(ctx, caller, ref)
}

func (f fakeService) MarkNoShow(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error) {
	if f.noShowFn == nil {
		return models.Ticket{}, nil
	}
	return f.noShowFn(ctx, caller, ref)
}

func (f fakeService) ForceClear(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error) {
	if f.clearFn == nil {
		return models.Ticket{}, nil
	}
	return f.clearFn(ctx, caller, ref)
}

func (f fakeService) Cancel(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, nil
	}
	return f.cancelFn(ctx, caller, ticketID)
}

func (f fakeService) SelfComplete(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error) {
	if f.selfCompleteFn == nil {
		return models.Ticket{}, nil
	}
	return f.selfCompleteFn(ctx, caller, ticketID)
}

func (f fakeService) ClearHistory(ctx context.Context, caller queue.Caller) (int, error) {
	if f.historyFn == nil {
		return 0, nil
	}
	return f.historyFn(ctx, caller)
}

type fakeSessions struct {
	sessions map[string]store.Session
	err      error
}

func (f fakeSessions) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.err != nil {
		return store.Session{}, f.err
	}
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

type fakeChanges struct {
	changes []store.Change
}

func (f fakeChanges) ListChanges(ctx context.Context, afterSeq int64, limit int) ([]store.Change, error) {
	var out []store.Change
	for _, change := range f.changes {
		if change.Seq > afterSeq && len(out) < limit {
			out = append(out, change)
		}
	}
	return out, nil
}

func (f fakeChanges) LatestChangeSeq(ctx context.Context) (int64, error) {
	return int64(len(f.changes)), nil
}

func (f fakeChanges) PruneChanges(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func testSessions() fakeSessions {
	return fakeSessions{sessions: map[string]store.Session{
		"user-session":  {SessionID: "user-session", UserID: "user-1", Role: queue.RoleUser},
		"staff-session": {SessionID: "staff-session", UserID: "staff-1", Role: queue.RoleStaff},
	}}
}

func newTestHandler(service fakeService, options Options) http.Handler {
	return NewHandler(service, testSessions(), options).Routes()
}

func serve(h http.Handler, method, target, session string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload
}

func TestJoinSuccess(t *testing.T) {
	var got queue.JoinRequest
	var gotCaller queue.Caller
	service := fakeService{
		joinFn: func(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error) {
			got = req
			gotCaller = caller
			return models.Ticket{TicketID: testTicketID, PlaceID: req.PlaceID, UserID: caller.UserID, TokenNumber: "#42", Status: models.StatusWaiting, EstimatedWait: 5}, nil
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodPost, "/api/tickets", "user-session", map[string]string{
		"request_id": "11111111-1111-1111-1111-111111111111",
		"place_id":   testPlaceID,
		"counter_id": testCounterID,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.TokenNumber != "#42" || ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket response: %+v", ticket)
	}
	if gotCaller.UserID != "user-1" || got.PlaceID != testPlaceID || got.CounterID != testCounterID {
		t.Fatalf("unexpected join input: %+v %+v", gotCaller, got)
	}
}

func TestJoinRequestIDFromHeader(t *testing.T) {
	var got queue.JoinRequest
	service := fakeService{
		joinFn: func(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error) {
			got = req
			return models.Ticket{TicketID: testTicketID}, nil
		},
	}
	h := newTestHandler(service, Options{})

	payload, _ := json.Marshal(map[string]string{"place_id": testPlaceID})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer user-session")
	req.Header.Set("X-Request-ID", "11111111-1111-1111-1111-111111111111")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if got.RequestID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("expected header request id, got %q", got.RequestID)
	}
}

func TestJoinRejectsMalformedIDs(t *testing.T) {
	h := newTestHandler(fakeService{}, Options{})

	resp := serve(h, http.MethodPost, "/api/tickets", "user-session", map[string]string{
		"place_id":   "not-a-uuid",
		"counter_id": "also-bad",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	payload := decodeError(t, resp)
	if payload.Error.Code != "invalid_request" || len(payload.Error.Fields) != 2 {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestJoinRejectsUnknownFields(t *testing.T) {
	h := newTestHandler(fakeService{}, Options{})

	resp := serve(h, http.MethodPost, "/api/tickets", "user-session", map[string]string{
		"place_id": testPlaceID,
		"tenant":   "x",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); payload.Error.Code != "invalid_json" {
		t.Fatalf("expected invalid_json, got %s", payload.Error.Code)
	}
}

func TestJoinValidationFieldsAreReported(t *testing.T) {
	service := fakeService{
		joinFn: func(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error) {
			return models.Ticket{}, &store.ValidationError{Fields: []string{"place_id"}}
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodPost, "/api/tickets", "user-session", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	payload := decodeError(t, resp)
	if payload.Error.Code != "invalid_request" || len(payload.Error.Fields) != 1 || payload.Error.Fields[0] != "place_id" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrAlreadyQueued, http.StatusConflict, "already_queued"},
		{store.ErrPlaceNotFound, http.StatusNotFound, "place_not_found"},
		{store.ErrCounterNotFound, http.StatusNotFound, "counter_not_found"},
		{store.ErrPlaceNotApproved, http.StatusBadRequest, "place_not_approved"},
		{store.ErrTokenExhausted, http.StatusConflict, "token_exhausted"},
		{store.Transport(errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		service := fakeService{
			joinFn: func(ctx context.Context, caller queue.Caller, req queue.JoinRequest) (models.Ticket, error) {
				return models.Ticket{}, tc.err
			},
		}
		h := newTestHandler(service, Options{})
		resp := serve(h, http.MethodPost, "/api/tickets", "user-session", map[string]string{"place_id": testPlaceID})
		if resp.Code != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, resp.Code)
		}
		if payload := decodeError(t, resp); payload.Error.Code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, payload.Error.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(fakeService{}, Options{})

	if resp := serve(h, http.MethodGet, "/api/tickets/active", "", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodGet, "/api/tickets/active", "expired", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown session, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodGet, "/healthz", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", resp.Code)
	}
}

func TestAuthStoreUnavailable(t *testing.T) {
	h := NewHandler(fakeService{}, fakeSessions{err: store.Transport(errors.New("timeout"))}, Options{}).Routes()

	resp := serve(h, http.MethodGet, "/api/tickets/active", "user-session", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestSessionHeaderFallback(t *testing.T) {
	h := newTestHandler(fakeService{
		activeFn: func(ctx context.Context, caller queue.Caller) (models.TicketStatus, bool, error) {
			return models.TicketStatus{Ticket: models.Ticket{UserID: caller.UserID}}, true, nil
		},
	}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/active", nil)
	req.Header.Set("X-Session-ID", "user-session")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestActiveTicketNoContent(t *testing.T) {
	h := newTestHandler(fakeService{}, Options{})

	resp := serve(h, http.MethodGet, "/api/tickets/active", "user-session", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
}

func TestTicketStatus(t *testing.T) {
	service := fakeService{
		statusFn: func(ctx context.Context, caller queue.Caller, ticketID string) (models.TicketStatus, error) {
			if ticketID != testTicketID {
				return models.TicketStatus{}, store.ErrTicketNotFound
			}
			return models.TicketStatus{Ticket: models.Ticket{TicketID: ticketID, Status: models.StatusWaiting}, Position: 3, WaitMinutes: 15}, nil
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodGet, "/api/tickets/"+testTicketID, "user-session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var status models.TicketStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Position != 3 || status.WaitMinutes != 15 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = serve(h, http.MethodGet, "/api/tickets/bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", "user-session", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	resp = serve(h, http.MethodGet, "/api/tickets/nope", "user-session", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestHolderActions(t *testing.T) {
	var cancelled, completed string
	service := fakeService{
		cancelFn: func(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error) {
			cancelled = ticketID
			return models.Ticket{TicketID: ticketID, Status: models.StatusCancelled}, nil
		},
		selfCompleteFn: func(ctx context.Context, caller queue.Caller, ticketID string) (models.Ticket, error) {
			completed = ticketID
			return models.Ticket{}, store.ErrInvalidState
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodPost, "/api/tickets/"+testTicketID+"/actions/cancel", "user-session", nil)
	if resp.Code != http.StatusOK || cancelled != testTicketID {
		t.Fatalf("expected cancel to succeed, got %d", resp.Code)
	}
	resp = serve(h, http.MethodPost, "/api/tickets/"+testTicketID+"/actions/complete", "user-session", nil)
	if resp.Code != http.StatusConflict || completed != testTicketID {
		t.Fatalf("expected 409 for invalid state, got %d", resp.Code)
	}
	resp = serve(h, http.MethodPost, "/api/tickets/"+testTicketID+"/actions/teleport", "user-session", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", resp.Code)
	}
}

func TestClearHistory(t *testing.T) {
	service := fakeService{
		historyFn: func(ctx context.Context, caller queue.Caller) (int, error) {
			return 4, nil
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodDelete, "/api/tickets/history", "user-session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload clearHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Removed != 4 {
		t.Fatalf("unexpected response %+v (%v)", payload, err)
	}
}

func TestCallNext(t *testing.T) {
	var gotPlace, gotCounter string
	service := fakeService{
		callNextFn: func(ctx context.Context, caller queue.Caller, placeID, counterID string) (store.CallNextResult, error) {
			if caller.Role != queue.RoleStaff {
				return store.CallNextResult{}, store.ErrAccessDenied
			}
			gotPlace, gotCounter = placeID, counterID
			return store.CallNextResult{Promoted: models.Ticket{TicketID: testTicketID, TokenNumber: "#7", Status: models.StatusServing}, Token: "#7"}, nil
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodPost, "/api/places/"+testPlaceID+"/actions/call-next?counter_id="+testCounterID, "staff-session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload callNextResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Token != "#7" || payload.Completed == nil || gotPlace != testPlaceID || gotCounter != testCounterID {
		t.Fatalf("unexpected call-next response %+v", payload)
	}

	resp = serve(h, http.MethodPost, "/api/places/"+testPlaceID+"/actions/call-next", "user-session", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non staff, got %d", resp.Code)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	service := fakeService{
		callNextFn: func(ctx context.Context, caller queue.Caller, placeID, counterID string) (store.CallNextResult, error) {
			return store.CallNextResult{}, store.ErrQueueEmpty
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodPost, "/api/places/"+testPlaceID+"/actions/call-next", "staff-session", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); payload.Error.Code != "queue_empty" {
		t.Fatalf("expected queue_empty, got %s", payload.Error.Code)
	}
}

func TestStaffTicketActions(t *testing.T) {
	var calls []string
	record := func(action string) func(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error) {
		return func(ctx context.Context, caller queue.Caller, ref queue.TicketRef) (models.Ticket, error) {
			calls = append(calls, action+":"+ref.TicketID+":"+ref.CounterID)
			return models.Ticket{TicketID: ref.TicketID}, nil
		}
	}
	service := fakeService{completeFn: record("complete"), noShowFn: record("no-show"), clearFn: record("clear")}
	h := newTestHandler(service, Options{})

	for _, action := range []string{"complete", "no-show", "clear"} {
		target := "/api/places/" + testPlaceID + "/tickets/" + testTicketID + "/actions/" + action + "?counter_id=" + testCounterID
		if resp := serve(h, http.MethodPost, target, "staff-session", nil); resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", action, resp.Code)
		}
	}
	if len(calls) != 3 || calls[1] != "no-show:"+testTicketID+":"+testCounterID {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestQueueView(t *testing.T) {
	service := fakeService{
		queueFn: func(ctx context.Context, caller queue.Caller, placeID, counterID string) (models.QueueView, error) {
			return models.QueueView{
				PlaceID:             placeID,
				CurrentServingToken: "#3",
				Waiting:             []models.QueueEntry{{Ticket: models.Ticket{TokenNumber: "#9"}, Position: 1}},
			}, nil
		},
	}
	h := newTestHandler(service, Options{})

	resp := serve(h, http.MethodGet, "/api/places/"+testPlaceID+"/queue", "staff-session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var view models.QueueView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.CurrentServingToken != "#3" || len(view.Waiting) != 1 || view.Waiting[0].Position != 1 {
		t.Fatalf("unexpected view %+v", view)
	}

	resp = serve(h, http.MethodGet, "/api/places/"+testPlaceID+"/queue?counter_id=bad", "staff-session", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed counter, got %d", resp.Code)
	}
}

func TestChangesRequireStaff(t *testing.T) {
	changes := fakeChanges{changes: []store.Change{
		{Seq: 1, Type: store.ChangeTicketJoined, TicketID: "t1"},
		{Seq: 2, Type: store.ChangeTicketCalled, TicketID: "t1"},
		{Seq: 3, Type: store.ChangeTicketCompleted, TicketID: "t1"},
	}}
	h := newTestHandler(fakeService{}, Options{Changes: changes})

	if resp := serve(h, http.MethodGet, "/api/changes", "user-session", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for users, got %d", resp.Code)
	}
	resp := serve(h, http.MethodGet, "/api/changes?after=1&limit=1", "staff-session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var got []store.Change
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("unexpected changes %+v", got)
	}
	if resp := serve(h, http.MethodGet, "/api/changes?after=-1", "staff-session", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative offset, got %d", resp.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 100, SessionPerMinute: 60, SessionBurst: 2})
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		if resp := serve(h, http.MethodGet, "/api/tickets/active", "user-session", nil); resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	if resp := serve(h, http.MethodGet, "/api/tickets/active", "user-session", nil); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the session burst is spent, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodGet, "/api/tickets/active", "staff-session", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected other sessions to pass, got %d", resp.Code)
	}
	now = now.Add(time.Second)
	if resp := serve(h, http.MethodGet, "/api/tickets/active", "user-session", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected refill after a second, got %d", resp.Code)
	}
}
