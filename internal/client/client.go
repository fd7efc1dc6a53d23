package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/queue"
	"qms/virtual-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("session rejected")
	ErrRateLimited  = errors.New("rate limited")
)

// APIError is a non-2xx answer from the queue service. It unwraps to the matching
// store sentinel so callers can use errors.Is the same way the server does.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Fields    []string
	RequestID string
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s (%d): %s [%s]", e.Code, e.Status, e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "already_queued":
		return store.ErrAlreadyQueued
	case "ticket_not_found":
		return store.ErrTicketNotFound
	case "place_not_found":
		return store.ErrPlaceNotFound
	case "counter_not_found":
		return store.ErrCounterNotFound
	case "not_found":
		return store.ErrNotFound
	case "place_not_approved":
		return store.ErrPlaceNotApproved
	case "invalid_request", "invalid_json":
		return store.ErrValidation
	case "invalid_state":
		return store.ErrInvalidState
	case "queue_empty":
		return store.ErrQueueEmpty
	case "token_exhausted":
		return store.ErrTokenExhausted
	case "access_denied":
		return store.ErrAccessDenied
	case "store_unavailable", "timeout":
		return store.ErrTransport
	case "unauthorized":
		return ErrUnauthorized
	case "rate_limited":
		return ErrRateLimited
	default:
		return nil
	}
}

type Options struct {
	HTTPClient *http.Client
	// MaxTries bounds attempts of idempotent requests. Zero means 4.
	MaxTries uint
	BackOff  func() backoff.BackOff
}

// Client speaks the queue service HTTP API on behalf of one session.
type Client struct {
	baseURL  string
	session  string
	http     *http.Client
	maxTries uint
	backOff  func() backoff.BackOff
}

type JoinRequest = queue.JoinRequest

type CallNextResult struct {
	Completed []models.Ticket `json:"completed"`
	Promoted  models.Ticket   `json:"promoted"`
	Token     string          `json:"token"`
}

func New(baseURL, session string, options Options) *Client {
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxTries := options.MaxTries
	if maxTries == 0 {
		maxTries = 4
	}
	newBackOff := options.BackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		session:  session,
		http:     httpClient,
		maxTries: maxTries,
		backOff:  newBackOff,
	}
}

// Join takes a ticket. A request id is generated when none is given, which makes the
// call safe to retry.
func (c *Client) Join(ctx context.Context, req JoinRequest) (models.Ticket, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	body := map[string]string{"request_id": req.RequestID, "place_id": req.PlaceID}
	if req.CounterID != "" {
		body["counter_id"] = req.CounterID
	}
	if req.PreferredTime != "" {
		body["preferred_time"] = req.PreferredTime
	}
	if req.PreferredDate != "" {
		body["preferred_date"] = req.PreferredDate
	}
	var ticket models.Ticket
	_, err := c.do(ctx, http.MethodPost, "/api/tickets", body, &ticket, true)
	return ticket, err
}

func (c *Client) Status(ctx context.Context, ticketID string) (models.TicketStatus, error) {
	var status models.TicketStatus
	_, err := c.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(ticketID), nil, &status, true)
	return status, err
}

// Active returns the caller's waiting or serving ticket, if any.
func (c *Client) Active(ctx context.Context) (models.TicketStatus, bool, error) {
	var status models.TicketStatus
	code, err := c.do(ctx, http.MethodGet, "/api/tickets/active", nil, &status, true)
	if err != nil {
		return models.TicketStatus{}, false, err
	}
	if code == http.StatusNoContent {
		return models.TicketStatus{}, false, nil
	}
	return status, true, nil
}

func (c *Client) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	return c.ticketAction(ctx, "/api/tickets/"+url.PathEscape(ticketID)+"/actions/cancel")
}

func (c *Client) SelfComplete(ctx context.Context, ticketID string) (models.Ticket, error) {
	return c.ticketAction(ctx, "/api/tickets/"+url.PathEscape(ticketID)+"/actions/complete")
}

func (c *Client) ClearHistory(ctx context.Context) (int, error) {
	var payload struct {
		Removed int `json:"removed"`
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/tickets/history", nil, &payload, true)
	return payload.Removed, err
}

func (c *Client) Queue(ctx context.Context, placeID, counterID string) (models.QueueView, error) {
	var view models.QueueView
	_, err := c.do(ctx, http.MethodGet, placePath(placeID, counterID, "/queue"), nil, &view, true)
	return view, err
}

// CallNext is not retried: a lost response may already have advanced the line.
func (c *Client) CallNext(ctx context.Context, placeID, counterID string) (CallNextResult, error) {
	var result CallNextResult
	_, err := c.do(ctx, http.MethodPost, placePath(placeID, counterID, "/actions/call-next"), nil, &result, false)
	return result, err
}

func (c *Client) CompleteCurrent(ctx context.Context, placeID, counterID, ticketID string) (models.Ticket, error) {
	return c.ticketAction(ctx, placePath(placeID, counterID, "/tickets/"+url.PathEscape(ticketID)+"/actions/complete"))
}

func (c *Client) MarkNoShow(ctx context.Context, placeID, counterID, ticketID string) (models.Ticket, error) {
	return c.ticketAction(ctx, placePath(placeID, counterID, "/tickets/"+url.PathEscape(ticketID)+"/actions/no-show"))
}

func (c *Client) ForceClear(ctx context.Context, placeID, counterID, ticketID string) (models.Ticket, error) {
	return c.ticketAction(ctx, placePath(placeID, counterID, "/tickets/"+url.PathEscape(ticketID)+"/actions/clear"))
}

func (c *Client) Changes(ctx context.Context, after int64, limit int) ([]store.Change, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var changes []store.Change
	_, err := c.do(ctx, http.MethodGet, "/api/changes?"+query.Encode(), nil, &changes, true)
	return changes, err
}

// ticketAction posts a ticket transition. Transitions are idempotent on the server, so
// they are retried.
func (c *Client) ticketAction(ctx context.Context, path string) (models.Ticket, error) {
	var ticket models.Ticket
	_, err := c.do(ctx, http.MethodPost, path, nil, &ticket, true)
	return ticket, err
}

func placePath(placeID, counterID, suffix string) string {
	path := "/api/places/" + url.PathEscape(placeID) + suffix
	if counterID != "" {
		path += "?counter_id=" + url.QueryEscape(counterID)
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, retry bool) (int, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = encoded
	}

	operation := func() (int, error) {
		code, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return code, nil
		}
		if retry && (errors.Is(err, store.ErrTransport) || errors.Is(err, ErrRateLimited)) {
			return code, err
		}
		return code, backoff.Permanent(err)
	}
	tries := c.maxTries
	if !retry {
		tries = 1
	}
	return backoff.Retry(ctx, operation, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(tries))
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.Header.Set("Authorization", "Bearer "+c.session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, store.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string   `json:"code"`
			Message string   `json:"message"`
			Fields  []string `json:"fields"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Fields = envelope.Error.Fields
		apiErr.RequestID = envelope.RequestID
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
