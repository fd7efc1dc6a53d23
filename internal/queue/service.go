package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultServiceMinutes = 5

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	Role   string
}

type JoinRequest struct {
	RequestID     string
	PlaceID       string
	CounterID     string
	PreferredTime string
	PreferredDate string
}

// TicketRef addresses a ticket through the place and, optionally, the counter a staff
// member is operating.
type TicketRef struct {
	PlaceID   string
	CounterID string
	TicketID  string
}

type Options struct {
	DefaultServiceMinutes int
	Clock                 func() time.Time
	Logger                *zap.Logger
	Tracer                trace.Tracer
}

type Service struct {
	store          store.TicketStore
	defaultMinutes int
	now            func() time.Time
	logger         *zap.Logger
	tracer         trace.Tracer
}

func NewService(st store.TicketStore, options Options) *Service {
	minutes := options.DefaultServiceMinutes
	if minutes <= 0 {
		minutes = DefaultServiceMinutes
	}
	now := options.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := options.Tracer
	if tracer == nil {
		tracer = otel.Tracer("qms/virtual-queue/queue")
	}
	return &Service{
		store:          st,
		defaultMinutes: minutes,
		now:            now,
		logger:         logger,
		tracer:         tracer,
	}
}

// Join admits caller into the line at req.PlaceID. A user already holding a waiting or
// serving ticket anywhere gets store.ErrAlreadyQueued.
func (s *Service) Join(ctx context.Context, caller Caller, req JoinRequest) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Join", trace.WithAttributes(
		attribute.String("place_id", req.PlaceID),
		attribute.String("counter_id", req.CounterID),
	))
	defer func() { endSpan(span, err) }()

	var missing []string
	if strings.TrimSpace(caller.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(req.PlaceID) == "" {
		missing = append(missing, "place_id")
	}
	if len(missing) > 0 {
		return models.Ticket{}, &store.ValidationError{Fields: missing}
	}

	ticket, created, err := s.store.Join(ctx, store.JoinInput{
		RequestID:      req.RequestID,
		UserID:         caller.UserID,
		PlaceID:        req.PlaceID,
		CounterID:      req.CounterID,
		PreferredTime:  req.PreferredTime,
		PreferredDate:  req.PreferredDate,
		CreatedAt:      s.now(),
		DefaultMinutes: s.defaultMinutes,
	})
	if err != nil {
		if !errors.Is(err, store.ErrAlreadyQueued) {
			s.logger.Warn("join failed", zap.String("place_id", req.PlaceID), zap.String("user_id", caller.UserID), zap.Error(err))
		}
		return models.Ticket{}, err
	}
	if created {
		s.logger.Info("ticket joined",
			zap.String("ticket_id", ticket.TicketID),
			zap.String("place_id", ticket.PlaceID),
			zap.String("counter_id", ticket.Counter()),
			zap.String("token", ticket.TokenNumber),
			zap.Int("estimated_wait", ticket.EstimatedWait),
		)
	}
	return ticket, nil
}

// Status returns the live position and ETA of a ticket. Holders see their own tickets;
// anyone else needs staff access to the ticket's place.
func (s *Service) Status(ctx context.Context, caller Caller, ticketID string) (status models.TicketStatus, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Status", trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer func() { endSpan(span, err) }()

	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.TicketStatus{}, err
	}
	if ticket.UserID != caller.UserID {
		if _, err := s.authorizeStaff(ctx, caller, ticket.PlaceID); err != nil {
			return models.TicketStatus{}, store.ErrTicketNotFound
		}
	}
	return s.describe(ctx, ticket)
}

// ActiveTicket returns the caller's waiting or serving ticket, if any, with its live
// position.
func (s *Service) ActiveTicket(ctx context.Context, caller Caller) (models.TicketStatus, bool, error) {
	ticket, ok, err := s.store.ActiveTicket(ctx, caller.UserID)
	if err != nil || !ok {
		return models.TicketStatus{}, false, err
	}
	status, err := s.describe(ctx, ticket)
	if err != nil {
		return models.TicketStatus{}, false, err
	}
	return status, true, nil
}

// Queue lists one partition for a staff console: serving tickets first, then the waiting
// line in service order with positions and ETAs.
func (s *Service) Queue(ctx context.Context, caller Caller, placeID, counterID string) (view models.QueueView, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Queue", trace.WithAttributes(
		attribute.String("place_id", placeID),
		attribute.String("counter_id", counterID),
	))
	defer func() { endSpan(span, err) }()

	place, err := s.authorizeStaff(ctx, caller, placeID)
	if err != nil {
		return models.QueueView{}, err
	}
	counter, err := s.counterFor(ctx, placeID, counterID)
	if err != nil {
		return models.QueueView{}, err
	}
	tickets, err := s.store.ListPartition(ctx, placeID, counterID)
	if err != nil {
		return models.QueueView{}, err
	}

	minutes := models.ServiceMinutes(place, counter, s.defaultMinutes)
	now := s.now()
	view = models.QueueView{
		PlaceID:             placeID,
		CurrentServingToken: servingToken(place, counter),
		Serving:             []models.Ticket{},
		Waiting:             []models.QueueEntry{},
	}
	if counter != nil {
		id := counter.CounterID
		view.CounterID = &id
	}
	for _, ticket := range tickets {
		if ticket.Status == models.StatusServing {
			view.Serving = append(view.Serving, ticket)
			continue
		}
		position := len(view.Waiting)
		eta, _ := Estimate(now, position, minutes)
		view.Waiting = append(view.Waiting, models.QueueEntry{Ticket: ticket, Position: position, ETA: eta})
	}
	return view, nil
}

// CallNext closes whatever the partition is serving and promotes the head of its
// waiting line. An empty line returns store.ErrQueueEmpty together with any tickets that
// were closed.
func (s *Service) CallNext(ctx context.Context, caller Caller, placeID, counterID string) (result store.CallNextResult, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(
		attribute.String("place_id", placeID),
		attribute.String("counter_id", counterID),
	))
	defer func() {
		if errors.Is(err, store.ErrQueueEmpty) {
			span.End()
			return
		}
		endSpan(span, err)
	}()

	if _, err = s.authorizeStaff(ctx, caller, placeID); err != nil {
		return store.CallNextResult{}, err
	}
	result, err = s.store.CallNext(ctx, store.CallNextInput{
		PlaceID:   placeID,
		CounterID: counterID,
		CalledAt:  s.now(),
	})
	for _, ticket := range result.Completed {
		s.logger.Info("ticket completed by call next", zap.String("ticket_id", ticket.TicketID), zap.String("place_id", placeID))
	}
	if err != nil {
		if errors.Is(err, store.ErrQueueEmpty) {
			s.logger.Info("call next on empty queue", zap.String("place_id", placeID), zap.String("counter_id", counterID))
		}
		return result, err
	}
	s.logger.Info("ticket called",
		zap.String("ticket_id", result.Promoted.TicketID),
		zap.String("place_id", placeID),
		zap.String("counter_id", counterID),
		zap.String("token", result.Token),
		zap.String("staff_id", caller.UserID),
	)
	return result, nil
}

func (s *Service) CompleteCurrent(ctx context.Context, caller Caller, ref TicketRef) (models.Ticket, error) {
	return s.staffTransition(ctx, caller, store.ActionComplete, ref)
}

func (s *Service) MarkNoShow(ctx context.Context, caller Caller, ref TicketRef) (models.Ticket, error) {
	return s.staffTransition(ctx, caller, store.ActionNoShow, ref)
}

// ForceClear removes a waiting ticket from the line on the staff side.
func (s *Service) ForceClear(ctx context.Context, caller Caller, ref TicketRef) (models.Ticket, error) {
	return s.staffTransition(ctx, caller, store.ActionForceClear, ref)
}

func (s *Service) Cancel(ctx context.Context, caller Caller, ticketID string) (models.Ticket, error) {
	return s.holderTransition(ctx, caller, store.ActionCancel, ticketID)
}

func (s *Service) SelfComplete(ctx context.Context, caller Caller, ticketID string) (models.Ticket, error) {
	return s.holderTransition(ctx, caller, store.ActionSelfComplete, ticketID)
}

// ClearHistory deletes the caller's completed and cancelled tickets and returns how many
// were removed.
func (s *Service) ClearHistory(ctx context.Context, caller Caller) (int, error) {
	if caller.UserID == "" {
		return 0, &store.ValidationError{Fields: []string{"user_id"}}
	}
	removed, err := s.store.ClearHistory(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("history cleared", zap.String("user_id", caller.UserID), zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Service) staffTransition(ctx context.Context, caller Caller, action string, ref TicketRef) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "queue."+action, trace.WithAttributes(
		attribute.String("ticket_id", ref.TicketID),
		attribute.String("place_id", ref.PlaceID),
	))
	defer func() { endSpan(span, err) }()

	if _, err = s.authorizeStaff(ctx, caller, ref.PlaceID); err != nil {
		return models.Ticket{}, err
	}
	ticket, changed, err := s.store.Transition(ctx, store.TicketActionInput{
		Action:     action,
		TicketID:   ref.TicketID,
		PlaceID:    ref.PlaceID,
		CounterID:  ref.CounterID,
		OccurredAt: s.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if changed {
		s.logger.Info("ticket transitioned",
			zap.String("action", action),
			zap.String("ticket_id", ticket.TicketID),
			zap.String("status", string(ticket.Status)),
			zap.String("staff_id", caller.UserID),
		)
	}
	return ticket, nil
}

func (s *Service) holderTransition(ctx context.Context, caller Caller, action, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "queue."+action, trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer func() { endSpan(span, err) }()

	if caller.UserID == "" {
		return models.Ticket{}, &store.ValidationError{Fields: []string{"user_id"}}
	}
	ticket, changed, err := s.store.Transition(ctx, store.TicketActionInput{
		Action:     action,
		TicketID:   ticketID,
		UserID:     caller.UserID,
		OccurredAt: s.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if changed {
		s.logger.Info("ticket transitioned",
			zap.String("action", action),
			zap.String("ticket_id", ticket.TicketID),
			zap.String("status", string(ticket.Status)),
		)
	}
	return ticket, nil
}

// authorizeStaff lets the place owner and staff or admin roles operate the place's lines.
func (s *Service) authorizeStaff(ctx context.Context, caller Caller, placeID string) (models.Place, error) {
	if placeID == "" {
		return models.Place{}, &store.ValidationError{Fields: []string{"place_id"}}
	}
	place, err := s.store.GetPlace(ctx, placeID)
	if err != nil {
		return models.Place{}, err
	}
	if caller.UserID == "" {
		return models.Place{}, store.ErrAccessDenied
	}
	if caller.Role == RoleStaff || caller.Role == RoleAdmin || place.OwnerID == caller.UserID {
		return place, nil
	}
	return models.Place{}, store.ErrAccessDenied
}

func (s *Service) describe(ctx context.Context, ticket models.Ticket) (models.TicketStatus, error) {
	place, err := s.store.GetPlace(ctx, ticket.PlaceID)
	if err != nil {
		return models.TicketStatus{}, err
	}
	counter, err := s.counterFor(ctx, ticket.PlaceID, ticket.Counter())
	if err != nil {
		return models.TicketStatus{}, err
	}
	minutes := models.ServiceMinutes(place, counter, s.defaultMinutes)
	status := models.TicketStatus{
		Ticket:              ticket,
		ServiceMinutes:      minutes,
		CurrentServingToken: servingToken(place, counter),
	}

	now := s.now()
	switch ticket.Status {
	case models.StatusWaiting:
		ahead, err := s.store.CountAhead(ctx, ticket)
		if err != nil {
			return models.TicketStatus{}, err
		}
		status.Position = ahead
		status.ETA, status.WaitMinutes = Estimate(now, ahead, minutes)
	case models.StatusServing:
		status.ETA = now
		if ticket.CalledAt != nil {
			status.ETA = *ticket.CalledAt
		}
	}
	return status, nil
}

func (s *Service) counterFor(ctx context.Context, placeID, counterID string) (*models.Counter, error) {
	if counterID == "" {
		return nil, nil
	}
	counter, err := s.store.GetCounter(ctx, placeID, counterID)
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

// Estimate returns the expected service time and the minutes until then for a ticket
// with ahead waiting tickets in front of it.
func Estimate(now time.Time, ahead, serviceMinutes int) (time.Time, int) {
	wait := store.EstimateWait(ahead, serviceMinutes)
	return now.Add(time.Duration(wait) * time.Minute), wait
}

func servingToken(place models.Place, counter *models.Counter) string {
	if counter != nil {
		return counter.CurrentServingToken
	}
	return place.CurrentServingToken
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
