package notify

import (
	"context"
	"sync"
	"time"

	"qms/virtual-queue/internal/models"

	"go.uber.org/zap"
)

// FiveMinuteLead is how long before the estimated turn the first alert fires.
const FiveMinuteLead = 300 * time.Second

type Timer interface {
	Stop() bool
}

type SchedulerOptions struct {
	Clock     func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	Logger    *zap.Logger
}

// Scheduler keeps one countdown per active ticket, anchored at createdAt plus the
// estimated wait, and fires each alert kind at most once per ticket for its lifetime.
type Scheduler struct {
	mu        sync.Mutex
	transport Transport
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
	logger    *zap.Logger
	timers    map[string][]Timer
	seen      map[string]bool
}

func NewScheduler(transport Transport, options SchedulerOptions) *Scheduler {
	now := options.Clock
	if now == nil {
		now = time.Now
	}
	afterFunc := options.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		transport: transport,
		now:       now,
		afterFunc: afterFunc,
		logger:    logger,
		timers:    make(map[string][]Timer),
		seen:      make(map[string]bool),
	}
}

// Deadline is the estimated moment the ticket is served.
func Deadline(ticket models.Ticket) time.Time {
	return ticket.CreatedAt.Add(time.Duration(ticket.EstimatedWait) * time.Minute)
}

// Arm (re)schedules the alerts of an active ticket, replacing earlier timers for it.
// Alerts already due fire before Arm returns. Terminal tickets are disarmed.
func (s *Scheduler) Arm(ticket models.Ticket) {
	if !ticket.Status.IsActive() {
		s.Disarm(ticket.TicketID)
		return
	}

	deadline := Deadline(ticket)
	triggers := []struct {
		kind string
		at   time.Time
	}{
		{kind: KindFiveMinutes, at: deadline.Add(-FiveMinuteLead)},
		{kind: KindYourTurn, at: deadline},
	}

	var due []string
	s.mu.Lock()
	s.stopLocked(ticket.TicketID)
	now := s.now()
	for _, trigger := range triggers {
		if s.seen[seenKey(ticket.TicketID, trigger.kind)] {
			continue
		}
		wait := trigger.at.Sub(now)
		if wait <= 0 {
			due = append(due, trigger.kind)
			continue
		}
		kind := trigger.kind
		timer := s.afterFunc(wait, func() { s.fire(ticket, kind, deadline) })
		s.timers[ticket.TicketID] = append(s.timers[ticket.TicketID], timer)
	}
	s.mu.Unlock()

	for _, kind := range due {
		s.fire(ticket, kind, deadline)
	}
}

func (s *Scheduler) Disarm(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ticketID)
}

// Sync arms every active ticket in tickets and disarms any armed ticket missing from it.
func (s *Scheduler) Sync(tickets []models.Ticket) {
	keep := make(map[string]bool, len(tickets))
	for _, ticket := range tickets {
		if ticket.Status.IsActive() {
			keep[ticket.TicketID] = true
		}
	}
	s.mu.Lock()
	for id := range s.timers {
		if !keep[id] {
			s.stopLocked(id)
		}
	}
	s.mu.Unlock()
	for _, ticket := range tickets {
		s.Arm(ticket)
	}
}

// Armed reports how many alert timers were set for ticketID by its latest Arm.
func (s *Scheduler) Armed(ticketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[ticketID])
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.stopLocked(id)
	}
}

func (s *Scheduler) fire(ticket models.Ticket, kind string, deadline time.Time) {
	key := seenKey(ticket.TicketID, kind)
	s.mu.Lock()
	if s.seen[key] {
		s.mu.Unlock()
		return
	}
	s.seen[key] = true
	s.mu.Unlock()

	due := deadline
	if kind == KindFiveMinutes {
		due = deadline.Add(-FiveMinuteLead)
	}
	alert := Alert{
		Kind:     kind,
		TicketID: ticket.TicketID,
		PlaceID:  ticket.PlaceID,
		UserID:   ticket.UserID,
		Token:    ticket.TokenNumber,
		Due:      due,
		FiredAt:  s.now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, alert); err != nil {
		s.logger.Warn("alert delivery failed", zap.String("ticket_id", ticket.TicketID), zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Scheduler) stopLocked(ticketID string) {
	for _, timer := range s.timers[ticketID] {
		timer.Stop()
	}
	delete(s.timers, ticketID)
}

func seenKey(ticketID, kind string) string {
	return ticketID + "/" + kind
}
