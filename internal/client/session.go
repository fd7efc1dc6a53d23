package client

import (
	"context"
	"errors"
	"sync"

	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/store"

	"go.uber.org/zap"
)

// API is the part of Client a Session drives.
type API interface {
	Active(ctx context.Context) (models.TicketStatus, bool, error)
	Join(ctx context.Context, req JoinRequest) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID string) (models.Ticket, error)
	SelfComplete(ctx context.Context, ticketID string) (models.Ticket, error)
	ClearHistory(ctx context.Context) (int, error)
}

// Scheduler is armed with the ticket the session currently holds.
type Scheduler interface {
	Sync(tickets []models.Ticket)
}

type SessionOptions struct {
	Scheduler Scheduler
	Logger    *zap.Logger
	// OnUpdate observes every state the cache moves to, in order.
	OnUpdate func(status models.TicketStatus, active bool)
}

// Session is the single authoritative client-side view of the caller's ticket. Commands
// are issued to the service, and the cache is then reconciled from the service's answer
// rather than patched locally. Feed changes only trigger a re-query.
type Session struct {
	api       API
	scheduler Scheduler
	logger    *zap.Logger
	onUpdate  func(models.TicketStatus, bool)

	mu      sync.Mutex
	current models.TicketStatus
	active  bool
	version uint64
}

func NewSession(api API, options SessionOptions) *Session {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		api:       api,
		scheduler: options.Scheduler,
		logger:    logger,
		onUpdate:  options.OnUpdate,
	}
}

// Current returns the cached ticket status and whether the user holds an active ticket.
func (s *Session) Current() (models.TicketStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.active
}

// Refresh re-reads the caller's active ticket and replaces the cache with it.
func (s *Session) Refresh(ctx context.Context) (models.TicketStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) Join(ctx context.Context, req JoinRequest) (models.TicketStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.api.Join(ctx, req); err != nil {
		if errors.Is(err, store.ErrAlreadyQueued) {
			_, _, _ = s.refreshLocked(ctx)
		}
		return models.TicketStatus{}, err
	}
	status, _, err := s.refreshLocked(ctx)
	return status, err
}

// Cancel gives up the held ticket. It is a no-op when nothing is held.
func (s *Session) Cancel(ctx context.Context) error {
	return s.holderAction(ctx, s.api.Cancel)
}

// Complete closes a ticket that is being served.
func (s *Session) Complete(ctx context.Context) error {
	return s.holderAction(ctx, s.api.SelfComplete)
}

func (s *Session) ClearHistory(ctx context.Context) (int, error) {
	return s.api.ClearHistory(ctx)
}

// HandleChange re-queries when a change may move the cached ticket: its own
// transitions, any change to the user's tickets, or any change in the same line.
func (s *Session) HandleChange(ctx context.Context, change store.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.relevantLocked(change) {
		return
	}
	if _, _, err := s.refreshLocked(ctx); err != nil {
		s.logger.Warn("refresh after change failed", zap.Int64("seq", change.Seq), zap.Error(err))
	}
}

// Resync is the feed's Connected hook.
func (s *Session) Resync(ctx context.Context) {
	if _, _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("resync failed", zap.Error(err))
	}
}

// Version counts cache replacements.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) holderAction(ctx context.Context, action func(ctx context.Context, ticketID string) (models.Ticket, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		if _, _, err := s.refreshLocked(ctx); err != nil {
			return err
		}
		if !s.active {
			return nil
		}
	}
	_, err := action(ctx, s.current.Ticket.TicketID)
	if _, _, refreshErr := s.refreshLocked(ctx); err == nil {
		err = refreshErr
	}
	return err
}

func (s *Session) relevantLocked(change store.Change) bool {
	if change.Type == store.ChangeHistoryCleared {
		return false
	}
	if !s.active {
		return change.UserID != ""
	}
	ticket := s.current.Ticket
	if change.TicketID == ticket.TicketID || (change.UserID != "" && change.UserID == ticket.UserID) {
		return true
	}
	if change.PlaceID != ticket.PlaceID {
		return false
	}
	counter := ""
	if change.CounterID != nil {
		counter = *change.CounterID
	}
	return counter == ticket.Counter()
}

func (s *Session) refreshLocked(ctx context.Context) (models.TicketStatus, bool, error) {
	status, active, err := s.api.Active(ctx)
	if err != nil {
		return s.current, s.active, err
	}
	s.current = status
	s.active = active
	s.version++
	if s.scheduler != nil {
		if active {
			s.scheduler.Sync([]models.Ticket{status.Ticket})
		} else {
			s.scheduler.Sync(nil)
		}
	}
	if s.onUpdate != nil {
		s.onUpdate(status, active)
	}
	return status, active, nil
}
