package store

import (
	"context"
	"time"

	"qms/virtual-queue/internal/models"
)

type JoinInput struct {
	RequestID      string
	UserID         string
	PlaceID        string
	CounterID      string
	PreferredTime  string
	PreferredDate  string
	CreatedAt      time.Time
	DefaultMinutes int
}

type CallNextInput struct {
	PlaceID   string
	CounterID string
	CalledAt  time.Time
}

// CallNextResult carries every ticket the call touched: the serving tickets it closed
// and, unless the queue was empty, the promoted one.
type CallNextResult struct {
	Completed []models.Ticket
	Promoted  models.Ticket
	Token     string
}

type TicketActionInput struct {
	Action     string
	TicketID   string
	UserID     string
	PlaceID    string
	CounterID  string
	OccurredAt time.Time
}

type Session struct {
	SessionID string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type TicketStore interface {
	Join(ctx context.Context, input JoinInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ActiveTicket(ctx context.Context, userID string) (models.Ticket, bool, error)
	CountAhead(ctx context.Context, ticket models.Ticket) (int, error)
	ListPartition(ctx context.Context, placeID, counterID string) ([]models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (CallNextResult, error)
	Transition(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ClearHistory(ctx context.Context, userID string) (int, error)
	GetPlace(ctx context.Context, placeID string) (models.Place, error)
	GetCounter(ctx context.Context, placeID, counterID string) (models.Counter, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ChangeLog
}

// ChangeLog is the outbox side of the store read by the realtime feed.
type ChangeLog interface {
	ListChanges(ctx context.Context, afterSeq int64, limit int) ([]Change, error)
	LatestChangeSeq(ctx context.Context) (int64, error)
	PruneChanges(ctx context.Context, before time.Time) (int64, error)
}
