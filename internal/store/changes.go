package store

import (
	"fmt"
	"time"

	"qms/virtual-queue/internal/models"
)

const (
	ChangeTicketJoined    = "ticket.joined"
	ChangeTicketCalled    = "ticket.called"
	ChangeTicketCompleted = "ticket.completed"
	ChangeTicketCancelled = "ticket.cancelled"
	ChangeTicketNoShow    = "ticket.no_show"
	ChangeHistoryCleared  = "history.cleared"
)

// Change is one committed store mutation. It names what moved so subscribers can decide
// whether to re-query; it is never a substitute for the authoritative record.
type Change struct {
	Seq       int64         `json:"seq"`
	Type      string        `json:"type"`
	TicketID  string        `json:"ticket_id,omitempty"`
	PlaceID   string        `json:"place_id,omitempty"`
	CounterID *string       `json:"counter_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Status    models.Status `json:"status,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func ChangeForTicket(changeType string, ticket models.Ticket, at time.Time) Change {
	return Change{
		Type:      changeType,
		TicketID:  ticket.TicketID,
		PlaceID:   ticket.PlaceID,
		CounterID: ticket.CounterID,
		UserID:    ticket.UserID,
		Status:    ticket.Status,
		CreatedAt: at,
	}
}

const (
	MinToken         = 1
	MaxToken         = 999
	MaxTokenAttempts = 16
)

func FormatToken(n int) string {
	return fmt.Sprintf("#%d", n)
}

// EstimateWait is the minutes until service for a ticket with ahead tickets in front.
func EstimateWait(ahead, serviceMinutes int) int {
	return (ahead + 1) * serviceMinutes
}
