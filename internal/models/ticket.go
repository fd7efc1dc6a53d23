package models

import "time"

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsActive reports whether a ticket in this status still holds the user's single slot.
func (s Status) IsActive() bool {
	return s == StatusWaiting || s == StatusServing
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusServing, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	PlaceID       string     `json:"place_id"`
	CounterID     *string    `json:"counter_id,omitempty"`
	UserID        string     `json:"user_id"`
	TokenNumber   string     `json:"token_number"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	EstimatedWait int        `json:"estimated_wait"`
	PreferredTime string     `json:"preferred_time,omitempty"`
	PreferredDate string     `json:"preferred_date,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
}

// Counter returns the partition key component, "" for the place's default queue.
func (t Ticket) Counter() string {
	if t.CounterID == nil {
		return ""
	}
	return *t.CounterID
}

// SamePartition reports whether both tickets queue in the same (place, counter) line.
func (t Ticket) SamePartition(other Ticket) bool {
	return t.PlaceID == other.PlaceID && t.Counter() == other.Counter()
}

// Before orders tickets by creation time, breaking ties by id.
func (t Ticket) Before(other Ticket) bool {
	if t.CreatedAt.Equal(other.CreatedAt) {
		return t.TicketID < other.TicketID
	}
	return t.CreatedAt.Before(other.CreatedAt)
}
