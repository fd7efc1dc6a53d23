package models

import "time"

// TicketStatus is the estimator's live view of one ticket.
type TicketStatus struct {
	Ticket              Ticket    `json:"ticket"`
	Position            int       `json:"position"`
	ETA                 time.Time `json:"eta"`
	WaitMinutes         int       `json:"wait_minutes"`
	ServiceMinutes      int       `json:"service_minutes"`
	CurrentServingToken string    `json:"current_serving_token,omitempty"`
}

type QueueEntry struct {
	Ticket   Ticket    `json:"ticket"`
	Position int       `json:"position"`
	ETA      time.Time `json:"eta"`
}

type QueueView struct {
	PlaceID             string       `json:"place_id"`
	CounterID           *string      `json:"counter_id,omitempty"`
	CurrentServingToken string       `json:"current_serving_token,omitempty"`
	Serving             []Ticket     `json:"serving"`
	Waiting             []QueueEntry `json:"waiting"`
}
