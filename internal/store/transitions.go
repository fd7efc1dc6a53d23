package store

import "qms/virtual-queue/internal/models"

const (
	ActionCallNext     = "call_next"
	ActionComplete     = "complete"
	ActionSelfComplete = "self_complete"
	ActionNoShow       = "no_show"
	ActionCancel       = "cancel"
	ActionForceClear   = "force_clear"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[string]transition{
	ActionCallNext:     {from: []models.Status{models.StatusWaiting}, to: models.StatusServing},
	ActionComplete:     {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionSelfComplete: {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionNoShow:       {from: []models.Status{models.StatusServing}, to: models.StatusCancelled},
	ActionCancel:       {from: []models.Status{models.StatusWaiting}, to: models.StatusCancelled},
	ActionForceClear:   {from: []models.Status{models.StatusWaiting}, to: models.StatusCancelled},
}

func ValidTransition(action string, from models.Status) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == from {
			return true
		}
	}
	return false
}

// ResolveTransition returns the target status for action applied to a ticket in status
// from. Terminal tickets resolve to a no-op; any other disallowed edge is ErrInvalidState.
func ResolveTransition(action string, from models.Status) (models.Status, bool, error) {
	t, ok := transitionMap[action]
	if !ok {
		return "", false, ErrInvalidState
	}
	if from.IsTerminal() {
		return from, true, nil
	}
	if !ValidTransition(action, from) {
		return "", false, ErrInvalidState
	}
	return t.to, false, nil
}

// HolderAction reports whether action is performed by the ticket's own holder rather
// than by staff at the place.
func HolderAction(action string) bool {
	return action == ActionCancel || action == ActionSelfComplete
}

// CheckScope verifies that the ticket is the one the caller addressed: holder actions
// must come from the ticket's user, staff actions must name the ticket's partition. An
// empty counter addresses the place's default line only. A mismatch reads as not found.
func CheckScope(input TicketActionInput, ticket models.Ticket) error {
	if HolderAction(input.Action) {
		if input.UserID == "" || ticket.UserID != input.UserID {
			return ErrTicketNotFound
		}
		return nil
	}
	if input.PlaceID == "" || ticket.PlaceID != input.PlaceID {
		return ErrTicketNotFound
	}
	if ticket.Counter() != input.CounterID {
		return ErrTicketNotFound
	}
	return nil
}

func ChangeTypeFor(action string) string {
	switch action {
	case ActionCallNext:
		return ChangeTicketCalled
	case ActionComplete, ActionSelfComplete:
		return ChangeTicketCompleted
	case ActionNoShow:
		return ChangeTicketNoShow
	default:
		return ChangeTicketCancelled
	}
}
