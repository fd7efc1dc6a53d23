package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTicketNotFound   = fmt.Errorf("ticket %w", ErrNotFound)
	ErrPlaceNotFound    = fmt.Errorf("place %w", ErrNotFound)
	ErrCounterNotFound  = fmt.Errorf("counter %w", ErrNotFound)
	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrAlreadyQueued    = errors.New("user already holds an active ticket")
	ErrValidation       = errors.New("validation failed")
	ErrPlaceNotApproved = fmt.Errorf("place does not offer a virtual queue: %w", ErrValidation)
	ErrRequestIDInUse   = fmt.Errorf("request id belongs to another user: %w", ErrValidation)
	ErrInvalidState     = errors.New("invalid ticket state")
	ErrQueueEmpty       = errors.New("no waiting ticket")
	ErrAccessDenied     = errors.New("access denied")
	ErrTokenExhausted   = errors.New("no free token number")
	ErrTransport        = errors.New("store unreachable")
)

// ValidationError lists the request fields that were missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
