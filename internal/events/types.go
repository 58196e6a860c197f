package events

import (
	"fmt"
	"sync/atomic"
)

// Direction says which way an event travels on the socket.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
	Both     Direction = "both"
)

// Event describes one socket event name.
type Event struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Owner       string    `json:"owner"` // component that handles or emits it
	Description string    `json:"description"`
	Example     string    `json:"example"`

	seen atomic.Int64
}

// Seen returns how many times the event has been received.
func (e *Event) Seen() int64 { return e.seen.Load() }

// Matches reports whether e travels in direction d.
func (e *Event) Matches(d Direction) bool {
	return d == "" || e.Direction == d || e.Direction == Both
}

// ErrorType classifies catalog errors.
type ErrorType string

const (
	ErrorNotFound              ErrorType = "event_not_found"
	ErrorDuplicateRegistration ErrorType = "duplicate_registration"
	ErrorValidationFailed      ErrorType = "validation_failed"
)

// EventError represents structured errors from the catalog
type EventError struct {
	Type    ErrorType `json:"type"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}
