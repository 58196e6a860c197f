package domain

import "time"

// PresenceRecord is the last known online state of one user. Records are
// never deleted and LastSeenAt never moves backwards.
type PresenceRecord struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// TypingState is a transient "user is typing in scope" marker.
type TypingState struct {
	UserID    string
	Scope     string
	ExpiresAt time.Time
}
