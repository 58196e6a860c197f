package domain

import "time"

// ConnState is the lifecycle state of a realtime session.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Session describes the realtime connection for one scope. It is owned by
// the connection manager; everyone else sees copies.
type Session struct {
	SessionID       string
	UserID          string
	Scope           string
	State           ConnState
	RetryCount      int
	LastHeartbeatAt time.Time
}
