package domain

import "time"

// Wire event names. They are shared by the socket envelope codec and the
// router that dispatches inbound events.
const (
	EventJoinChat       = "joinChat"
	EventJoinUserRoom   = "joinUserRoom"
	EventReceiveMessage = "receiveMessage"
	EventMessageRead    = "messageRead"
	EventMessageRevoked = "messageRevoked"
	EventUserOnline     = "userOnline"
	EventUserOffline    = "userOffline"
	EventUserStatus     = "userStatus"
	EventOnlineUsers    = "onlineUsers"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
	EventPing           = "ping"
	EventPong           = "pong"
)

type JoinChatPayload struct {
	Scope string `json:"scope"`
}

type JoinUserRoomPayload struct {
	UserID string `json:"userId"`
}

type ReadReceiptPayload struct {
	UserID string    `json:"userId"`
	Scope  string    `json:"scope"`
	At     time.Time `json:"at"`
}

type RevokePayload struct {
	MessageID string `json:"messageId"`
	Scope     string `json:"scope,omitempty"`
}

// PresencePayload covers userOnline, userOffline and userStatus. At and
// LastSeen are optional; receivers fall back to their own clock.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status,omitempty"`
	At       *time.Time `json:"at,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
	Scope  string `json:"scope"`
}

type HeartbeatPayload struct {
	ID string `json:"id"`
}
