package events

import "github.com/nfrund/chatsync/internal/domain"

var defaultCatalog = newDefault()

// Default returns the catalog of every event the sync core speaks.
func Default() *Catalog { return defaultCatalog }

func newDefault() *Catalog {
	c := NewCatalog()
	for _, e := range []*Event{
		{Name: domain.EventJoinChat, Direction: Outbound, Owner: "connection", Description: "Join the scope's room after connecting", Example: `{"scope":"room-1"}`},
		{Name: domain.EventJoinUserRoom, Direction: Outbound, Owner: "connection", Description: "Join the user's personal room", Example: `{"userId":"alice"}`},
		{Name: domain.EventReceiveMessage, Direction: Inbound, Owner: "stream", Description: "A new message was posted", Example: `{"id":"m1","scope":"room-1","senderId":"bob","content":"hi"}`},
		{Name: domain.EventMessageRead, Direction: Both, Owner: "stream", Description: "Read receipt for a scope up to a time", Example: `{"userId":"bob","scope":"room-1","at":"2024-03-01T12:00:00Z"}`},
		{Name: domain.EventMessageRevoked, Direction: Inbound, Owner: "stream", Description: "A message was withdrawn by its sender", Example: `{"messageId":"m1"}`},
		{Name: domain.EventUserOnline, Direction: Inbound, Owner: "presence", Description: "A user came online", Example: `{"userId":"bob"}`},
		{Name: domain.EventUserOffline, Direction: Inbound, Owner: "presence", Description: "A user went offline", Example: `{"userId":"bob","lastSeen":"2024-03-01T12:00:00Z"}`},
		{Name: domain.EventUserStatus, Direction: Inbound, Owner: "presence", Description: "Current status of one user", Example: `{"userId":"bob","status":"offline"}`},
		{Name: domain.EventOnlineUsers, Direction: Inbound, Owner: "presence", Description: "Snapshot of everyone online", Example: `{"userIds":["bob","carol"]}`},
		{Name: domain.EventTyping, Direction: Both, Owner: "typing", Description: "A user started typing in a scope", Example: `{"userId":"bob","scope":"room-1"}`},
		{Name: domain.EventStopTyping, Direction: Both, Owner: "typing", Description: "A user stopped typing in a scope", Example: `{"userId":"bob","scope":"room-1"}`},
		{Name: domain.EventPing, Direction: Outbound, Owner: "connection", Description: "Heartbeat probe", Example: `{"id":"3f6b2c1e"}`},
		{Name: domain.EventPong, Direction: Inbound, Owner: "connection", Description: "Heartbeat reply", Example: `{"id":"3f6b2c1e"}`},
	} {
		c.MustRegister(e)
	}
	return c
}
