package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
// It is intentionally simple to act as a wrapper for raw data.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g., "chatsync.inbound").
	Topic string
	// UserID identifies the session user the message was received for.
	UserID string
	// Payload contains the raw event data (JSON).
	Payload []byte
	// Metadata carries the event name and other context.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages from the bus.
type Subscriber interface {
	// Subscribe starts delivering messages on topic to handler in a
	// background goroutine. Delivery stops when ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is both ends of an in-process channel.
type Bus interface {
	Publisher
	Subscriber
}

// TopicInbound carries every event received from the realtime socket.
const TopicInbound = "chatsync.inbound"

// MetaEvent is the metadata key holding the socket event name.
const MetaEvent = "event"
