package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is shared so struct metadata is cached once.
var validatorInstance = validator.New()

// MessageKind classifies the body of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindMedia  MessageKind = "media"
	KindEmoji  MessageKind = "emoji"
	KindSystem MessageKind = "system"
)

// LocalIDPrefix marks the ID of a tentative entry that has not been
// confirmed by the server yet.
const LocalIDPrefix = "local-"

// Message is one entry of a conversation stream. ID is assigned by the server
// and is the dedup key across paginated and pushed sources.
type Message struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"clientId,omitempty"`
	Scope     string      `json:"scope"`
	SenderID  string      `json:"senderId"`
	CreatedAt time.Time   `json:"createdAt"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	// ReplyToID is a weak reference; the target may not be loaded.
	ReplyToID string   `json:"replyToId,omitempty"`
	ReadBy    []string `json:"readBy,omitempty"`
	Revoked   bool     `json:"revoked,omitempty"`
	Pending   bool     `json:"pending,omitempty"`
}

// Before reports whether m sorts before o in display order (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Compare is the three-way form of Before, usable with slices.SortFunc.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// ReadByUser reports whether userID is in the read set.
func (m Message) ReadByUser(userID string) bool {
	_, found := slices.BinarySearch(m.ReadBy, userID)
	return found
}

// MarkReadBy adds userID to the read set, keeping it sorted. It returns
// false when the user was already present.
func (m *Message) MarkReadBy(userID string) bool {
	i, found := slices.BinarySearch(m.ReadBy, userID)
	if found {
		return false
	}
	m.ReadBy = slices.Insert(m.ReadBy, i, userID)
	return true
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// Normalize sorts and de-duplicates the read set so lookups can binary
// search it. Server payloads make no ordering promise.
func (m *Message) Normalize() {
	slices.Sort(m.ReadBy)
	m.ReadBy = slices.Compact(m.ReadBy)
}

// CloneMessages deep-copies a slice of messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Draft is an outbound message before the server has accepted it.
type Draft struct {
	Scope     string      `json:"scope" validate:"required"`
	SenderID  string      `json:"senderId" validate:"required"`
	Content   string      `json:"content" validate:"required_without=MediaURL,max=4000"`
	Kind      MessageKind `json:"kind" validate:"omitempty,oneof=text media emoji system"`
	MediaURL  string      `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	ReplyToID string      `json:"replyToId,omitempty"`
}

// Validate checks the draft against its field rules.
func (d *Draft) Validate() error {
	if err := validatorInstance.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}

// HistoryPage is one page of history as returned by the server.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// CacheEntry is the persisted snapshot of one scope's stream.
type CacheEntry struct {
	Scope     string    `json:"scope"`
	Messages  []Message `json:"messages"`
	WrittenAt time.Time `json:"writtenAt"`
}
