package stream

import (
	"context"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
)

// DefaultPageSize is used when LoadPage is called without a page size.
const DefaultPageSize = 20

// DefaultLoadMoreInterval is the minimum spacing between load-more calls.
const DefaultLoadMoreInterval = time.Second

// Backend fetches history and accepts new messages. It is implemented by the
// REST client.
type Backend interface {
	FetchPage(ctx context.Context, scope string, page, limit int) (domain.HistoryPage, error)
	Send(ctx context.Context, draft domain.Draft, clientID string) (domain.Message, error)
}

// Emitter sends an outbound socket event.
type Emitter interface {
	Emit(event string, payload any) bool
}

// Cache is the persistence fallback for a scope's stream.
type Cache interface {
	ScheduleWrite(scope string, messages []domain.Message)
	Read(scope string) ([]domain.Message, bool)
}

// Page summarises the effect of a LoadPage call.
type Page struct {
	Number    int
	Fetched   int
	Added     int
	HasMore   bool
	FromCache bool
}

type DeltaKind int

const (
	DeltaReset DeltaKind = iota
	DeltaInsert
	DeltaUpdate
	DeltaRemove
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaReset:
		return "reset"
	case DeltaInsert:
		return "insert"
	case DeltaUpdate:
		return "update"
	case DeltaRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Delta describes one change to a scope's stream. For DeltaReset Messages
// is the whole new stream.
type Delta struct {
	Scope    string
	Kind     DeltaKind
	Messages []domain.Message
}

// Source labels where an applied message came from.
type Source string

const (
	SourcePage  Source = "page"
	SourcePush  Source = "push"
	SourceSend  Source = "send"
	SourceCache Source = "cache"
)
