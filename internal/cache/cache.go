package cache

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/domain"
)

// DefaultWindow is how long writes for one scope are coalesced.
const DefaultWindow = time.Second

type pending struct {
	messages []domain.Message
	seq      uint64
	timer    clockwork.Timer
}

// Cache coalesces snapshot writes per scope. The first ScheduleWrite for a
// scope opens a window; later calls inside the window only replace the
// pending value, and one physical write happens when the window closes.
type Cache struct {
	mu      sync.Mutex
	seq     uint64
	store   Store
	clock   clockwork.Clock
	window  time.Duration
	pending map[string]*pending
	closed  bool
	logger  *slog.Logger
	onWrite func(scope string, err error)

	// writeMu serializes physical writes and is taken before mu. written
	// holds the seq of the last snapshot persisted per scope.
	writeMu sync.Mutex
	written map[string]uint64
}

// Option configures a Cache.
type Option func(*Cache)

func WithClock(c clockwork.Clock) Option {
	return func(ca *Cache) { ca.clock = c }
}

// WithWindow overrides the coalescing window.
func WithWindow(d time.Duration) Option {
	return func(ca *Cache) { ca.window = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(ca *Cache) { ca.logger = l }
}

// WithWriteHook registers a callback invoked after every physical write.
func WithWriteHook(fn func(scope string, err error)) Option {
	return func(ca *Cache) { ca.onWrite = fn }
}

// New creates a Cache on top of store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		clock:   clockwork.NewRealClock(),
		window:  DefaultWindow,
		pending: make(map[string]*pending),
		written: make(map[string]uint64),
		logger:  slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScheduleWrite records messages as the latest snapshot of scope.
func (c *Cache) ScheduleWrite(scope string, messages []domain.Message) {
	snapshot := domain.CloneMessages(messages)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("write scheduled after close, dropping", "scope", scope)
		return
	}

	c.seq++
	if p, ok := c.pending[scope]; ok {
		p.messages, p.seq = snapshot, c.seq
		return
	}

	p := &pending{messages: snapshot, seq: c.seq}
	p.timer = c.clock.AfterFunc(c.window, func() { c.flushPending(scope, p) })
	c.pending[scope] = p
}

// flushPending writes p if it is still the pending snapshot for scope.
func (c *Cache) flushPending(scope string, p *pending) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.pending[scope] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, scope)
	msgs, seq := p.messages, p.seq
	c.mu.Unlock()

	c.writeLocked(scope, msgs, seq)
}

// writeLocked persists msgs unless a newer snapshot of scope was already
// written. c.writeMu must be held.
func (c *Cache) writeLocked(scope string, msgs []domain.Message, seq uint64) {
	if seq <= c.written[scope] {
		c.logger.Debug("skipping superseded cache write", "scope", scope, "seq", seq)
		return
	}

	blob, err := encodeEntry(domain.CacheEntry{Scope: scope, Messages: msgs, WrittenAt: c.clock.Now()})
	if err == nil {
		err = c.store.Put(scope, blob)
	}
	if err != nil {
		c.logger.Error("cache write failed", "scope", scope, "error", err)
	} else {
		c.written[scope] = seq
		c.logger.Debug("cache written", "scope", scope, "messages", len(msgs))
	}
	if c.onWrite != nil {
		c.onWrite(scope, err)
	}
}

// Read returns the newest snapshot for scope: the pending one if a window
// is open, otherwise the persisted one. ok is false when neither exists or
// the persisted blob cannot be decoded.
func (c *Cache) Read(scope string) ([]domain.Message, bool) {
	c.mu.Lock()
	if p, ok := c.pending[scope]; ok {
		msgs := domain.CloneMessages(p.messages)
		c.mu.Unlock()
		return msgs, true
	}
	c.mu.Unlock()

	blob, err := c.store.Get(scope)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("cache read failed", "scope", scope, "error", err)
		}
		return nil, false
	}
	entry, err := decodeEntry(blob)
	if err != nil {
		c.logger.Warn("cache entry unreadable", "scope", scope, "error", err)
		return nil, false
	}
	return entry.Messages, true
}

// Flush writes every pending snapshot now.
func (c *Cache) Flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pending)
	for _, p := range drained {
		p.timer.Stop()
	}
	c.mu.Unlock()

	for scope, p := range drained {
		c.writeLocked(scope, p.messages, p.seq)
	}
}

// Close flushes pending snapshots and releases the store.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Flush()
	return c.store.Close()
}
