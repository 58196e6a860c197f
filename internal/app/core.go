// Package app assembles the sync core and routes inbound socket events to
// the component that owns them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/cache"
	"github.com/nfrund/chatsync/internal/connection"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/stream"
	"github.com/nfrund/chatsync/internal/typing"
)

// Core is one client's realtime state: the session plus everything fed by
// it.
type Core struct {
	Conn     *connection.Manager
	Stream   *stream.Synchronizer
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Cache    *cache.Cache

	deps   Dependencies
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	scope     string
	userID    string
	started   bool
	closeOnce sync.Once
}

func New(deps Dependencies) (*Core, error) {
	if deps.Dialer == nil || deps.Backend == nil || deps.Store == nil {
		return nil, errors.New("app: dialer, backend and store are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PageSize <= 0 {
		deps.PageSize = stream.DefaultPageSize
	}

	c := &Core{
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger.With("component", "app"),
		userID: deps.UserID,
	}
	m := deps.Metrics

	cacheOpts := []cache.Option{
		cache.WithClock(deps.Clock),
		cache.WithLogger(deps.Logger.With("component", "cache")),
	}
	if deps.CacheWindow > 0 {
		cacheOpts = append(cacheOpts, cache.WithWindow(deps.CacheWindow))
	}
	if m != nil {
		cacheOpts = append(cacheOpts, cache.WithWriteHook(func(_ string, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.CacheWrites.WithLabelValues(result).Inc()
		}))
	}
	c.Cache = cache.New(deps.Store, cacheOpts...)

	connOpts := []connection.Option{
		connection.WithConfig(deps.Connection),
		connection.WithClock(deps.Clock),
		connection.WithLogger(deps.Logger.With("component", "connection")),
		connection.WithUserID(deps.UserID),
		connection.WithOnStateChange(func(from, to domain.ConnState) {
			if m != nil {
				m.ConnectionState.Set(float64(to))
			}
			// stopTyping events sent while we were away are lost.
			if from == domain.StateReconnecting && to == domain.StateConnected {
				c.Typing.Reset()
			}
			if deps.OnStateChange != nil {
				deps.OnStateChange(from, to)
			}
		}),
		connection.WithOnAuthError(func(err error) {
			c.logger.Warn("session rejected", "error", err)
			if deps.OnAuthError != nil {
				deps.OnAuthError(err)
			}
		}),
	}
	if deps.Bus != nil {
		connOpts = append(connOpts, connection.WithBus(deps.Bus))
	}
	if m != nil {
		connOpts = append(connOpts,
			connection.WithOnRetry(func(int, time.Duration) { m.ReconnectAttempts.Inc() }),
			connection.WithOnHeartbeat(func(ok bool) {
				if !ok {
					m.HeartbeatFailures.Inc()
				}
			}),
		)
	}
	c.Conn = connection.New(deps.Dialer, connOpts...)

	presenceOpts := []presence.Option{
		presence.WithClock(deps.Clock),
		presence.WithLogger(deps.Logger.With("component", "presence")),
	}
	if deps.PresenceStore != nil {
		presenceOpts = append(presenceOpts, presence.WithRemoteStore(deps.PresenceStore))
	}
	if deps.OnPresence != nil {
		presenceOpts = append(presenceOpts, presence.WithOnChange(deps.OnPresence))
	}
	c.Presence = presence.NewTracker(presenceOpts...)

	typingOpts := []typing.Option{
		typing.WithClock(deps.Clock),
		typing.WithLogger(deps.Logger.With("component", "typing")),
	}
	if deps.OnTyping != nil {
		typingOpts = append(typingOpts, typing.WithOnChange(deps.OnTyping))
	}
	c.Typing = typing.New(c.Conn, typingOpts...)

	streamOpts := []stream.Option{
		stream.WithClock(deps.Clock),
		stream.WithLogger(deps.Logger.With("component", "stream")),
		stream.WithCache(c.Cache),
	}
	if deps.OnDelta != nil {
		streamOpts = append(streamOpts, stream.WithOnDelta(deps.OnDelta))
	}
	if m != nil {
		streamOpts = append(streamOpts,
			stream.WithOnApplied(func(_ string, src stream.Source, n int) {
				m.MessagesApplied.WithLabelValues(string(src)).Add(float64(n))
			}),
			stream.WithOnDuplicate(func(string) { m.Duplicates.Inc() }),
		)
	}
	c.Stream = stream.New(deps.Backend, c.Conn, streamOpts...)

	if err := c.Conn.OnEvent(c.dispatch); err != nil {
		_ = c.Conn.Close()
		return nil, fmt.Errorf("app: subscribe to inbound events: %w", err)
	}
	return c, nil
}

// tokenSetter is implemented by backends that carry their own credential.
type tokenSetter interface {
	SetToken(token string)
}

// Open connects to scope and loads its first page. Opening a different
// scope leaves the previous one: its stream is reset and any typing
// intent there is stopped.
func (c *Core) Open(ctx context.Context, token, scope string) (stream.Page, error) {
	if err := c.Conn.Connect(ctx, token, scope); err != nil {
		return stream.Page{}, err
	}
	if ts, ok := c.deps.Backend.(tokenSetter); ok {
		ts.SetToken(token)
	}

	userID := c.deps.UserID
	if s, ok := c.Conn.Session(); ok && s.UserID != "" {
		userID = s.UserID
	}

	c.mu.Lock()
	prev := c.scope
	c.scope, c.userID = scope, userID
	startPresence := !c.started
	c.started = true
	c.mu.Unlock()

	if prev != "" && prev != scope {
		c.Stream.Reset(prev)
	}
	c.Typing.Bind(userID, scope)
	if startPresence {
		c.Presence.Start()
	}

	page, err := c.Stream.LoadPage(ctx, scope, 1, c.deps.PageSize)
	if err != nil {
		return page, fmt.Errorf("app: load %s: %w", scope, err)
	}
	return page, nil
}

// LoadMore fetches the next older page for the open scope.
func (c *Core) LoadMore(ctx context.Context, page int) (stream.Page, error) {
	scope := c.Scope()
	if scope == "" {
		return stream.Page{}, domain.ErrNotConnected
	}
	return c.Stream.LoadPage(ctx, scope, page, c.deps.PageSize)
}

// Send posts content to the open scope as the local user.
func (c *Core) Send(ctx context.Context, content, replyToID string) (domain.Message, error) {
	c.mu.Lock()
	scope, userID := c.scope, c.userID
	c.mu.Unlock()
	if scope == "" {
		return domain.Message{}, domain.ErrNotConnected
	}
	return c.Stream.SendMessage(ctx, domain.Draft{
		Scope:     scope,
		SenderID:  userID,
		Content:   content,
		Kind:      domain.KindText,
		ReplyToID: replyToID,
	})
}

// MarkRead marks everything in the open scope as read by the local user.
func (c *Core) MarkRead() int {
	c.mu.Lock()
	scope, userID := c.scope, c.userID
	c.mu.Unlock()
	if scope == "" || userID == "" {
		return 0
	}
	return c.Stream.MarkRead(scope, userID, c.clock.Now())
}

// Scope returns the open scope, or "" before Open.
func (c *Core) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Close stops every component and flushes pending cache writes.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Typing.Stop()
		err = errors.Join(err, c.Conn.Close())
		c.Presence.Stop()
		err = errors.Join(err, c.Cache.Close())
	})
	return err
}
