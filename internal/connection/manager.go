// Package connection owns the realtime session: the socket, its state
// machine, reconnection with backoff, and the heartbeat.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/transport"
)

var errPongTimeout = errors.New("heartbeat: pong not received")

// EventHandler receives inbound events one at a time in arrival order.
type EventHandler func(ctx context.Context, event string, data json.RawMessage) error

type stateChange struct {
	from, to domain.ConnState
}

// Manager maintains at most one session. Every async step (dial, read
// loop, timers) captures the epoch it was started under and does nothing
// if the epoch has moved on, so a torn-down session can never be revived
// by a late callback.
type Manager struct {
	mu     sync.Mutex
	dialer transport.Dialer
	bus    pubsub.Bus
	ownBus bool
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
	userID string

	session    *domain.Session
	token      string
	conn       transport.Conn
	epoch      uint64
	foreground bool
	cancelRead context.CancelFunc

	retryTimer     clockwork.Timer
	heartbeatTimer clockwork.Timer
	pongTimer      clockwork.Timer
	pendingPing    string

	changes []stateChange
	queued  []func()

	rootCtx    context.Context
	rootCancel context.CancelFunc

	onStateChange func(from, to domain.ConnState)
	onRetry       func(attempt int, delay time.Duration)
	onAuthError   func(err error)
	onHeartbeat   func(ok bool)
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBus sets the channel inbound events travel through. Without it the
// manager creates and owns a WatermillBridge.
func WithBus(b pubsub.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithUserID sets the local user. When empty the JWT subject is used.
func WithUserID(id string) Option {
	return func(m *Manager) { m.userID = id }
}

func WithOnStateChange(fn func(from, to domain.ConnState)) Option {
	return func(m *Manager) { m.onStateChange = fn }
}

// WithOnRetry is called each time a reconnect attempt is scheduled.
func WithOnRetry(fn func(attempt int, delay time.Duration)) Option {
	return func(m *Manager) { m.onRetry = fn }
}

// WithOnAuthError is called when a reconnect attempt is rejected for its
// credential. The session is dropped; the initial Connect reports the same
// condition through its return value instead.
func WithOnAuthError(fn func(err error)) Option {
	return func(m *Manager) { m.onAuthError = fn }
}

// WithOnHeartbeat reports each heartbeat result.
func WithOnHeartbeat(fn func(ok bool)) Option {
	return func(m *Manager) { m.onHeartbeat = fn }
}

func New(dialer transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default().With("component", "connection"),
		foreground: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.defaults()
	if m.bus == nil {
		m.bus = pubsub.NewWatermillBridge()
		m.ownBus = true
	}
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	return m
}

// OnEvent registers the sink for inbound events.
func (m *Manager) OnEvent(handler EventHandler) error {
	return m.bus.Subscribe(m.rootCtx, pubsub.TopicInbound, func(ctx context.Context, msg pubsub.Message) error {
		return handler(ctx, msg.Metadata[pubsub.MetaEvent], json.RawMessage(msg.Payload))
	})
}

// Connect establishes the session for scope. It is a no-op when a session
// for scope already exists; a session for another scope is torn down
// first. A rejected credential is returned as domain.ErrAuth and never
// retried. Any other failure leaves the manager reconnecting in the
// background and Connect returns nil.
func (m *Manager) Connect(ctx context.Context, token, scope string) error {
	if err := auth.CheckToken(token, m.clock.Now()); err != nil {
		m.logger.Warn("refusing to connect", "scope", scope, "error", err)
		return err
	}

	m.mu.Lock()
	if m.session != nil && m.session.Scope == scope {
		m.mu.Unlock()
		return nil
	}
	closing := m.teardownLocked()

	userID := m.userID
	if userID == "" {
		if c, ok := auth.Inspect(token); ok {
			userID = c.Subject
		}
	}
	m.session = &domain.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Scope:     scope,
	}
	m.token = token
	m.setStateLocked(domain.StateConnecting)
	m.epoch++
	e := m.epoch
	m.unlockAndNotify()
	closeQuietly(closing)

	m.logger.Info("connecting", "scope", scope, "user_id", userID)
	err := m.attempt(ctx, e)
	switch {
	case err == nil, errors.Is(err, domain.ErrStale):
		return nil
	case errors.Is(err, domain.ErrAuth):
		m.dropSession(e)
		return err
	case ctx.Err() != nil:
		m.dropSession(e)
		return ctx.Err()
	}

	m.mu.Lock()
	if m.epoch == e {
		m.scheduleRetryLocked()
	}
	m.unlockAndNotify()
	return nil
}

// attempt dials once and, on success, installs the connection. It
// returns domain.ErrStale if the epoch moved while dialing.
func (m *Manager) attempt(ctx context.Context, e uint64) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dctx, token)
	cancel()

	m.mu.Lock()
	if m.epoch != e || m.session == nil {
		m.mu.Unlock()
		closeQuietly(conn)
		return domain.ErrStale
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("dial failed", "scope", m.scopeOf(), "error", err)
		return err
	}

	m.conn = conn
	m.session.RetryCount = 0
	m.session.LastHeartbeatAt = m.clock.Now()
	m.setStateLocked(domain.StateConnected)
	readCtx, cancelRead := context.WithCancel(m.rootCtx)
	m.cancelRead = cancelRead
	if m.foreground {
		m.startHeartbeatLocked(e)
	}
	scope, userID := m.session.Scope, m.session.UserID
	m.unlockAndNotify()

	go m.readLoop(readCtx, conn, e)

	m.logger.Info("connected", "scope", scope, "user_id", userID)
	m.Emit(domain.EventJoinChat, domain.JoinChatPayload{Scope: scope})
	if userID != "" {
		m.Emit(domain.EventJoinUserRoom, domain.JoinUserRoomPayload{UserID: userID})
	}
	return nil
}

func (m *Manager) scopeOf() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.Scope
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn, e uint64) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(e, err)
			return
		}

		if env.Event == domain.EventPong {
			m.handlePong(e, env)
			continue
		}

		m.mu.Lock()
		live := m.epoch == e
		userID := ""
		if m.session != nil {
			userID = m.session.UserID
		}
		m.mu.Unlock()
		if !live {
			return
		}

		err = m.bus.Publish(ctx, pubsub.Message{
			Topic:    pubsub.TopicInbound,
			UserID:   userID,
			Payload:  env.Data,
			Metadata: map[string]string{pubsub.MetaEvent: env.Event},
		})
		if err != nil {
			m.logger.Error("failed to publish inbound event", "event", env.Event, "error", err)
		}
	}
}

// connectionLost handles a transport error on the live connection.
func (m *Manager) connectionLost(e uint64, cause error) {
	m.mu.Lock()
	if m.epoch != e || m.session == nil {
		m.mu.Unlock()
		return
	}
	conn := m.releaseConnLocked()
	m.logger.Warn("connection lost", "scope", m.session.Scope, "error", cause)
	m.scheduleRetryLocked()
	m.unlockAndNotify()
	closeQuietly(conn)
}

// scheduleRetryLocked arms the retry timer for the next attempt.
func (m *Manager) scheduleRetryLocked() {
	attempt := m.session.RetryCount
	delay := m.cfg.retryDelay(attempt)
	m.session.RetryCount++
	m.setStateLocked(domain.StateReconnecting)

	m.epoch++
	e := m.epoch
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(e) })

	m.logger.Info("reconnect scheduled", "scope", m.session.Scope, "attempt", m.session.RetryCount, "delay", delay)
	if m.onRetry != nil {
		n := m.session.RetryCount
		m.queued = append(m.queued, func() { m.onRetry(n, delay) })
	}
}

func (m *Manager) retry(e uint64) {
	m.mu.Lock()
	if m.epoch != e || m.session == nil {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	err := m.attempt(m.rootCtx, e)
	switch {
	case err == nil, errors.Is(err, domain.ErrStale):
		return
	case errors.Is(err, domain.ErrAuth):
		m.logger.Error("credential rejected on reconnect, giving up", "error", err)
		if m.dropSession(e) && m.onAuthError != nil {
			m.onAuthError(err)
		}
		return
	}

	m.mu.Lock()
	if m.epoch == e && m.session != nil {
		m.scheduleRetryLocked()
	}
	m.unlockAndNotify()
}

// dropSession tears the session down if e is still current.
func (m *Manager) dropSession(e uint64) bool {
	m.mu.Lock()
	if m.epoch != e {
		m.mu.Unlock()
		return false
	}
	conn := m.teardownLocked()
	m.unlockAndNotify()
	closeQuietly(conn)
	return true
}

func (m *Manager) startHeartbeatLocked(e uint64) {
	m.stopHeartbeatLocked()
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.sendPing(e) })
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.pendingPing = ""
}

func (m *Manager) sendPing(e uint64) {
	m.mu.Lock()
	if m.epoch != e || m.conn == nil || !m.foreground {
		m.mu.Unlock()
		return
	}
	m.heartbeatTimer = nil
	id := uuid.NewString()
	m.pendingPing = id
	m.pongTimer = m.clock.AfterFunc(m.cfg.PongTimeout, func() { m.pongTimedOut(e, id) })
	conn := m.conn
	m.mu.Unlock()

	env, _ := transport.NewEnvelope(domain.EventPing, domain.HeartbeatPayload{ID: id})
	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, env); err != nil {
		m.connectionLost(e, fmt.Errorf("heartbeat write: %w", err))
	}
}

func (m *Manager) handlePong(e uint64, env transport.Envelope) {
	var hb domain.HeartbeatPayload
	_ = json.Unmarshal(env.Data, &hb)

	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.epoch != e || m.pendingPing == "" {
		return
	}
	if hb.ID != "" && hb.ID != m.pendingPing {
		return
	}
	m.pendingPing = ""
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.session.LastHeartbeatAt = m.clock.Now()
	if m.foreground {
		m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.sendPing(e) })
	}
	if m.onHeartbeat != nil {
		m.queued = append(m.queued, func() { m.onHeartbeat(true) })
	}
}

func (m *Manager) pongTimedOut(e uint64, id string) {
	m.mu.Lock()
	if m.epoch != e || m.pendingPing != id {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.onHeartbeat != nil {
		m.onHeartbeat(false)
	}
	m.connectionLost(e, errPongTimeout)
}

// Emit sends event on the live session. Without one the event is dropped
// and Emit reports false.
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.logger.Debug("emit dropped, not connected", "event", event)
		return false
	}

	env, err := transport.NewEnvelope(event, payload)
	if err != nil {
		m.logger.Error("emit failed", "event", event, "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, env); err != nil {
		m.logger.Warn("emit failed", "event", event, "error", err)
		return false
	}
	return true
}

// SetForeground tells the manager whether the app is visible. Coming to
// the foreground while disconnected retries immediately, skipping the
// remaining backoff wait once. In the background the session stays up
// but heartbeat pings stop.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	if m.foreground == fg {
		m.mu.Unlock()
		return
	}
	m.foreground = fg

	if !fg {
		m.stopHeartbeatLocked()
		m.mu.Unlock()
		return
	}

	if m.session == nil {
		m.mu.Unlock()
		return
	}
	switch m.session.State {
	case domain.StateConnected:
		m.startHeartbeatLocked(m.epoch)
		m.mu.Unlock()
	case domain.StateReconnecting:
		if m.retryTimer == nil {
			// An attempt is already dialing.
			m.mu.Unlock()
			return
		}
		m.retryTimer.Stop()
		m.retryTimer = nil
		m.epoch++
		e := m.epoch
		m.mu.Unlock()
		m.logger.Info("foregrounded, reconnecting now")
		go m.retry(e)
	default:
		m.mu.Unlock()
	}
}

// Disconnect ends the session and cancels every timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.teardownLocked()
	m.unlockAndNotify()
	closeQuietly(conn)
}

// Close disconnects and releases the event channel.
func (m *Manager) Close() error {
	m.Disconnect()
	m.rootCancel()
	if m.ownBus {
		return m.bus.Close()
	}
	return nil
}

// teardownLocked invalidates every in-flight step and returns the
// connection for the caller to close outside the lock.
func (m *Manager) teardownLocked() transport.Conn {
	m.epoch++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.releaseConnLocked()
	if m.session != nil {
		m.logger.Info("session closed", "scope", m.session.Scope)
		m.setStateLocked(domain.StateIdle)
		m.session = nil
	}
	m.token = ""
	return conn
}

func (m *Manager) releaseConnLocked() transport.Conn {
	m.stopHeartbeatLocked()
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) setStateLocked(to domain.ConnState) {
	if m.session == nil {
		return
	}
	from := m.session.State
	m.session.State = to
	if from != to {
		m.changes = append(m.changes, stateChange{from: from, to: to})
	}
}

// unlockAndNotify releases the lock, then runs the callbacks queued
// while it was held.
func (m *Manager) unlockAndNotify() {
	changes, queued := m.changes, m.queued
	m.changes, m.queued = nil, nil
	m.mu.Unlock()

	for _, c := range changes {
		m.logger.Debug("state changed", "from", c.from, "to", c.to)
		if m.onStateChange != nil {
			m.onStateChange(c.from, c.to)
		}
	}
	for _, fn := range queued {
		fn()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.StateIdle
	}
	return m.session.State
}

// Session returns a copy of the live session.
func (m *Manager) Session() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.Session{}, false
	}
	return *m.session, true
}

func closeQuietly(conn transport.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
