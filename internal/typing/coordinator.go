package typing

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/domain"
)

const (
	// DefaultDebounce collapses keystrokes before a typing intent is sent.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultStopAfter is the idle time after which stopTyping is sent.
	DefaultStopAfter = 3 * time.Second
	// DefaultRemoteExpiry force-clears a remote indicator whose stopTyping
	// never arrived.
	DefaultRemoteExpiry = 5 * time.Second
)

// Emitter sends an outbound event. It reports false when nothing was sent.
type Emitter interface {
	Emit(event string, payload any) bool
}

type remoteKey struct {
	userID string
	scope  string
}

type remoteEntry struct {
	state domain.TypingState
	timer clockwork.Timer
	seq   uint64
}

// Coordinator owns both directions of typing indicators for one session:
// the local user's outbound intent and the set of remote users currently
// typing.
type Coordinator struct {
	mu      sync.Mutex
	emitter Emitter
	clock   clockwork.Clock
	logger  *slog.Logger

	debounce     time.Duration
	stopAfter    time.Duration
	remoteExpiry time.Duration

	userID string
	scope  string

	// local side; timers whose generation is stale do nothing
	gen           uint64
	debounceTimer clockwork.Timer
	stopTimer     clockwork.Timer
	active        bool
	lastEmit      time.Time

	remote    map[remoteKey]*remoteEntry
	remoteSeq uint64

	onChange func(scope string, userIDs []string)
	stopped  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithTimings overrides the debounce, idle-stop and remote expiry intervals.
func WithTimings(debounce, stopAfter, remoteExpiry time.Duration) Option {
	return func(co *Coordinator) {
		co.debounce = debounce
		co.stopAfter = stopAfter
		co.remoteExpiry = remoteExpiry
	}
}

// WithOnChange registers an observer for the remote typing set of a scope.
func WithOnChange(fn func(scope string, userIDs []string)) Option {
	return func(co *Coordinator) { co.onChange = fn }
}

func New(emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		emitter:      emitter,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default().With("component", "typing"),
		debounce:     DefaultDebounce,
		stopAfter:    DefaultStopAfter,
		remoteExpiry: DefaultRemoteExpiry,
		remote:       make(map[remoteKey]*remoteEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind sets the local user and the scope outbound intents are sent for. A
// typing intent outstanding for the previous scope is stopped.
func (c *Coordinator) Bind(userID, scope string) {
	c.mu.Lock()
	if c.userID == userID && c.scope == scope {
		c.mu.Unlock()
		return
	}
	stop := c.cancelLocalLocked()
	c.userID, c.scope = userID, scope
	c.mu.Unlock()

	c.emitStop(stop)
}

// OnLocalInputChanged reports whether the local input box has text.
//
// Keystrokes inside the debounce interval collapse into one intent. The
// first intent sends typing; later ones only push the idle-stop deadline
// back, re-sending typing once per stop interval so remote expiry never
// fires while the user is still typing.
func (c *Coordinator) OnLocalInputChanged(hasText bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	if !hasText {
		stop := c.cancelLocalLocked()
		c.mu.Unlock()
		c.emitStop(stop)
		return
	}

	if c.debounceTimer == nil {
		gen := c.gen
		c.debounceTimer = c.clock.AfterFunc(c.debounce, func() { c.debounceFired(gen) })
	}
	c.mu.Unlock()
}

func (c *Coordinator) debounceFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.debounceTimer = nil

	now := c.clock.Now()
	send := !c.active || now.Sub(c.lastEmit) >= c.stopAfter
	c.active = true
	if send {
		c.lastEmit = now
	}

	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = c.clock.AfterFunc(c.stopAfter, func() { c.stopFired(gen) })
	payload := domain.TypingPayload{UserID: c.userID, Scope: c.scope}
	c.mu.Unlock()

	if send {
		c.emitter.Emit(domain.EventTyping, payload)
	}
}

// stopFired runs when the user has been idle for the stop interval. Any
// later keystroke bumps gen through cancelLocalLocked or restarts the
// timer, so a stale firing is recognised by comparing generations.
func (c *Coordinator) stopFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped || !c.active {
		c.mu.Unlock()
		return
	}
	if c.debounceTimer != nil {
		// Input arrived after the deadline was set; the pending debounce
		// will restart the stop timer.
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil
	c.active = false
	c.gen++
	payload := domain.TypingPayload{UserID: c.userID, Scope: c.scope}
	c.mu.Unlock()

	c.emitter.Emit(domain.EventStopTyping, payload)
}

// cancelLocalLocked drops both local timers. It returns the stopTyping
// payload to send when an intent was outstanding.
func (c *Coordinator) cancelLocalLocked() *domain.TypingPayload {
	c.gen++
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	if !c.active {
		return nil
	}
	c.active = false
	return &domain.TypingPayload{UserID: c.userID, Scope: c.scope}
}

func (c *Coordinator) emitStop(p *domain.TypingPayload) {
	if p == nil {
		return
	}
	c.emitter.Emit(domain.EventStopTyping, *p)
}

// LocalActive reports whether a typing intent is outstanding.
func (c *Coordinator) LocalActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OnRemoteTyping marks userID as typing in scope. A repeat refreshes the
// expiry instead of adding a second entry.
func (c *Coordinator) OnRemoteTyping(userID, scope string) {
	c.mu.Lock()
	if c.stopped || userID == "" || userID == c.userID {
		c.mu.Unlock()
		return
	}

	key := remoteKey{userID: userID, scope: scope}
	entry, existed := c.remote[key]
	if existed {
		entry.timer.Stop()
	} else {
		entry = &remoteEntry{state: domain.TypingState{UserID: userID, Scope: scope}}
		c.remote[key] = entry
	}
	c.remoteSeq++
	seq := c.remoteSeq
	entry.seq = seq
	entry.state.ExpiresAt = c.clock.Now().Add(c.remoteExpiry)
	entry.timer = c.clock.AfterFunc(c.remoteExpiry, func() { c.remoteExpired(key, seq) })

	var users []string
	if !existed {
		users = c.typingLocked(scope)
	}
	c.mu.Unlock()

	if !existed {
		c.notify(scope, users)
	}
}

// OnRemoteStopTyping clears userID's indicator in scope.
func (c *Coordinator) OnRemoteStopTyping(userID, scope string) {
	c.mu.Lock()
	key := remoteKey{userID: userID, scope: scope}
	entry, ok := c.remote[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.timer.Stop()
	delete(c.remote, key)
	users := c.typingLocked(scope)
	c.mu.Unlock()

	c.notify(scope, users)
}

func (c *Coordinator) remoteExpired(key remoteKey, seq uint64) {
	c.mu.Lock()
	entry, ok := c.remote[key]
	if !ok || entry.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.remote, key)
	users := c.typingLocked(key.scope)
	c.mu.Unlock()

	c.logger.Debug("remote typing expired", "user_id", key.userID, "scope", key.scope)
	c.notify(key.scope, users)
}

// Typing returns the users currently typing in scope, sorted.
func (c *Coordinator) Typing(scope string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked(scope)
}

func (c *Coordinator) typingLocked(scope string) []string {
	var users []string
	for k := range c.remote {
		if k.scope == scope {
			users = append(users, k.userID)
		}
	}
	slices.Sort(users)
	return users
}

// IsTyping reports whether userID is currently typing in scope.
func (c *Coordinator) IsTyping(userID, scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.remote[remoteKey{userID: userID, scope: scope}]
	return ok
}

// States returns a copy of every remote typing state.
func (c *Coordinator) States() []domain.TypingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TypingState, 0, len(c.remote))
	for _, e := range c.remote {
		out = append(out, e.state)
	}
	return out
}

func (c *Coordinator) notify(scope string, users []string) {
	if c.onChange != nil {
		c.onChange(scope, users)
	}
}

// Reset clears remote indicators, e.g. after a reconnect when stopTyping
// events may have been missed. Local intent is left alone.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	scopes := make(map[string]struct{})
	for k, e := range c.remote {
		e.timer.Stop()
		scopes[k.scope] = struct{}{}
	}
	clear(c.remote)
	c.mu.Unlock()

	for scope := range scopes {
		c.notify(scope, nil)
	}
}

// Stop cancels every timer. An outstanding local intent is closed with a
// final stopTyping; nothing fires afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	stop := c.cancelLocalLocked()
	c.stopped = true
	for _, e := range c.remote {
		e.timer.Stop()
	}
	clear(c.remote)
	c.mu.Unlock()

	c.emitStop(stop)
}
