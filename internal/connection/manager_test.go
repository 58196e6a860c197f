package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	in       chan transport.Envelope
	errc     chan error
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	written  []transport.Envelope
	autoPong bool
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		in:       make(chan transport.Envelope, 16),
		errc:     make(chan error, 1),
		done:     make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) Read(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case err := <-c.errc:
		return transport.Envelope{}, err
	case <-c.done:
		return transport.Envelope{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env transport.Envelope) error {
	c.mu.Lock()
	c.written = append(c.written, env)
	pong := c.autoPong
	c.mu.Unlock()

	if env.Event == domain.EventPing && pong {
		reply, _ := transport.NewEnvelope(domain.EventPong, json.RawMessage(env.Data))
		c.in <- reply
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, env := range c.written {
		out = append(out, env.Event)
	}
	return out
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) setAutoPong(v bool) {
	c.mu.Lock()
	c.autoPong = v
	c.mu.Unlock()
}

// drop makes the pending Read fail as if the network went away.
func (c *fakeConn) drop() { c.errc <- errors.New("connection reset by peer") }

type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*fakeConn
	dials    int
	gate     chan struct{}
	entered  chan struct{}
	autoPong bool
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	gate, entered := d.gate, d.entered
	d.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn(d.autoPong)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type retryLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryLog) record(_ int, d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
}

func (r *retryLog) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestManager(t *testing.T, d *fakeDialer, opts ...Option) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := New(d, append([]Option{WithClock(clock), WithUserID("alice")}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func TestRetryDelay(t *testing.T) {
	var cfg Config
	cfg.defaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.retryDelay(tt.attempt))
		})
	}
}

func TestConnect(t *testing.T) {
	t.Run("joins scope and user room", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(t, d)

		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		assert.Equal(t, domain.StateConnected, m.State())
		assert.Equal(t, []string{domain.EventJoinChat, domain.EventJoinUserRoom}, d.last().events())

		s, ok := m.Session()
		require.True(t, ok)
		assert.Equal(t, "room-1", s.Scope)
		assert.Equal(t, "alice", s.UserID)
		assert.NotEmpty(t, s.SessionID)
	})

	t.Run("same scope is a no-op", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(t, d)

		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		assert.Equal(t, 1, d.dialCount())
	})

	t.Run("new scope replaces the session", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(t, d)

		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		first := d.last()
		require.NoError(t, m.Connect(context.Background(), "tok", "room-2"))

		assert.True(t, first.closed())
		assert.Equal(t, 2, d.dialCount())
		s, _ := m.Session()
		assert.Equal(t, "room-2", s.Scope)
	})

	t.Run("user id falls back to token subject", func(t *testing.T) {
		d := &fakeDialer{}
		clock := clockwork.NewFakeClock()
		m := New(d, WithClock(clock))
		t.Cleanup(func() { _ = m.Close() })

		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "bob",
			"exp": clock.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("k"))
		require.NoError(t, err)

		require.NoError(t, m.Connect(context.Background(), tok, "room-1"))
		s, _ := m.Session()
		assert.Equal(t, "bob", s.UserID)
	})
}

func TestConnectAuthFailure(t *testing.T) {
	t.Run("empty token never dials", func(t *testing.T) {
		d := &fakeDialer{}
		m, _ := newTestManager(t, d)

		err := m.Connect(context.Background(), "", "room-1")
		assert.ErrorIs(t, err, domain.ErrAuth)
		assert.Zero(t, d.dialCount())
		assert.Equal(t, domain.StateIdle, m.State())
	})

	t.Run("rejected handshake is not retried", func(t *testing.T) {
		d := &fakeDialer{}
		d.failNext(fmt.Errorf("dial: %w", domain.ErrAuth))
		var retries retryLog
		m, clock := newTestManager(t, d, WithOnRetry(retries.record))

		err := m.Connect(context.Background(), "tok", "room-1")
		assert.ErrorIs(t, err, domain.ErrAuth)
		assert.Equal(t, domain.StateIdle, m.State())

		clock.Advance(time.Minute)
		assert.Equal(t, 1, d.dialCount())
		assert.Empty(t, retries.get())
	})

	t.Run("rejected on reconnect is reported once", func(t *testing.T) {
		d := &fakeDialer{}
		var mu sync.Mutex
		var authErrs []error
		m, clock := newTestManager(t, d, WithOnAuthError(func(err error) {
			mu.Lock()
			authErrs = append(authErrs, err)
			mu.Unlock()
		}))

		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		d.failNext(domain.ErrAuth)
		d.last().drop()

		require.Eventually(t, func() bool { return m.State() == domain.StateReconnecting }, waitFor, tick)
		blockUntil(t, clock, 1)
		clock.Advance(time.Second)

		require.Eventually(t, func() bool { return m.State() == domain.StateIdle }, waitFor, tick)
		clock.Advance(time.Minute)
		assert.Equal(t, 2, d.dialCount())
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, authErrs, 1)
		assert.ErrorIs(t, authErrs[0], domain.ErrAuth)
	})
}

func TestFirstDialFailureKeepsRetrying(t *testing.T) {
	d := &fakeDialer{}
	d.failNext(errors.New("no route to host"))
	m, clock := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	assert.Equal(t, domain.StateReconnecting, m.State())

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return m.State() == domain.StateConnected }, waitFor, tick)
}

func TestReconnectBackoff(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	var retries retryLog
	m, clock := newTestManager(t, d, WithOnRetry(retries.record))

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	d.failNext(errors.New("refused"), errors.New("refused"), errors.New("refused"))
	d.last().drop()
	require.Eventually(t, func() bool { return m.State() == domain.StateReconnecting }, waitFor, tick)

	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		blockUntil(t, clock, 1)
		clock.Advance(wait)
		want := i + 2
		require.Eventually(t, func() bool { return d.dialCount() == want }, waitFor, tick)
	}

	require.Eventually(t, func() bool { return m.State() == domain.StateConnected }, waitFor, tick)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, retries.get())

	s, _ := m.Session()
	assert.Zero(t, s.RetryCount)
	assert.Equal(t, clock.Now(), s.LastHeartbeatAt)
	assert.Eventually(t, func() bool { return d.last().count(domain.EventJoinUserRoom) == 1 }, waitFor, tick)
	assert.Equal(t, []string{domain.EventJoinChat, domain.EventJoinUserRoom}, d.last().events())

	// Heartbeat is armed on the new connection.
	blockUntil(t, clock, 1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return d.last().count(domain.EventPing) == 1 }, waitFor, tick)
}

func TestSlowRetryAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	var retries retryLog
	m, clock := newTestManager(t, d, WithOnRetry(retries.record))

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	for range 6 {
		d.failNext(errors.New("refused"))
	}
	d.last().drop()

	waits := []time.Duration{1, 2, 4, 8, 10, 30}
	for i, w := range waits {
		blockUntil(t, clock, 1)
		clock.Advance(w * time.Second)
		want := i + 2
		require.Eventually(t, func() bool { return d.dialCount() == want }, waitFor, tick)
	}

	require.Eventually(t, func() bool { return len(retries.get()) == 7 }, waitFor, tick)
	got := retries.get()
	assert.Equal(t, 30*time.Second, got[5])
	assert.Equal(t, 30*time.Second, got[6])
	assert.Equal(t, domain.StateReconnecting, m.State())
}

func TestHeartbeat(t *testing.T) {
	t.Run("pong refreshes liveness", func(t *testing.T) {
		d := &fakeDialer{autoPong: true}
		var mu sync.Mutex
		var results []bool
		m, clock := newTestManager(t, d, WithOnHeartbeat(func(ok bool) {
			mu.Lock()
			results = append(results, ok)
			mu.Unlock()
		}))
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))

		blockUntil(t, clock, 1)
		clock.Advance(30 * time.Second)

		require.Eventually(t, func() bool {
			s, _ := m.Session()
			return s.LastHeartbeatAt.Equal(clock.Now())
		}, waitFor, tick)
		assert.Equal(t, domain.StateConnected, m.State())
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(results) == 1 && results[0]
		}, waitFor, tick)
	})

	t.Run("missing pong drops the connection", func(t *testing.T) {
		d := &fakeDialer{}
		m, clock := newTestManager(t, d)
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		conn := d.last()

		blockUntil(t, clock, 1)
		clock.Advance(30 * time.Second)
		require.Eventually(t, func() bool { return conn.count(domain.EventPing) == 1 }, waitFor, tick)

		blockUntil(t, clock, 1)
		clock.Advance(10 * time.Second)
		require.Eventually(t, func() bool { return m.State() == domain.StateReconnecting }, waitFor, tick)
		assert.Eventually(t, conn.closed, waitFor, tick)
	})

	t.Run("pong is not forwarded as an event", func(t *testing.T) {
		d := &fakeDialer{autoPong: true}
		m, clock := newTestManager(t, d)

		var mu sync.Mutex
		var got []string
		require.NoError(t, m.OnEvent(func(_ context.Context, event string, _ json.RawMessage) error {
			mu.Lock()
			got = append(got, event)
			mu.Unlock()
			return nil
		}))
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))

		blockUntil(t, clock, 1)
		clock.Advance(30 * time.Second)
		require.Eventually(t, func() bool {
			s, _ := m.Session()
			return s.LastHeartbeatAt.Equal(clock.Now())
		}, waitFor, tick)

		env, _ := transport.NewEnvelope(domain.EventTyping, domain.TypingPayload{UserID: "bob", Scope: "room-1"})
		d.last().in <- env
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, waitFor, tick)
		mu.Lock()
		assert.Equal(t, []string{domain.EventTyping}, got)
		mu.Unlock()
	})
}

func TestForeground(t *testing.T) {
	t.Run("background suspends heartbeat", func(t *testing.T) {
		d := &fakeDialer{autoPong: true}
		m, clock := newTestManager(t, d)
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
		blockUntil(t, clock, 1)

		m.SetForeground(false)
		clock.Advance(2 * time.Minute)
		assert.Zero(t, d.last().count(domain.EventPing))
		assert.Equal(t, domain.StateConnected, m.State())

		m.SetForeground(true)
		blockUntil(t, clock, 1)
		clock.Advance(30 * time.Second)
		require.Eventually(t, func() bool { return d.last().count(domain.EventPing) == 1 }, waitFor, tick)
	})

	t.Run("foreground skips the backoff wait", func(t *testing.T) {
		d := &fakeDialer{}
		m, clock := newTestManager(t, d)
		require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))

		d.failNext(errors.New("refused"))
		m.SetForeground(false)
		d.last().drop()
		require.Eventually(t, func() bool { return m.State() == domain.StateReconnecting }, waitFor, tick)
		blockUntil(t, clock, 1)
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return d.dialCount() == 2 }, waitFor, tick)

		// Next wait is 2s; foregrounding retries without advancing the clock.
		blockUntil(t, clock, 1)
		m.SetForeground(true)
		require.Eventually(t, func() bool { return m.State() == domain.StateConnected }, waitFor, tick)
		assert.Equal(t, 3, d.dialCount())
	})
}

func TestDisconnectDuringDial(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{}
	d.failNext(errors.New("refused"))
	m, clock := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	entered := make(chan struct{}, 1)
	d.mu.Lock()
	d.gate, d.entered = gate, entered
	d.mu.Unlock()

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("retry never dialed")
	}
	m.Disconnect()
	close(gate)

	require.Eventually(t, func() bool { return d.last() != nil }, waitFor, tick)
	assert.Eventually(t, func() bool { return d.last().closed() }, waitFor, tick)
	assert.Equal(t, domain.StateIdle, m.State())
	_, ok := m.Session()
	assert.False(t, ok)
}

func TestEmit(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	assert.False(t, m.Emit(domain.EventTyping, domain.TypingPayload{UserID: "alice", Scope: "room-1"}))

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	assert.True(t, m.Emit(domain.EventTyping, domain.TypingPayload{UserID: "alice", Scope: "room-1"}))
	assert.Equal(t, 1, d.last().count(domain.EventTyping))

	m.Disconnect()
	assert.False(t, m.Emit(domain.EventStopTyping, domain.TypingPayload{UserID: "alice", Scope: "room-1"}))
}

func TestInboundOrder(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	var mu sync.Mutex
	var ids []string
	require.NoError(t, m.OnEvent(func(_ context.Context, event string, data json.RawMessage) error {
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		mu.Lock()
		ids = append(ids, msg.ID)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))

	var want []string
	for i := range 10 {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		env, err := transport.NewEnvelope(domain.EventReceiveMessage, domain.Message{ID: id, Scope: "room-1"})
		require.NoError(t, err)
		d.last().in <- env
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == len(want)
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, want, ids)
	mu.Unlock()
}

func TestStateChanges(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var seen []domain.ConnState
	m, clock := newTestManager(t, d, WithOnStateChange(func(_, to domain.ConnState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}))

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	require.NoError(t, m.Connect(context.Background(), "tok", "room-1"))
	d.last().drop()
	require.Eventually(t, func() bool { return count() == 3 }, waitFor, tick)
	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return count() == 4 }, waitFor, tick)
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnState{
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateReconnecting,
		domain.StateConnected,
		domain.StateIdle,
	}, seen)
}
