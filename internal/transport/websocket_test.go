package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers ping with pong and records the Authorization header.
func echoServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		auth <- r.Header.Get("Authorization")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			var env Envelope
			if err := wsjson.Read(r.Context(), conn, &env); err != nil {
				return
			}
			if env.Event == domain.EventPing {
				env.Event = domain.EventPong
			}
			if err := wsjson.Write(r.Context(), conn, env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	srv, auth := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &WebSocketDialer{URL: wsURL(srv)}
	conn, err := d.Dial(ctx, "tok-123")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer tok-123", <-auth)

	ping, err := NewEnvelope(domain.EventPing, domain.HeartbeatPayload{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, ping))

	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPong, got.Event)

	var hb domain.HeartbeatPayload
	require.NoError(t, got.Decode(&hb))
	assert.Equal(t, "p1", hb.ID)

	assert.NoError(t, conn.Close())
}

func TestWebSocketDialer_AuthRejected(t *testing.T) {
	srv, _ := echoServer(t)
	d := &WebSocketDialer{URL: wsURL(srv)}

	_, err := d.Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestWebSocketDialer_Unreachable(t *testing.T) {
	srv, _ := echoServer(t)
	url := wsURL(srv)
	srv.Close()

	_, err := (&WebSocketDialer{URL: url}).Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuth)
}

func TestEnvelope(t *testing.T) {
	env, err := NewEnvelope(domain.EventJoinChat, domain.JoinChatPayload{Scope: "chat-1"})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"joinChat","data":{"scope":"chat-1"}}`, string(b))

	bare, err := NewEnvelope(domain.EventPong, nil)
	require.NoError(t, err)
	assert.Error(t, bare.Decode(&struct{}{}))

	raw, err := NewEnvelope("x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw.Data))
}
