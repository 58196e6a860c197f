package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func messages(n int) []domain.Message {
	out := make([]domain.Message, n)
	for i := range out {
		out[i] = domain.Message{ID: string(rune('a' + i)), CreatedAt: t0.Add(time.Duration(i) * time.Second), Content: "hi"}
	}
	return out
}

func TestFetchPage(t *testing.T) {
	t.Run("envelope response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/chats/room-1/messages", r.URL.Path)
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(domain.HistoryPage{Messages: messages(3), HasMore: false})
		}))
		defer srv.Close()

		c := New(srv.URL+"/api/", WithToken("tok"))
		page, err := c.FetchPage(context.Background(), "room-1", 2, 3)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 3)
		assert.False(t, page.HasMore)
		assert.Equal(t, "room-1", page.Messages[0].Scope)
	})

	t.Run("legacy array infers hasMore", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(messages(2))
		}))
		defer srv.Close()

		c := New(srv.URL)
		page, err := c.FetchPage(context.Background(), "room-1", 1, 2)
		require.NoError(t, err)
		assert.True(t, page.HasMore)

		page, err = c.FetchPage(context.Background(), "room-1", 1, 5)
		require.NoError(t, err)
		assert.False(t, page.HasMore)
	})

	t.Run("scope is path escaped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chats/group%2F7/messages", r.URL.EscapedPath())
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		_, err := New(srv.URL).FetchPage(context.Background(), "group/7", 1, 20)
		require.NoError(t, err)
	})
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrAuth) }},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrAuth) }},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrNotFound) }},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, http.StatusBadGateway, se.StatusCode)
			assert.Equal(t, "upstream down", se.Body)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream down", tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL).FetchPage(context.Background(), "room-1", 1, 20)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestSend(t *testing.T) {
	draft := domain.Draft{Scope: "room-1", SenderID: "alice", Content: "hello", Kind: domain.KindText, ReplyToID: "m1"}

	t.Run("bare message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var req sendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hello", req.Content)
			assert.Equal(t, "m1", req.ReplyToID)
			assert.Equal(t, "c-1", req.ClientID)
			_ = json.NewEncoder(w).Encode(domain.Message{ID: "srv-1", SenderID: "alice", Content: req.Content, CreatedAt: t0})
		}))
		defer srv.Close()

		msg, err := New(srv.URL).Send(context.Background(), draft, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "srv-1", msg.ID)
		assert.Equal(t, "room-1", msg.Scope)
		assert.Equal(t, "c-1", msg.ClientID)
	})

	t.Run("wrapped message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": domain.Message{ID: "srv-2", Scope: "room-1", Content: "hello", CreatedAt: t0},
			})
		}))
		defer srv.Close()

		msg, err := New(srv.URL).Send(context.Background(), draft, "c-2")
		require.NoError(t, err)
		assert.Equal(t, "srv-2", msg.ID)
		assert.True(t, msg.CreatedAt.Equal(t0))
	})

	t.Run("missing id is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"content":"hello"}`))
		}))
		defer srv.Close()

		_, err := New(srv.URL).Send(context.Background(), draft, "c-3")
		assert.Error(t, err)
	})
}

func TestBreaker(t *testing.T) {
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := New(srv.URL, WithBreaker(BreakerSettings{MaxFailures: 2, OpenTimeout: time.Hour}))
	for range 2 {
		_, err := c.FetchPage(context.Background(), "room-1", 1, 20)
		require.Error(t, err)
	}

	_, err := c.FetchPage(context.Background(), "room-1", 1, 20)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, hits.Load())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, WithBreaker(BreakerSettings{MaxFailures: 1, OpenTimeout: time.Hour}))
	for range 3 {
		_, err := c.FetchPage(context.Background(), "room-1", 1, 20)
		assert.ErrorIs(t, err, domain.ErrAuth)
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestSetToken(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("old"))
	c.SetToken("new")
	_, err := c.FetchPage(context.Background(), "room-1", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, "Bearer new", got.Load())
}
