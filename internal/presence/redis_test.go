package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "chatsync", time.Minute), mr
}

func TestRedisStore_PutGet(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, domain.PresenceRecord{UserID: "u1", IsOnline: true, LastSeenAt: seen}))
	require.NoError(t, store.Put(ctx, domain.PresenceRecord{UserID: "u2", IsOnline: false, LastSeenAt: seen}))

	assert.True(t, mr.Exists("chatsync:presence:u1"))
	assert.Equal(t, time.Minute, mr.TTL("chatsync:presence:u1"))

	recs, err := store.Get(ctx, []string{"u1", "missing", "u2"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "u1", recs[0].UserID)
	assert.True(t, recs[0].IsOnline)
	assert.True(t, recs[0].LastSeenAt.Equal(seen))
	assert.Equal(t, "u2", recs[1].UserID)
	assert.False(t, recs[1].IsOnline)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, domain.PresenceRecord{UserID: "u1", IsOnline: true, LastSeenAt: time.Now()}))
	_, err := store.Lookup(ctx, "u1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Lookup(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	recs, err := store.Get(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisStore_SkipsGarbage(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("chatsync:presence:u1", "{not json"))

	recs, err := store.Get(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
