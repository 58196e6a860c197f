package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL is how long a presence key lives without being rewritten.
const DefaultRedisTTL = 2 * time.Minute

// RedisStore keeps presence as JSON under <prefix>:presence:<userID> with a
// TTL, so a client that vanishes without a goodbye eventually reads as
// unknown to everyone else.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type redisRecord struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

// Put implements RemoteStore.
func (s *RedisStore) Put(ctx context.Context, rec domain.PresenceRecord) error {
	status := StatusOffline
	if rec.IsOnline {
		status = StatusOnline
	}
	b, err := json.Marshal(redisRecord{Status: status, LastSeen: rec.LastSeenAt})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.UserID), b, s.ttl).Err()
}

// Get implements RemoteStore. Users without a live key are skipped.
func (s *RedisStore) Get(ctx context.Context, userIDs []string) ([]domain.PresenceRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = s.key(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	out := make([]domain.PresenceRecord, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRedisRecord(userIDs[i], raw)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Lookup reads a single user. It returns domain.ErrNotFound when no key
// exists.
func (s *RedisStore) Lookup(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PresenceRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	return decodeRedisRecord(userID, raw)
}

func decodeRedisRecord(userID, raw string) (domain.PresenceRecord, error) {
	var r redisRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("decode presence for %s: %w", userID, err)
	}
	return domain.PresenceRecord{
		UserID:     userID,
		IsOnline:   r.Status == StatusOnline,
		LastSeenAt: r.LastSeen,
	}, nil
}
