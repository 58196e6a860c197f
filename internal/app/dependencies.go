package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/cache"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/connection"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/restapi"
	"github.com/nfrund/chatsync/internal/stream"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// Dependencies holds the collaborators the core is built from.
// This struct is passed from the entrypoint so tests can swap any of them.
type Dependencies struct {
	Dialer        transport.Dialer
	Backend       stream.Backend
	Store         cache.Store
	PresenceStore presence.RemoteStore // optional
	Bus           pubsub.Bus           // optional; the connection owns one otherwise
	Metrics       *metrics.Metrics     // optional

	Clock       clockwork.Clock
	Logger      *slog.Logger
	Connection  connection.Config
	CacheWindow time.Duration
	UserID      string
	PageSize    int

	OnDelta       func(stream.Delta)
	OnTyping      func(scope string, userIDs []string)
	OnPresence    func(domain.PresenceRecord)
	OnStateChange func(from, to domain.ConnState)
	// OnAuthError fires once when the server rejects the credential on a
	// reconnect. The session is gone afterwards.
	OnAuthError func(error)
}

// FromConfig builds production dependencies from cfg. reg may be nil to
// skip metrics. The returned closer releases what FromConfig opened that
// the core does not own.
func FromConfig(cfg *config.Config, reg prometheus.Registerer) (Dependencies, func() error, error) {
	deps := Dependencies{
		Dialer:  &transport.WebSocketDialer{URL: cfg.SocketURL},
		Backend: restapi.New(cfg.APIURL, restapi.WithToken(cfg.Token)),
		Connection: connection.Config{
			BaseDelay:         cfg.Reconnect.Base,
			MaxDelay:          cfg.Reconnect.Cap,
			MaxAttempts:       cfg.Reconnect.MaxAttempts,
			SlowRetryInterval: cfg.Reconnect.SlowInterval,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			PongTimeout:       cfg.Heartbeat.Timeout,
		},
		CacheWindow: cfg.Cache.Window,
		UserID:      cfg.UserID,
		PageSize:    cfg.PageSize,
	}

	store, err := OpenStore(cfg.Cache)
	if err != nil {
		return Dependencies{}, nil, err
	}
	deps.Store = store

	closer := func() error { return nil }
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		deps.PresenceStore = presence.NewRedisStore(client, cfg.Redis.Prefix, cfg.Redis.TTL)
		closer = client.Close
	}

	if reg != nil {
		m := metrics.New()
		if err := m.Register(reg); err != nil {
			_ = closer()
			_ = store.Close()
			return Dependencies{}, nil, fmt.Errorf("register metrics: %w", err)
		}
		deps.Metrics = m
	}
	return deps, closer, nil
}

// OpenStore opens the snapshot backend named by cfg.Backend.
func OpenStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "pebble":
		return cache.OpenPebbleStore(cfg.Dir, vfs.Default)
	case "file", "":
		return cache.NewFileStore(afero.NewOsFs(), cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
