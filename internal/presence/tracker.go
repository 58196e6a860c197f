package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/domain"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

const (
	// DefaultRefreshInterval is how often tracked users are re-read from the
	// remote store.
	DefaultRefreshInterval = 30 * time.Second

	// DefaultRemoteTimeout bounds a single fire-and-forget remote write.
	DefaultRemoteTimeout = 5 * time.Second
)

// RemoteStore persists presence outside the process so other clients and
// tools can read it. Writes are best effort.
type RemoteStore interface {
	Put(ctx context.Context, rec domain.PresenceRecord) error
	Get(ctx context.Context, userIDs []string) ([]domain.PresenceRecord, error)
}

// Tracker keeps the last known presence of every user it has heard about.
// Updates are monotonic: an update older than the stored LastSeenAt is
// dropped, so out-of-order events cannot roll a user back.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]domain.PresenceRecord

	remote          RemoteStore
	clock           clockwork.Clock
	logger          *slog.Logger
	refreshInterval time.Duration
	remoteTimeout   time.Duration
	onChange        func(domain.PresenceRecord)

	// Remote writes are serialized per user. queued holds the newest record
	// not yet written, writing marks users with a drain goroutine running.
	wmu     sync.Mutex
	queued  map[string]domain.PresenceRecord
	writing map[string]bool
	writes  sync.WaitGroup

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option is a function that configures a Tracker.
type Option func(*Tracker)

// WithRemoteStore enables write-through and periodic refresh.
func WithRemoteStore(r RemoteStore) Option {
	return func(t *Tracker) { t.remote = r }
}

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithRefreshInterval sets how often the remote store is polled.
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Tracker) { t.refreshInterval = d }
}

// WithOnChange registers an observer called after every applied change,
// outside the tracker's lock.
func WithOnChange(fn func(domain.PresenceRecord)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker creates an empty tracker. Call Start to begin refreshing from
// the remote store and Stop to release it.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		records:         make(map[string]domain.PresenceRecord),
		queued:          make(map[string]domain.PresenceRecord),
		writing:         make(map[string]bool),
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default().With("component", "presence"),
		refreshInterval: DefaultRefreshInterval,
		remoteTimeout:   DefaultRemoteTimeout,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkOnline records userID as online at at. It reports whether the update
// was applied.
func (t *Tracker) MarkOnline(userID string, at time.Time) bool {
	return t.apply(domain.PresenceRecord{UserID: userID, IsOnline: true, LastSeenAt: at}, true)
}

// MarkOffline records userID as offline, last seen at at.
func (t *Tracker) MarkOffline(userID string, at time.Time) bool {
	return t.apply(domain.PresenceRecord{UserID: userID, IsOnline: false, LastSeenAt: at}, true)
}

func (t *Tracker) apply(rec domain.PresenceRecord, persist bool) bool {
	if rec.UserID == "" {
		return false
	}

	t.mu.Lock()
	cur, ok := t.records[rec.UserID]
	if ok && rec.LastSeenAt.Before(cur.LastSeenAt) {
		t.mu.Unlock()
		t.logger.Debug("dropping stale presence update",
			"user_id", rec.UserID,
			"at", rec.LastSeenAt,
			"last_seen", cur.LastSeenAt)
		return false
	}
	if ok && cur == rec {
		t.mu.Unlock()
		return false
	}
	t.records[rec.UserID] = rec
	if persist {
		t.persist(rec)
	}
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(rec)
	}
	return true
}

// Reconcile applies a server snapshot of online users. Everyone listed is
// online now. Tracked users missing from the list go offline as of now,
// or as of their recorded LastSeenAt if that is later.
func (t *Tracker) Reconcile(knownOnline []string) {
	now := t.clock.Now()
	online := make(map[string]struct{}, len(knownOnline))
	for _, id := range knownOnline {
		online[id] = struct{}{}
		t.MarkOnline(id, now)
	}

	t.mu.RLock()
	var gone []domain.PresenceRecord
	for id, rec := range t.records {
		if _, ok := online[id]; !ok && rec.IsOnline {
			gone = append(gone, rec)
		}
	}
	t.mu.RUnlock()

	for _, rec := range gone {
		rec.IsOnline = false
		if now.After(rec.LastSeenAt) {
			rec.LastSeenAt = now
		}
		t.apply(rec, true)
	}

	t.logger.Debug("presence reconciled", "online", len(knownOnline), "went_offline", len(gone))
}

// IsOnline reports the last known online state; unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[userID].IsOnline
}

// LastSeen returns the last time userID was seen and whether a record exists.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec.LastSeenAt, ok
}

// Record returns a copy of the stored record for userID.
func (t *Tracker) Record(userID string) (domain.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// FormattedLastSeen renders the presence of userID for display.
func (t *Tracker) FormattedLastSeen(userID string) string {
	rec, ok := t.Record(userID)
	if !ok {
		return LabelUnknown
	}
	return FormatLastSeen(rec, t.clock.Now())
}

// Snapshot returns every record ordered by user ID.
func (t *Tracker) Snapshot() []domain.PresenceRecord {
	t.mu.RLock()
	out := make([]domain.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.PresenceRecord) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// persist queues rec for the remote store without blocking the caller.
// Called with t.mu held so records are queued in the order applied. At
// most one write per user is in flight; records queued meanwhile collapse
// to the newest.
func (t *Tracker) persist(rec domain.PresenceRecord) {
	if t.remote == nil {
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.queued[rec.UserID] = rec
	if t.writing[rec.UserID] {
		return
	}
	t.writing[rec.UserID] = true
	t.writes.Add(1)
	go t.drain(rec.UserID)
}

func (t *Tracker) drain(userID string) {
	defer t.writes.Done()
	for {
		t.wmu.Lock()
		rec, ok := t.queued[userID]
		if !ok {
			delete(t.writing, userID)
			t.wmu.Unlock()
			return
		}
		delete(t.queued, userID)
		t.wmu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), t.remoteTimeout)
		if err := t.remote.Put(ctx, rec); err != nil {
			t.logger.Warn("remote presence write failed", "user_id", rec.UserID, "error", err)
		}
		cancel()
	}
}

// Start launches the refresh loop. It is a no-op without a remote store.
func (t *Tracker) Start() {
	if t.remote == nil {
		return
	}
	t.startOnce.Do(func() {
		go t.refreshLoop()
	})
}

func (t *Tracker) refreshLoop() {
	defer close(t.done)
	ticker := t.clock.NewTicker(t.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.Refresh(context.Background())
		case <-t.stop:
			return
		}
	}
}

// Refresh pulls every tracked user from the remote store and merges the
// results with the same monotonic rule as local updates.
func (t *Tracker) Refresh(ctx context.Context) {
	if t.remote == nil {
		return
	}

	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()
	recs, err := t.remote.Get(ctx, ids)
	if err != nil {
		t.logger.Warn("presence refresh failed", "users", len(ids), "error", err)
		return
	}
	for _, rec := range recs {
		t.apply(rec, false)
	}
}

// Stop ends the refresh loop and waits for in-flight remote writes.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	// A loop that never started has nothing to wait for.
	t.startOnce.Do(func() { close(t.done) })
	<-t.done
	t.writes.Wait()
}
