package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nfrund/chatsync/internal/domain"
	"golang.org/x/time/rate"
)

// scopeState is the ordered, de-duplicated stream of one scope.
type scopeState struct {
	msgs      []domain.Message     // sorted by (CreatedAt, ID)
	created   map[string]time.Time // id -> CreatedAt, locates an entry by binary search
	clientIDs map[string]string    // correlation id -> tentative entry id

	loaded   bool
	hasMore  bool
	lastPage int

	// gen is bumped whenever the stream is replaced; results started under
	// an older gen are discarded.
	gen         uint64
	loadingMore bool
	limiter     *rate.Limiter

	// page-1 bookkeeping: pushes that arrive while a reload is in flight
	// are carried into the replacement stream.
	page1Seq      uint64
	page1InFlight int
	pushed        map[string]struct{}
}

// Synchronizer merges paginated history, live pushes and optimistic sends
// into one ordered stream per scope.
type Synchronizer struct {
	mu     sync.Mutex
	scopes map[string]*scopeState

	backend Backend
	emitter Emitter
	cache   Cache
	clock   clockwork.Clock
	logger  *slog.Logger

	loadMoreInterval time.Duration
	onDelta          func(Delta)
	onApplied        func(scope string, src Source, n int)
	onDuplicate      func(scope string)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithClock(c clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithCache enables snapshot writes and the page-1 fallback.
func WithCache(c Cache) Option {
	return func(s *Synchronizer) { s.cache = c }
}

// WithLoadMoreInterval overrides the minimum spacing between load-more calls.
func WithLoadMoreInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.loadMoreInterval = d }
}

// WithOnDelta registers the stream observer. It is called outside the lock.
func WithOnDelta(fn func(Delta)) Option {
	return func(s *Synchronizer) { s.onDelta = fn }
}

// WithOnApplied is called with the number of new messages merged from a source.
func WithOnApplied(fn func(scope string, src Source, n int)) Option {
	return func(s *Synchronizer) { s.onApplied = fn }
}

// WithOnDuplicate is called for every pushed message that was already present.
func WithOnDuplicate(fn func(scope string)) Option {
	return func(s *Synchronizer) { s.onDuplicate = fn }
}

func New(backend Backend, emitter Emitter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		scopes:           make(map[string]*scopeState),
		backend:          backend,
		emitter:          emitter,
		clock:            clockwork.NewRealClock(),
		logger:           slog.Default().With("component", "stream"),
		loadMoreInterval: DefaultLoadMoreInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) stateLocked(scope string) *scopeState {
	st, ok := s.scopes[scope]
	if !ok {
		st = &scopeState{
			created:   make(map[string]time.Time),
			clientIDs: make(map[string]string),
			limiter:   rate.NewLimiter(rate.Every(s.loadMoreInterval), 1),
		}
		s.scopes[scope] = st
	}
	return st
}

// current reports whether st is still the live state for scope at gen.
func (s *Synchronizer) currentLocked(scope string, st *scopeState, gen uint64) bool {
	return s.scopes[scope] == st && st.gen == gen
}

// LoadPage fetches page (1-based) of scope's history. Page 1 replaces the
// stream; later pages merge ids not yet present.
func (s *Synchronizer) LoadPage(ctx context.Context, scope string, page, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page <= 1 {
		return s.loadFirst(ctx, scope, pageSize)
	}
	return s.loadMore(ctx, scope, page, pageSize)
}

func (s *Synchronizer) loadFirst(ctx context.Context, scope string, pageSize int) (Page, error) {
	s.mu.Lock()
	st := s.stateLocked(scope)
	st.page1Seq++
	seq := st.page1Seq
	if st.page1InFlight == 0 {
		st.pushed = make(map[string]struct{})
	}
	st.page1InFlight++
	s.mu.Unlock()

	res, err := s.backend.FetchPage(ctx, scope, 1, pageSize)

	s.mu.Lock()
	st.page1InFlight--
	if s.scopes[scope] != st || seq != st.page1Seq {
		s.mu.Unlock()
		return Page{Number: 1}, domain.ErrStale
	}

	if err != nil {
		s.mu.Unlock()
		return s.fallbackToCache(scope, st, seq, err)
	}

	fetched := normalize(scope, res.Messages)
	next := s.carryOverLocked(st, fetched)
	s.replaceLocked(st, next)
	st.loaded = true
	st.lastPage = 1
	st.hasMore = len(res.Messages) == pageSize && res.HasMore
	snapshot := domain.CloneMessages(st.msgs)
	hasMore := st.hasMore
	s.mu.Unlock()

	s.logger.Debug("page loaded", "scope", scope, "page", 1, "fetched", len(fetched), "has_more", hasMore)
	s.applied(scope, SourcePage, len(fetched))
	s.emitDelta(Delta{Scope: scope, Kind: DeltaReset, Messages: snapshot})
	s.persist(scope, snapshot)
	return Page{Number: 1, Fetched: len(fetched), Added: len(fetched), HasMore: hasMore}, nil
}

// carryOverLocked returns fetched plus the entries of the current stream
// that must survive a page-1 replace: pushes that arrived during the fetch
// and tentative sends.
func (s *Synchronizer) carryOverLocked(st *scopeState, fetched []domain.Message) []domain.Message {
	seen := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		seen[m.ID] = struct{}{}
	}
	next := fetched
	for _, m := range st.msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		_, pushedDuringLoad := st.pushed[m.ID]
		if m.Pending || pushedDuringLoad {
			next = append(next, m)
		}
	}
	if st.page1InFlight == 0 {
		st.pushed = nil
	}
	return next
}

func (s *Synchronizer) fallbackToCache(scope string, st *scopeState, seq uint64, fetchErr error) (Page, error) {
	s.logger.Warn("page load failed", "scope", scope, "page", 1, "error", fetchErr)
	if s.cache == nil {
		return Page{Number: 1}, fmt.Errorf("load %s page 1: %w", scope, fetchErr)
	}

	cached, ok := s.cache.Read(scope)
	if !ok {
		return Page{Number: 1}, fmt.Errorf("load %s page 1: %w", scope, fetchErr)
	}

	s.mu.Lock()
	if s.scopes[scope] != st || seq != st.page1Seq {
		s.mu.Unlock()
		return Page{Number: 1}, domain.ErrStale
	}
	restored := normalize(scope, cached)
	s.replaceLocked(st, s.carryOverLocked(st, restored))
	// Network is down; the next page-1 call retries and load-more waits.
	st.loaded = false
	st.hasMore = false
	snapshot := domain.CloneMessages(st.msgs)
	s.mu.Unlock()

	s.logger.Info("stream restored from cache", "scope", scope, "messages", len(restored))
	s.applied(scope, SourceCache, len(restored))
	s.emitDelta(Delta{Scope: scope, Kind: DeltaReset, Messages: snapshot})
	return Page{Number: 1, Fetched: len(restored), Added: len(restored), FromCache: true}, nil
}

func (s *Synchronizer) loadMore(ctx context.Context, scope string, page, pageSize int) (Page, error) {
	s.mu.Lock()
	st := s.stateLocked(scope)
	if st.loaded && !st.hasMore {
		s.mu.Unlock()
		return Page{Number: page}, nil
	}
	if st.loadingMore {
		s.mu.Unlock()
		return Page{Number: page}, domain.ErrLoadInFlight
	}
	if !st.limiter.AllowN(s.clock.Now(), 1) {
		s.mu.Unlock()
		return Page{Number: page}, domain.ErrRateLimited
	}
	st.loadingMore = true
	gen := st.gen
	s.mu.Unlock()

	res, err := s.backend.FetchPage(ctx, scope, page, pageSize)

	s.mu.Lock()
	st.loadingMore = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("page load failed", "scope", scope, "page", page, "error", err)
		return Page{Number: page}, fmt.Errorf("load %s page %d: %w", scope, page, err)
	}
	if !s.currentLocked(scope, st, gen) {
		s.mu.Unlock()
		return Page{Number: page}, domain.ErrStale
	}

	fetched := normalize(scope, res.Messages)
	var added []domain.Message
	for _, m := range fetched {
		if _, ok := st.created[m.ID]; ok {
			continue
		}
		s.insertLocked(st, m)
		added = append(added, m.Clone())
	}
	st.lastPage = page
	st.hasMore = len(res.Messages) == pageSize && res.HasMore
	hasMore := st.hasMore
	var snapshot []domain.Message
	if len(added) > 0 {
		snapshot = domain.CloneMessages(st.msgs)
	}
	s.mu.Unlock()

	s.logger.Debug("page loaded", "scope", scope, "page", page, "fetched", len(fetched), "added", len(added), "has_more", hasMore)
	s.applied(scope, SourcePage, len(added))
	if len(added) > 0 {
		s.emitDelta(Delta{Scope: scope, Kind: DeltaInsert, Messages: added})
		s.persist(scope, snapshot)
	}
	return Page{Number: page, Fetched: len(fetched), Added: len(added), HasMore: hasMore}, nil
}

// ApplyPushed merges a message delivered by the socket. It returns false
// when the message was already present. A push carrying the correlation id
// of a tentative entry replaces that entry.
func (s *Synchronizer) ApplyPushed(msg domain.Message) bool {
	if msg.ID == "" {
		s.logger.Warn("dropping pushed message without id", "scope", msg.Scope)
		return false
	}
	msg = msg.Clone()
	msg.Normalize()
	msg.Pending = false
	scope := msg.Scope

	s.mu.Lock()
	st := s.stateLocked(scope)
	if _, dup := st.created[msg.ID]; dup {
		s.mu.Unlock()
		if s.onDuplicate != nil {
			s.onDuplicate(scope)
		}
		return false
	}

	var removed []domain.Message
	if msg.ClientID != "" {
		if localID, ok := st.clientIDs[msg.ClientID]; ok {
			if old, ok := s.removeLocked(st, localID); ok {
				removed = append(removed, old)
			}
		}
	}
	s.insertLocked(st, msg)
	if st.page1InFlight > 0 {
		st.pushed[msg.ID] = struct{}{}
	}
	snapshot := domain.CloneMessages(st.msgs)
	s.mu.Unlock()

	s.applied(scope, SourcePush, 1)
	if len(removed) > 0 {
		s.emitDelta(Delta{Scope: scope, Kind: DeltaRemove, Messages: removed})
	}
	s.emitDelta(Delta{Scope: scope, Kind: DeltaInsert, Messages: []domain.Message{msg.Clone()}})
	s.persist(scope, snapshot)
	return true
}

// SendMessage inserts a tentative entry, submits the draft and swaps the
// tentative entry for the server's message. On failure the tentative entry
// is removed and the error returned so the caller can restore its input.
func (s *Synchronizer) SendMessage(ctx context.Context, draft domain.Draft) (domain.Message, error) {
	if draft.Kind == "" {
		draft.Kind = domain.KindText
	}
	if err := draft.Validate(); err != nil {
		return domain.Message{}, err
	}

	clientID := uuid.NewString()
	tentative := domain.Message{
		ID:        domain.LocalIDPrefix + clientID,
		ClientID:  clientID,
		Scope:     draft.Scope,
		SenderID:  draft.SenderID,
		CreatedAt: s.clock.Now(),
		Content:   draft.Content,
		Kind:      draft.Kind,
		MediaURL:  draft.MediaURL,
		ReplyToID: draft.ReplyToID,
		Pending:   true,
	}

	s.mu.Lock()
	st := s.stateLocked(draft.Scope)
	s.insertLocked(st, tentative)
	s.mu.Unlock()
	s.emitDelta(Delta{Scope: draft.Scope, Kind: DeltaInsert, Messages: []domain.Message{tentative.Clone()}})

	confirmed, err := s.backend.Send(ctx, draft, clientID)

	s.mu.Lock()
	live := s.scopes[draft.Scope] == st
	old, hadTentative := s.removeLocked(st, tentative.ID)
	delete(st.clientIDs, clientID)

	if err != nil {
		s.mu.Unlock()
		if hadTentative {
			s.emitDelta(Delta{Scope: draft.Scope, Kind: DeltaRemove, Messages: []domain.Message{old}})
		}
		s.logger.Warn("send failed", "scope", draft.Scope, "client_id", clientID, "error", err)
		return domain.Message{}, fmt.Errorf("send to %s: %w", draft.Scope, err)
	}

	confirmed.Normalize()
	confirmed.Pending = false
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}
	if confirmed.Scope == "" {
		confirmed.Scope = draft.Scope
	}

	inserted := false
	if _, present := st.created[confirmed.ID]; live && !present {
		s.insertLocked(st, confirmed)
		inserted = true
	}
	var snapshot []domain.Message
	if live {
		snapshot = domain.CloneMessages(st.msgs)
	}
	s.mu.Unlock()

	if hadTentative {
		s.emitDelta(Delta{Scope: draft.Scope, Kind: DeltaRemove, Messages: []domain.Message{old}})
	}
	if inserted {
		s.applied(draft.Scope, SourceSend, 1)
		s.emitDelta(Delta{Scope: draft.Scope, Kind: DeltaInsert, Messages: []domain.Message{confirmed.Clone()}})
	}
	if live {
		s.persist(draft.Scope, snapshot)
	}
	return confirmed.Clone(), nil
}

// MarkRead marks every message in scope authored by someone other than
// userID as read by userID. at only stamps the emitted messageRead event,
// so messages whose server time runs ahead of the local clock are still
// marked. It returns the number of messages changed.
func (s *Synchronizer) MarkRead(scope, userID string, at time.Time) int {
	n := s.markRead(scope, userID, at)
	if n > 0 && s.emitter != nil {
		s.emitter.Emit(domain.EventMessageRead, domain.ReadReceiptPayload{UserID: userID, Scope: scope, At: at})
	}
	return n
}

// ApplyRemoteRead applies a read receipt received from another participant.
func (s *Synchronizer) ApplyRemoteRead(scope, userID string, at time.Time) int {
	return s.markRead(scope, userID, at)
}

func (s *Synchronizer) markRead(scope, userID string, at time.Time) int {
	if userID == "" {
		return 0
	}

	s.mu.Lock()
	st, ok := s.scopes[scope]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	var changed []domain.Message
	for i := range st.msgs {
		m := &st.msgs[i]
		if m.Pending || m.SenderID == userID {
			continue
		}
		if m.MarkReadBy(userID) {
			changed = append(changed, m.Clone())
		}
	}
	var snapshot []domain.Message
	if len(changed) > 0 {
		snapshot = domain.CloneMessages(st.msgs)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.emitDelta(Delta{Scope: scope, Kind: DeltaUpdate, Messages: changed})
		s.persist(scope, snapshot)
	}
	return len(changed)
}

// Revoke blanks the content of messageID in scope and flags it revoked.
// The entry keeps its position. Ids are only unique within a scope, so
// other scopes are never touched. It returns domain.ErrNotFound when the
// scope does not hold the message.
func (s *Synchronizer) Revoke(scope, messageID string) error {
	s.mu.Lock()
	st, ok := s.scopes[scope]
	i := -1
	if ok {
		i = s.findLocked(st, messageID)
	}
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("revoke %s in %s: %w", messageID, scope, domain.ErrNotFound)
	}
	m := &st.msgs[i]
	if m.Revoked {
		s.mu.Unlock()
		return nil
	}
	m.Revoked = true
	m.Content = ""
	m.MediaURL = ""
	updated := m.Clone()
	snapshot := domain.CloneMessages(st.msgs)
	s.mu.Unlock()

	s.emitDelta(Delta{Scope: scope, Kind: DeltaUpdate, Messages: []domain.Message{updated}})
	s.persist(scope, snapshot)
	return nil
}

// ReplyTo resolves the reply target of messageID. ok is false when the
// message has no reply target or the target is not loaded.
func (s *Synchronizer) ReplyTo(scope, messageID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return domain.Message{}, false
	}
	i := s.findLocked(st, messageID)
	if i < 0 || st.msgs[i].ReplyToID == "" {
		return domain.Message{}, false
	}
	j := s.findLocked(st, st.msgs[i].ReplyToID)
	if j < 0 {
		return domain.Message{}, false
	}
	return st.msgs[j].Clone(), true
}

// Dangling lists reply targets referenced in scope that are not loaded.
func (s *Synchronizer) Dangling(scope string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return nil
	}
	var out []string
	for _, m := range st.msgs {
		if m.ReplyToID == "" {
			continue
		}
		if _, loaded := st.created[m.ReplyToID]; !loaded {
			out = append(out, m.ReplyToID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Messages returns a copy of scope's stream in display order.
func (s *Synchronizer) Messages(scope string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return nil
	}
	return domain.CloneMessages(st.msgs)
}

// Message returns a copy of one entry.
func (s *Synchronizer) Message(scope, id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return domain.Message{}, false
	}
	i := s.findLocked(st, id)
	if i < 0 {
		return domain.Message{}, false
	}
	return st.msgs[i].Clone(), true
}

// HasMore reports whether older history may be available for scope.
func (s *Synchronizer) HasMore(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return true
	}
	return !st.loaded || st.hasMore
}

// Reset forgets scope. In-flight loads and sends for it complete without
// effect.
func (s *Synchronizer) Reset(scope string) {
	s.mu.Lock()
	delete(s.scopes, scope)
	s.mu.Unlock()
	s.emitDelta(Delta{Scope: scope, Kind: DeltaReset})
}

// Restore replaces scope's stream with msgs, e.g. from a cache snapshot.
func (s *Synchronizer) Restore(scope string, msgs []domain.Message) {
	restored := normalize(scope, msgs)
	s.mu.Lock()
	st := s.stateLocked(scope)
	s.replaceLocked(st, s.carryOverLocked(st, restored))
	snapshot := domain.CloneMessages(st.msgs)
	s.mu.Unlock()

	s.applied(scope, SourceCache, len(restored))
	s.emitDelta(Delta{Scope: scope, Kind: DeltaReset, Messages: snapshot})
}

func (s *Synchronizer) insertLocked(st *scopeState, m domain.Message) {
	i, _ := slices.BinarySearchFunc(st.msgs, m, domain.Compare)
	st.msgs = slices.Insert(st.msgs, i, m)
	st.created[m.ID] = m.CreatedAt
	if m.Pending && m.ClientID != "" {
		st.clientIDs[m.ClientID] = m.ID
	}
}

func (s *Synchronizer) findLocked(st *scopeState, id string) int {
	createdAt, ok := st.created[id]
	if !ok {
		return -1
	}
	i, found := slices.BinarySearchFunc(st.msgs, domain.Message{ID: id, CreatedAt: createdAt}, domain.Compare)
	if !found {
		return -1
	}
	return i
}

func (s *Synchronizer) removeLocked(st *scopeState, id string) (domain.Message, bool) {
	i := s.findLocked(st, id)
	if i < 0 {
		return domain.Message{}, false
	}
	old := st.msgs[i]
	st.msgs = slices.Delete(st.msgs, i, i+1)
	delete(st.created, id)
	if old.ClientID != "" && st.clientIDs[old.ClientID] == id {
		delete(st.clientIDs, old.ClientID)
	}
	return old, true
}

// replaceLocked swaps in msgs as the whole stream and starts a new generation.
func (s *Synchronizer) replaceLocked(st *scopeState, msgs []domain.Message) {
	slices.SortFunc(msgs, domain.Compare)
	st.msgs = msgs
	st.created = make(map[string]time.Time, len(msgs))
	st.clientIDs = make(map[string]string)
	for _, m := range msgs {
		st.created[m.ID] = m.CreatedAt
		if m.Pending && m.ClientID != "" {
			st.clientIDs[m.ClientID] = m.ID
		}
	}
	st.gen++
}

// normalize copies msgs, fills in the scope, sorts read sets and drops
// duplicate or id-less entries.
func normalize(scope string, msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m = m.Clone()
		m.Normalize()
		if m.Scope == "" {
			m.Scope = scope
		}
		m.Pending = false
		out = append(out, m)
	}
	return out
}

func (s *Synchronizer) emitDelta(d Delta) {
	if s.onDelta != nil {
		s.onDelta(d)
	}
}

func (s *Synchronizer) applied(scope string, src Source, n int) {
	if s.onApplied != nil && n > 0 {
		s.onApplied(scope, src, n)
	}
}

// persist schedules a cache write of the confirmed part of snapshot.
func (s *Synchronizer) persist(scope string, snapshot []domain.Message) {
	if s.cache == nil {
		return
	}
	confirmed := snapshot[:0:0]
	for _, m := range snapshot {
		if !m.Pending {
			confirmed = append(confirmed, m)
		}
	}
	s.cache.ScheduleWrite(scope, confirmed)
}
