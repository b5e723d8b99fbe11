package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/internal/codec"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/storage"
)

// Observer receives store events. The metrics package provides a Prometheus
// implementation.
type Observer interface {
	SessionCreated()
	SessionFinished(status core.SessionStatus)
	CacheLookup(hit bool)
	StorageError(op string)
}

type nopObserver struct{}

func (nopObserver) SessionCreated() {}

func (nopObserver) SessionFinished(core.SessionStatus) {}

func (nopObserver) CacheLookup(bool) {}

func (nopObserver) StorageError(string) {}

// Options configures a Store.
type Options struct {
	// MaxHistory is the number of sessions retained, most recently updated
	// first. Defaults to 50.
	MaxHistory int
	// DefaultCacheTTL applies to SetCache calls without a ttl. Defaults to 1h.
	DefaultCacheTTL time.Duration
	// AutoSave persists the document after every write. When false, only
	// Save writes to the backend. Defaults to true.
	AutoSave bool
	// MaxRunning bounds how long a session may stay running before it is
	// failed with a timeout on its next read. Zero disables the watchdog.
	// Defaults to 30m.
	MaxRunning time.Duration
	// StrictRevisions refuses writes when the persisted revision changed
	// since this store last observed it.
	StrictRevisions bool
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// Key is the document key in the backend. Defaults to "insightmesh".
	Key string
	// Codec encodes the persisted document. Defaults to JSON.
	Codec    codec.Codec
	Logger   logging.Logger
	Observer Observer
}

// Patch is a partial session update. Zero fields are left untouched; map
// fields are merged key by key.
type Patch struct {
	Status   core.SessionStatus
	Result   map[string]any
	Metadata map[string]any
	State    map[string]any
}

func (p Patch) touchesBody() bool {
	return p.Status != "" || p.Result != nil || p.State != nil
}

// Store is the two-tier session store. It is safe for concurrent use; all
// operations are serialized, which makes it the single writer of its
// document within the process.
type Store struct {
	mu      sync.Mutex
	opts    Options
	backend storage.Backend
	logger  logging.Logger

	sessions    map[string]*core.Session
	deleted     map[string]bool
	preferences map[string]any
	cache       map[string]CacheEntry

	hydrated bool
	revision uint64
	degraded bool
}

// New creates a store over backend. A nil backend keeps the persisted tier in
// memory.
func New(backend storage.Backend, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		MaxHistory:      50,
		DefaultCacheTTL: time.Hour,
		AutoSave:        true,
		MaxRunning:      30 * time.Minute,
		Clock:           time.Now,
		Key:             "insightmesh",
		Codec:           codec.JSON{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxHistory < 1 {
		return nil, fmt.Errorf("max history must be positive, got %d", opts.MaxHistory)
	}

	if opts.DefaultCacheTTL <= 0 {
		return nil, fmt.Errorf("default cache ttl must be positive, got %s", opts.DefaultCacheTTL)
	}

	if opts.MaxRunning < 0 {
		return nil, fmt.Errorf("max running must not be negative, got %s", opts.MaxRunning)
	}

	if err := storage.ValidateKey(opts.Key); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}

	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	if backend == nil {
		backend = storage.NewMemory()
	}

	return &Store{
		opts:        opts,
		backend:     backend,
		logger:      logging.OrNoOp(opts.Logger),
		sessions:    map[string]*core.Session{},
		deleted:     map[string]bool{},
		preferences: map[string]any{},
		cache:       map[string]CacheEntry{},
	}, nil
}

// Degraded reports whether a storage operation failed during the lifetime
// of the store.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Revision returns the last persisted document revision this store observed.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// CreateSession validates req and records a new running session. The session
// state is seeded with the store preferences overlaid by the request
// preferences, and a processing context holding the start time and an opaque
// session token.
func (s *Store) CreateSession(ctx context.Context, req core.Request) (*core.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	now := s.opts.Clock()
	sess := core.NewSession(req, now).Clone()

	prefs := core.CloneMap(s.preferences)
	for k, v := range core.CloneMap(req.Preferences) {
		prefs[k] = v
	}

	sess.State["preferences"] = prefs
	sess.State["processing"] = map[string]any{
		"started_at": now.UTC().Format(time.RFC3339Nano),
		"token":      uuid.NewString(),
	}

	s.sessions[sess.ID] = sess
	s.trimHotLocked()

	s.opts.Observer.SessionCreated()
	s.logger.Info("session.created", "session_id", sess.ID, "name", sess.Name)

	s.autoSaveLocked(ctx)

	return sess.Clone(), nil
}

// UpdateSession merges p into the session and refreshes its updatedAt. A
// terminal session accepts metadata only.
func (s *Store) UpdateSession(ctx context.Context, id string, p Patch) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Terminal() && p.touchesBody() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, sess.Status)
	}

	if p.Status != "" && p.Status != sess.Status {
		if !p.Status.Valid() || !sess.Status.CanTransition(p.Status) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, sess.Status, p.Status)
		}
	}

	for k, v := range core.CloneMap(p.Result) {
		sess.Result[k] = v
	}

	for k, v := range core.CloneMap(p.Metadata) {
		sess.Metadata[k] = v
	}

	for k, v := range core.CloneMap(p.State) {
		sess.State[k] = v
	}

	finished := p.Status != "" && p.Status != sess.Status
	if finished {
		sess.Status = p.Status
	}

	sess.UpdatedAt = s.opts.Clock()

	if finished {
		s.opts.Observer.SessionFinished(sess.Status)
		s.logger.Info("session.finished", "session_id", id, "status", string(sess.Status))
	}

	s.autoSaveLocked(ctx)

	return sess.Clone(), nil
}

// GetSession returns the session from the hot tier, or loads it from the
// persisted tier and promotes it.
func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	return sess.Clone(), nil
}

// DeleteSession removes the session from both tiers and reports whether it
// existed.
func (s *Store) DeleteSession(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[id]
	if !existed && !s.deleted[id] {
		if doc, err := s.loadLocked(ctx, "load"); err == nil {
			existed = doc.session(id) != nil
		}
	}

	if !existed {
		return false
	}

	delete(s.sessions, id)
	s.deleted[id] = true

	s.logger.Info("session.deleted", "session_id", id)
	s.autoSaveLocked(ctx)

	return true
}

// ListSessions returns every retained session, most recently updated first.
// Persisted sessions are promoted and the watchdog runs over each.
func (s *Store) ListSessions(ctx context.Context) []*core.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, err := s.loadLocked(ctx, "load"); err == nil {
		for _, ps := range doc.Sessions {
			if _, ok := s.sessions[ps.ID]; ok || s.deleted[ps.ID] {
				continue
			}
			s.sessions[ps.ID] = ps
		}
		s.trimHotLocked()
	}

	now := s.opts.Clock()
	expired := false

	list := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if s.expireLocked(sess, now) {
			expired = true
		}
		list = append(list, sess)
	}

	if expired {
		s.autoSaveLocked(ctx)
	}

	sortByRecency(list)

	out := make([]*core.Session, len(list))
	for i, sess := range list {
		out[i] = sess.Clone()
	}

	return out
}

// SetCache stores value under key for ttl. A ttl of zero or less selects
// DefaultCacheTTL.
func (s *Store) SetCache(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.opts.DefaultCacheTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	s.cache[key] = CacheEntry{
		Value:     value,
		Timestamp: s.opts.Clock(),
		TTL:       ttl,
	}

	s.autoSaveLocked(ctx)
}

// GetCache returns the cached value while it is valid. An expired entry is
// deleted and reported as a miss.
func (s *Store) GetCache(ctx context.Context, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	e, ok := s.cache[key]
	if ok && !e.Valid(s.opts.Clock()) {
		delete(s.cache, key)
		ok = false
	}

	s.opts.Observer.CacheLookup(ok)

	if !ok {
		return nil, false
	}

	return e.Value, true
}

// CacheKeys returns the keys of all valid cache entries, sorted. Expired
// entries found on the way are deleted.
func (s *Store) CacheKeys(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)
	sweep(s.cache, s.opts.Clock())

	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// ClearCache drops every cache entry and returns how many were removed.
func (s *Store) ClearCache(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	n := len(s.cache)
	s.cache = map[string]CacheEntry{}

	s.autoSaveLocked(ctx)

	return n
}

// Preferences returns a copy of the stored preferences.
func (s *Store) Preferences(ctx context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	return core.CloneMap(s.preferences)
}

// SetPreferences overlays prefs onto the stored preferences.
func (s *Store) SetPreferences(ctx context.Context, prefs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	for k, v := range core.CloneMap(prefs) {
		s.preferences[k] = v
	}

	s.autoSaveLocked(ctx)
}

// Save persists the document regardless of AutoSave. The returned error is a
// *core.StorageError; it has already been logged.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(ctx)
}

// Export returns the whole document as indented JSON with an export
// timestamp and version tag.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	doc, _, _ := s.buildLocked(ctx)

	now := s.opts.Clock().UTC()
	doc.ExportedAt = &now

	return json.MarshalIndent(doc, "", "  ")
}

// Import merges an exported document. Sessions with ids already known are
// kept as they are; unseen ids are added. Supplied preference fields
// overlay the stored ones. It returns the number of sessions added.
func (s *Store) Import(ctx context.Context, data []byte) (int, error) {
	var in Document
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, core.NewValidationError("document", "invalid export document: %v", err)
	}

	in.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hydrateLocked(ctx)

	known := map[string]bool{}
	for id := range s.sessions {
		known[id] = true
	}

	if doc, err := s.loadLocked(ctx, "load"); err == nil {
		for _, ps := range doc.Sessions {
			if !s.deleted[ps.ID] {
				known[ps.ID] = true
			}
		}
	}

	added := 0

	for _, sess := range in.Sessions {
		if known[sess.ID] {
			continue
		}
		known[sess.ID] = true
		delete(s.deleted, sess.ID)
		s.sessions[sess.ID] = sess
		added++
	}

	for k, v := range in.Preferences {
		s.preferences[k] = v
	}

	s.trimHotLocked()

	s.logger.Info("session.imported", "added", added, "skipped", len(in.Sessions)-added)
	s.autoSaveLocked(ctx)

	return added, nil
}

// lookupLocked finds a session in the hot tier or promotes it from the
// persisted tier, then applies the watchdog.
func (s *Store) lookupLocked(ctx context.Context, id string) (*core.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		if s.deleted[id] {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		doc, err := s.loadLocked(ctx, "load")
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		sess = doc.session(id)
		if sess == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		s.sessions[id] = sess
		s.trimHotLocked()

		if _, kept := s.sessions[id]; !kept {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		s.logger.Debug("session.promoted", "session_id", id)
	}

	if s.expireLocked(sess, s.opts.Clock()) {
		s.autoSaveLocked(ctx)
	}

	return sess, nil
}

// expireLocked fails a running session older than MaxRunning and reports
// whether it did.
func (s *Store) expireLocked(sess *core.Session, now time.Time) bool {
	if s.opts.MaxRunning <= 0 || sess.Status != core.StatusRunning {
		return false
	}

	if now.Sub(sess.CreatedAt) <= s.opts.MaxRunning {
		return false
	}

	timeout := &core.SessionTimeout{SessionID: sess.ID, Limit: s.opts.MaxRunning}

	sess.Status = core.StatusFailed
	sess.Metadata["error"] = timeout.Error()
	sess.Metadata["timed_out"] = true
	sess.UpdatedAt = now

	s.opts.Observer.SessionFinished(core.StatusFailed)
	s.logger.Warn("session.timeout", "session_id", sess.ID, "limit", s.opts.MaxRunning.String())

	return true
}

// hydrateLocked pulls preferences, cache entries and the revision baseline
// from the persisted document once. In-process values win.
func (s *Store) hydrateLocked(ctx context.Context) {
	if s.hydrated {
		return
	}
	s.hydrated = true

	doc, err := s.loadLocked(ctx, "hydrate")
	if err != nil {
		return
	}

	s.revision = doc.Revision

	for k, v := range doc.Preferences {
		if _, ok := s.preferences[k]; !ok {
			s.preferences[k] = v
		}
	}

	for k, e := range doc.Cache {
		if _, ok := s.cache[k]; !ok {
			s.cache[k] = e
		}
	}
}

func (s *Store) loadLocked(ctx context.Context, op string) (*Document, error) {
	data, err := s.backend.Load(ctx, s.opts.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return newDocument(), nil
	}

	if err != nil {
		return nil, s.storageFailed(op, err)
	}

	doc := newDocument()
	if err := s.opts.Codec.Unmarshal(data, doc); err != nil {
		return nil, s.storageFailed(op, fmt.Errorf("decode document: %w", err))
	}

	doc.normalize()

	return doc, nil
}

// buildLocked merges the hot tier over the persisted sessions, trims the
// history and sweeps the cache. It returns the revision of the loaded
// document. When the persisted document cannot be read the result holds the
// hot tier only, together with the load error.
func (s *Store) buildLocked(ctx context.Context) (*Document, uint64, error) {
	doc := newDocument()

	sessions := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}

	persisted, err := s.loadLocked(ctx, "load")
	if err == nil {
		for _, ps := range persisted.Sessions {
			if _, ok := s.sessions[ps.ID]; ok || s.deleted[ps.ID] {
				continue
			}
			sessions = append(sessions, ps)
		}
	}

	kept, dropped := trim(sessions, s.opts.MaxHistory)
	for _, d := range dropped {
		delete(s.sessions, d.ID)
		s.deleted[d.ID] = true
	}

	if len(dropped) > 0 {
		s.logger.Debug("session.history_trimmed", "dropped", len(dropped), "kept", len(kept))
	}

	sweep(s.cache, s.opts.Clock())

	doc.Sessions = kept
	doc.Preferences = s.preferences
	doc.Cache = s.cache

	if err != nil {
		return doc, 0, err
	}

	return doc, persisted.Revision, nil
}

func (s *Store) autoSaveLocked(ctx context.Context) {
	if !s.opts.AutoSave {
		return
	}
	_ = s.writeLocked(ctx)
}

func (s *Store) writeLocked(ctx context.Context) error {
	if ml, ok := s.logger.(*logging.MeshLogger); ok {
		defer ml.StartTimer("session.persist")()
	}

	s.hydrateLocked(ctx)

	doc, loaded, err := s.buildLocked(ctx)
	if err != nil {
		// A document that could not be read is never overwritten.
		return err
	}

	if s.opts.StrictRevisions && loaded != s.revision {
		return s.storageFailed("save", fmt.Errorf("%w: expected %d, found %d", ErrRevisionConflict, s.revision, loaded))
	}

	doc.Revision = loaded + 1

	data, err := s.opts.Codec.Marshal(doc)
	if err != nil {
		return s.storageFailed("encode", err)
	}

	if err := s.backend.Save(ctx, s.opts.Key, data); err != nil {
		return s.storageFailed("save", err)
	}

	s.revision = doc.Revision

	// The written document no longer holds any tombstoned id.
	clear(s.deleted)

	return nil
}

func (s *Store) storageFailed(op string, err error) error {
	s.degraded = true
	s.opts.Observer.StorageError(op)
	s.logger.Warn("session.storage_failed", "op", op, "key", s.opts.Key, "error", err)

	return &core.StorageError{Op: op, Err: err}
}

func (s *Store) trimHotLocked() {
	if len(s.sessions) <= s.opts.MaxHistory {
		return
	}

	list := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}

	_, dropped := trim(list, s.opts.MaxHistory)
	for _, d := range dropped {
		delete(s.sessions, d.ID)
		s.deleted[d.ID] = true
	}

	s.logger.Debug("session.history_trimmed", "dropped", len(dropped), "kept", len(s.sessions))
}

// trim keeps the max most recently updated sessions.
func trim(list []*core.Session, max int) (kept, dropped []*core.Session) {
	sortByRecency(list)

	if len(list) <= max {
		return list, nil
	}

	return list[:max], list[max:]
}

func sortByRecency(list []*core.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID > list[j].ID
	})
}
