package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/internal/codec"
	"github.com/hupe1980/insightmesh/internal/testutil"
	"github.com/hupe1980/insightmesh/storage"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func demoRequest() core.Request {
	return core.Request{Source: "demo", Objectives: []string{"sentiment", "topics"}}
}

func newTestStore(t *testing.T, backend storage.Backend, clock *testutil.FakeClock, optFns ...func(o *Options)) *Store {
	t.Helper()

	fns := append([]func(o *Options){func(o *Options) { o.Clock = clock.Now }}, optFns...)

	s, err := New(backend, fns...)
	require.NoError(t, err)

	return s
}

func persisted(t *testing.T, backend storage.Backend) *Document {
	t.Helper()

	data, err := backend.Load(context.Background(), "insightmesh")
	require.NoError(t, err)

	doc := newDocument()
	require.NoError(t, json.Unmarshal(data, doc))
	doc.normalize()

	return doc
}

func TestNew_ValidatesOptions(t *testing.T) {
	_, err := New(nil, func(o *Options) { o.MaxHistory = 0 })
	assert.Error(t, err)

	_, err = New(nil, func(o *Options) { o.DefaultCacheTTL = 0 })
	assert.Error(t, err)

	_, err = New(nil, func(o *Options) { o.Key = "../escape" })
	assert.Error(t, err)

	s, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, 50, s.opts.MaxHistory)
	assert.Equal(t, time.Hour, s.opts.DefaultCacheTTL)
	assert.True(t, s.opts.AutoSave)
}

func TestStore_CreateSession(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock)

	s.SetPreferences(ctx, map[string]any{"theme": "dark", "locale": "en"})

	req := demoRequest()
	req.Preferences = map[string]any{"locale": "de"}

	sess, err := s.CreateSession(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, core.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, start, sess.CreatedAt)
	assert.Equal(t, map[string]any{"theme": "dark", "locale": "de"}, sess.State["preferences"])

	processing, ok := sess.State["processing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, start.Format(time.RFC3339Nano), processing["started_at"])
	assert.NotEmpty(t, processing["token"])

	other, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, other.ID)
	assert.NotEqual(t, processing["token"], other.State["processing"].(map[string]any)["token"])

	sess.State["preferences"].(map[string]any)["theme"] = "light"
	stored, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", stored.State["preferences"].(map[string]any)["theme"])
}

func TestStore_CreateSessionRejectsMalformedRequest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), testutil.NewFakeClock(start))

	_, err := s.CreateSession(ctx, core.Request{Objectives: []string{"sentiment"}})

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source", verr.Field)
	assert.Empty(t, s.ListSessions(ctx))
}

func TestStore_UpdateSession(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock)

	sess, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	clock.Advance(time.Second)

	updated, err := s.UpdateSession(ctx, sess.ID, Patch{
		Result:   map[string]any{"ingest": map[string]any{"records": 3}},
		Metadata: map[string]any{"phase": "dispatching"},
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second), updated.UpdatedAt)
	assert.Equal(t, map[string]any{"records": 3}, updated.Result["ingest"])
	assert.Equal(t, "dispatching", updated.Metadata["phase"])

	t.Run("merge keeps earlier keys", func(t *testing.T) {
		updated, err := s.UpdateSession(ctx, sess.ID, Patch{Result: map[string]any{"analyze": "ok"}})
		require.NoError(t, err)
		assert.Contains(t, updated.Result, "ingest")
		assert.Contains(t, updated.Result, "analyze")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.UpdateSession(ctx, "sess_missing", Patch{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := s.UpdateSession(ctx, sess.ID, Patch{Status: "paused"})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("terminal accepts metadata only", func(t *testing.T) {
		_, err := s.UpdateSession(ctx, sess.ID, Patch{Status: core.StatusCompleted})
		require.NoError(t, err)

		_, err = s.UpdateSession(ctx, sess.ID, Patch{Status: core.StatusFailed})
		assert.ErrorIs(t, err, ErrTerminal)

		_, err = s.UpdateSession(ctx, sess.ID, Patch{Result: map[string]any{"late": true}})
		assert.ErrorIs(t, err, ErrTerminal)

		enriched, err := s.UpdateSession(ctx, sess.ID, Patch{Metadata: map[string]any{"insights": 4}})
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, enriched.Status)
		assert.Equal(t, 4, enriched.Metadata["insights"])
		assert.NotContains(t, enriched.Result, "late")
	})
}

func TestStore_TwoTierLookup(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	writer := newTestStore(t, backend, clock)
	sess, err := writer.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	reader := newTestStore(t, backend, clock)
	_, hot := reader.sessions[sess.ID]
	require.False(t, hot)

	got, err := reader.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, core.StatusRunning, got.Status)

	_, hot = reader.sessions[sess.ID]
	assert.True(t, hot, "persisted session must be promoted into the hot tier")

	_, err = reader.GetSession(ctx, "sess_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_HistoryBound(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	s := newTestStore(t, backend, clock, func(o *Options) { o.MaxHistory = 3 })

	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := s.CreateSession(ctx, demoRequest())
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		clock.Advance(time.Minute)
	}

	list := s.ListSessions(ctx)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[3], ids[2], ids[1]}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, err := s.GetSession(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)

	doc := persisted(t, backend)
	assert.Len(t, doc.Sessions, 3)
	assert.Nil(t, doc.session(ids[0]))
}

func TestStore_HistoryBoundFollowsUpdates(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock, func(o *Options) { o.MaxHistory = 2 })

	first, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	clock.Advance(time.Minute)

	second, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = s.UpdateSession(ctx, first.ID, Patch{Metadata: map[string]any{"touched": true}})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	_, err = s.GetSession(ctx, first.ID)
	assert.NoError(t, err)
	_, err = s.GetSession(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteSession(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	s := newTestStore(t, backend, clock)

	sess, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	assert.True(t, s.DeleteSession(ctx, sess.ID))
	assert.False(t, s.DeleteSession(ctx, sess.ID))

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, persisted(t, backend).session(sess.ID))

	fresh := newTestStore(t, backend, clock)
	_, err = fresh.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeletePersistedOnlySession(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	sess, err := newTestStore(t, backend, clock).CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	s := newTestStore(t, backend, clock)
	assert.True(t, s.DeleteSession(ctx, sess.ID))
	assert.Empty(t, persisted(t, backend).Sessions)
}

func TestStore_Watchdog(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock, func(o *Options) { o.MaxRunning = 10 * time.Minute })

	stale, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	done, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	_, err = s.UpdateSession(ctx, done.ID, Patch{Status: core.StatusCompleted})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	got, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status, "exactly at the limit is not an overrun")

	clock.Advance(time.Second)

	// The watchdog only runs on access; the raw hot record is untouched.
	assert.Equal(t, core.StatusRunning, s.sessions[stale.ID].Status)

	got, err = s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata["error"], "exceeded maximum runtime")
	assert.Equal(t, true, got.Metadata["timed_out"])
	assert.Equal(t, clock.Now(), got.UpdatedAt)

	for _, sess := range s.ListSessions(ctx) {
		if sess.ID == done.ID {
			assert.Equal(t, core.StatusCompleted, sess.Status)
			assert.NotContains(t, sess.Metadata, "timed_out")
		}
	}
}

func TestStore_WatchdogOnList(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock, func(o *Options) { o.MaxRunning = time.Minute })

	_, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	list := s.ListSessions(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, core.StatusFailed, list[0].Status)
}

func TestStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)

	src := newTestStore(t, storage.NewMemory(), clock)
	a, err := src.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := src.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	src.SetPreferences(ctx, map[string]any{"theme": "dark"})

	data, err := src.Export(ctx)
	require.NoError(t, err)

	var exported map[string]any
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Equal(t, DocumentVersion, exported["version"])
	assert.NotEmpty(t, exported["exported_at"])
	assert.Len(t, exported["sessions"], 2)

	dst := newTestStore(t, storage.NewMemory(), clock)
	dst.SetPreferences(ctx, map[string]any{"theme": "light", "locale": "en"})

	own, err := dst.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	added, err := dst.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	ids := map[string]bool{}
	for _, sess := range dst.ListSessions(ctx) {
		ids[sess.ID] = true
	}
	assert.Equal(t, map[string]bool{own.ID: true, a.ID: true, b.ID: true}, ids)
	assert.Equal(t, map[string]any{"theme": "dark", "locale": "en"}, dst.Preferences(ctx))

	t.Run("known ids are kept", func(t *testing.T) {
		_, err := dst.UpdateSession(ctx, a.ID, Patch{Metadata: map[string]any{"note": "local"}})
		require.NoError(t, err)

		added, err := dst.Import(ctx, data)
		require.NoError(t, err)
		assert.Zero(t, added)

		got, err := dst.GetSession(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "local", got.Metadata["note"])
	})

	t.Run("malformed document", func(t *testing.T) {
		_, err := dst.Import(ctx, []byte("{not json"))
		var verr *core.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestStore_StorageFailureDegrades(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := testutil.NewFailingBackend()
	s := newTestStore(t, backend, clock)

	backend.FailSave(true)

	sess, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	assert.True(t, s.Degraded())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	err = s.Save(ctx)
	var serr *core.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "save", serr.Op)
	assert.ErrorIs(t, err, testutil.ErrInjected)

	backend.FailSave(false)
	require.NoError(t, s.Save(ctx))
	assert.NotNil(t, persisted(t, backend).session(sess.ID))
}

func TestStore_LoadFailureKeepsHotTier(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := testutil.NewFailingBackend()
	s := newTestStore(t, backend, clock)

	sess, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	backend.FailLoad(true)

	_, err = s.UpdateSession(ctx, sess.ID, Patch{Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, s.Degraded())

	_, err = s.GetSession(ctx, "sess_elsewhere")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, s.ListSessions(ctx), 1)
}

func TestStore_AutoSaveOff(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := testutil.NewFailingBackend()
	s := newTestStore(t, backend, clock, func(o *Options) { o.AutoSave = false })

	sess, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	s.SetCache(ctx, "k", "v", 0)
	assert.Zero(t, backend.Saves())

	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, backend.Saves())
	assert.NotNil(t, persisted(t, backend).session(sess.ID))
}

func TestStore_HistoryBoundWithoutAutoSave(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	s := newTestStore(t, backend, clock, func(o *Options) {
		o.MaxHistory = 2
		o.AutoSave = false
	})

	var ids []string
	for i := 0; i < 2; i++ {
		sess, err := s.CreateSession(ctx, demoRequest())
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		clock.Advance(time.Minute)
	}
	require.NoError(t, s.Save(ctx))

	third, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	_, err = s.GetSession(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound, "trimmed session must not come back from the persisted tier")
	assert.Len(t, s.sessions, 2)
	assert.Len(t, s.ListSessions(ctx), 2)

	require.NoError(t, s.Save(ctx))
	assert.Empty(t, s.deleted)

	doc := persisted(t, backend)
	assert.Len(t, doc.Sessions, 2)
	assert.Nil(t, doc.session(ids[0]))
	assert.NotNil(t, doc.session(third.ID))

	_, err = s.GetSession(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PromotionKeepsHistoryBound(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	writer := newTestStore(t, backend, clock, func(o *Options) { o.MaxHistory = 2 })
	older, err := writer.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	newer, err := writer.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	clock.Advance(time.Minute)

	reader := newTestStore(t, backend, clock, func(o *Options) {
		o.MaxHistory = 2
		o.AutoSave = false
	})
	_, err = reader.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	_, err = reader.GetSession(ctx, older.ID)
	require.NoError(t, err)
	_, err = reader.GetSession(ctx, newer.ID)
	require.NoError(t, err)

	assert.Len(t, reader.sessions, 2)

	_, err = reader.GetSession(ctx, older.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StrictRevisions(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	strict := func(o *Options) { o.StrictRevisions = true }

	first := newTestStore(t, backend, clock, strict)
	second := newTestStore(t, backend, clock, strict)

	_, err := first.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Revision())

	_, err = second.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Revision())
	assert.Len(t, persisted(t, backend).Sessions, 2)

	err = first.Save(ctx)
	assert.ErrorIs(t, err, ErrRevisionConflict)
	assert.True(t, first.Degraded())
	assert.False(t, second.Degraded())
}

func TestStore_LastWriteWinsWithoutStrictRevisions(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	first := newTestStore(t, backend, clock)
	second := newTestStore(t, backend, clock)

	_, err := first.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	_, err = second.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	require.NoError(t, first.Save(ctx))
	assert.False(t, first.Degraded())
	assert.Equal(t, uint64(3), persisted(t, backend).Revision)
}

func TestStore_CBORCodec(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	useCBOR := func(o *Options) { o.Codec = codec.CBOR{} }

	writer := newTestStore(t, backend, clock, useCBOR)
	sess, err := writer.CreateSession(ctx, demoRequest())
	require.NoError(t, err)
	_, err = writer.UpdateSession(ctx, sess.ID, Patch{Result: map[string]any{"ingest": map[string]any{"source": "demo"}}})
	require.NoError(t, err)

	reader := newTestStore(t, backend, clock, useCBOR)
	got, err := reader.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "demo"}, got.Result["ingest"])
	assert.True(t, got.CreatedAt.Equal(start))
	assert.Equal(t, []string{"sentiment", "topics"}, got.Config.Objectives)

	jsonReader := newTestStore(t, backend, clock)
	_, err = jsonReader.GetSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, jsonReader.Degraded())
}
