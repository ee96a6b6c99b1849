// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]EntityType{
		{Name: "departments", Prefix: "dep", Clock: ClockCreatedAt, Mirror: true, NaturalKey: KeyByName},
		{Name: "recipes", Prefix: "rcp", Clock: ClockUpdatedAt, NaturalKey: KeyByName},
		{Name: "recipe_items", Prefix: "rci", Clock: ClockUpdatedAt},
	})
	require.NoError(t, err)
	return r
}

func newTestReconciler(t *testing.T) (*Reconciler, *localstore.Store, *docstore.MemoryStore) {
	t.Helper()
	registry := testRegistry(t)
	local, err := localstore.Open(":memory:", registry.Names(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	mem := docstore.NewMemoryStore()
	remote := mem.Handle("device-under-test")
	gateway := newPushGateway(remote, NewStatusPublisher(nil), nil, 1, nil)
	gateway.sleep = func(context.Context, time.Duration) error { return nil }

	return &Reconciler{
		local:               local,
		remote:              remote,
		registry:            registry,
		gateway:             gateway,
		logger:              slog.Default(),
		tombstoneMaxAgeDays: 30,
	}, local, mem
}

func seedRemote(mem *docstore.MemoryStore, collection string, localID int64, fields map[string]any) {
	mem.SetDoc(collection, docstore.Document{
		DocID:    docstore.MakeDocID(prefixFor(collection), localID),
		LocalID:  localID,
		Fields:   fields,
		SyncedAt: time.Now().UTC(),
	}, "other-device")
}

func prefixFor(collection string) string {
	switch collection {
	case "departments":
		return "dep"
	case "recipes":
		return "rcp"
	default:
		return "rci"
	}
}

func TestSyncAllDownloadsRemoteRecords(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	seedRemote(mem, "recipes", 4, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})
	seedRemote(mem, "departments", 2, map[string]any{"name": "Bakery", "createdAt": "2026-08-01T09:00:00Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Failed())
	assert.Equal(t, 1, summary.Entities["recipes"].Added)
	assert.Equal(t, 1, summary.Entities["departments"].Added)

	rec, err := local.GetByID("recipes", 4)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Stock", rec.Fields["name"])

	// The id counter stays ahead of downloaded ids.
	next, err := local.NextID("recipes")
	require.NoError(t, err)
	assert.Greater(t, next, int64(4))
}

func TestSyncAllIdempotent(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	seedRemote(mem, "recipes", 1, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})
	require.NoError(t, local.Put(localstore.Record{ID: 2, EntityType: "recipes",
		Fields: map[string]any{"name": "Roux", "updatedAt": "2026-08-01T11:00:00Z"}}))

	first, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Entities["recipes"].Added)
	assert.Equal(t, 1, first.Entities["recipes"].Uploaded)

	second, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	es := second.Entities["recipes"]
	assert.Zero(t, es.Added)
	assert.Zero(t, es.Updated)
	assert.Zero(t, es.Uploaded)
	assert.Zero(t, es.RemoteDuplicates)
	assert.Zero(t, es.LocalDuplicates)
}

func TestSyncAllTombstoneSuppressesResurrection(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	seedRemote(mem, "recipes", 7, map[string]any{"name": "Ghost", "updatedAt": "2026-08-01T10:00:00Z"})
	require.NoError(t, local.RecordDeletion("recipes", 7))

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["recipes"].Skipped)
	assert.Zero(t, summary.Entities["recipes"].Added)

	rec, err := local.GetByID("recipes", 7)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The ledger survives the pass.
	deleted, err := local.IsDeleted("recipes", 7)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestSyncAllLastWriteWins(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	require.NoError(t, local.Put(localstore.Record{ID: 1, EntityType: "recipes",
		Fields: map[string]any{"name": "Stock", "portions": float64(4), "updatedAt": "2026-08-01T10:00:00Z"}}))
	// Strictly newer remote wins.
	seedRemote(mem, "recipes", 1, map[string]any{"name": "Stock", "portions": float64(8), "updatedAt": "2026-08-01T10:00:01Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["recipes"].Updated)

	rec, err := local.GetByID("recipes", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(8), rec.Fields["portions"])
}

func TestSyncAllEqualClockLocalStands(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	require.NoError(t, local.Put(localstore.Record{ID: 1, EntityType: "recipes",
		Fields: map[string]any{"name": "Stock", "portions": float64(4), "updatedAt": "2026-08-01T10:00:00Z"}}))
	seedRemote(mem, "recipes", 1, map[string]any{"name": "Stock", "portions": float64(8), "updatedAt": "2026-08-01T10:00:00Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Entities["recipes"].Updated)

	rec, err := local.GetByID("recipes", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(4), rec.Fields["portions"])
}

func TestSyncAllUploadsLocalOnlyRecords(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	require.NoError(t, local.Put(localstore.Record{ID: 3, EntityType: "recipes",
		Fields: map[string]any{"name": "Roux", "updatedAt": "2026-08-01T10:00:00Z"}}))

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["recipes"].Uploaded)

	docs := mem.GetAll("recipes")
	require.Len(t, docs, 1)
	assert.Equal(t, "rcp_3", docs[0].DocID)
	assert.Equal(t, int64(3), docs[0].LocalID)
}

func TestSyncAllRemoteDedupKeepsLatest(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	// Two offline devices created "Stock" under different ids; id 2 is newer.
	seedRemote(mem, "recipes", 1, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})
	seedRemote(mem, "recipes", 2, map[string]any{"name": "Stock", "updatedAt": "2026-08-02T10:00:00Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["recipes"].RemoteDuplicates)
	assert.Equal(t, 1, summary.Entities["recipes"].Added)

	docs := mem.GetAll("recipes")
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docs[0].LocalID)

	rec, err := local.GetByID("recipes", 2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	older, err := local.GetByID("recipes", 1)
	require.NoError(t, err)
	assert.Nil(t, older)
}

func TestSyncAllRemoteDedupTieKeepsLowestID(t *testing.T) {
	r, _, mem := newTestReconciler(t)

	seedRemote(mem, "recipes", 5, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})
	seedRemote(mem, "recipes", 3, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})

	_, err := r.SyncAll(context.Background())
	require.NoError(t, err)

	docs := mem.GetAll("recipes")
	require.Len(t, docs, 1)
	assert.Equal(t, int64(3), docs[0].LocalID)
}

func TestSyncAllLocalDedupFirstSeenWins(t *testing.T) {
	r, local, _ := newTestReconciler(t)

	require.NoError(t, local.Put(localstore.Record{ID: 1, EntityType: "recipes",
		Fields: map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"}}))
	require.NoError(t, local.Put(localstore.Record{ID: 2, EntityType: "recipes",
		Fields: map[string]any{"name": "stock", "updatedAt": "2026-08-02T10:00:00Z"}}))

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["recipes"].LocalDuplicates)

	records, err := local.GetAll("recipes")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
}

func TestSyncAllMirrorRebuiltFromCloud(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	// Stale cached mirror rows are dropped; the cloud state is canonical.
	require.NoError(t, local.Put(localstore.Record{ID: 9, EntityType: "departments",
		Fields: map[string]any{"name": "Stale", "createdAt": "2026-07-01T10:00:00Z"}}))
	seedRemote(mem, "departments", 2, map[string]any{"name": "Bakery", "createdAt": "2026-08-01T10:00:00Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entities["departments"].Added)

	records, err := local.GetAll("departments")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, "Bakery", records[0].Fields["name"])
}

func TestSyncEntityMirrorKeyCollisionAdoptsCloudID(t *testing.T) {
	r, local, mem := newTestReconciler(t)

	// Same department under different ids locally and in the cloud; the cloud
	// id becomes canonical.
	require.NoError(t, local.Put(localstore.Record{ID: 1, EntityType: "departments",
		Fields: map[string]any{"name": "Bakery", "createdAt": "2026-08-01T10:00:00Z"}}))
	seedRemote(mem, "departments", 5, map[string]any{"name": "Bakery", "createdAt": "2026-08-01T10:00:00Z"})

	et, ok := r.registry.Get("departments")
	require.True(t, ok)
	es := &EntitySummary{}
	require.NoError(t, r.syncEntity(context.Background(), et, nil, es))

	records, err := local.GetAll("departments")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].ID)
	assert.Equal(t, "Bakery", records[0].Fields["name"])
}

func TestSyncAllPurgesExpiredTombstones(t *testing.T) {
	r, local, _ := newTestReconciler(t)

	_, err := local.DB.Exec(`
		INSERT INTO tombstones (entity_type, entity_id, deleted_at) VALUES (?, ?, ?)
	`, "recipes", 1, time.Now().UTC().AddDate(0, 0, -40).Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.NoError(t, local.RecordDeletion("recipes", 2))

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PurgedTombstones)

	// The purged tombstone still suppressed this pass via the snapshot, and
	// the fresh one survives.
	deleted, err := local.IsDeleted("recipes", 2)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestSyncAllIsolatesEntityFailures(t *testing.T) {
	r, local, mem := newTestReconciler(t)
	r.remote = &failingStore{fail: "departments", inner: r.remote}
	r.gateway.remote = r.remote

	seedRemote(mem, "recipes", 1, map[string]any{"name": "Stock", "updatedAt": "2026-08-01T10:00:00Z"})

	summary, err := r.SyncAll(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Failed())
	assert.Error(t, summary.Entities["departments"].Err)
	assert.NoError(t, summary.Entities["recipes"].Err)
	assert.Equal(t, 1, summary.Entities["recipes"].Added)

	rec, err := local.GetByID("recipes", 1)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

// failingStore fails every operation on one collection and delegates the rest.
type failingStore struct {
	fail  string
	inner docstore.Store
}

func (f *failingStore) GetAll(ctx context.Context, collection string) ([]docstore.Document, error) {
	if collection == f.fail {
		return nil, &docstore.StoreError{Status: 503, Op: "get_all"}
	}
	return f.inner.GetAll(ctx, collection)
}

func (f *failingStore) SetDoc(ctx context.Context, collection string, doc docstore.Document) error {
	if collection == f.fail {
		return &docstore.StoreError{Status: 503, Op: "set_doc"}
	}
	return f.inner.SetDoc(ctx, collection, doc)
}

func (f *failingStore) DeleteDoc(ctx context.Context, collection, docID string) error {
	if collection == f.fail {
		return &docstore.StoreError{Status: 503, Op: "delete_doc"}
	}
	return f.inner.DeleteDoc(ctx, collection, docID)
}

func (f *failingStore) Subscribe(ctx context.Context, collection string, after int64, fn func([]docstore.ChangeEvent)) (func(), error) {
	return f.inner.Subscribe(ctx, collection, after, fn)
}
