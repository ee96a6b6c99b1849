// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration holds end-to-end scenarios: multiple sync engines
// sharing one remote store, each with its own local database, converging
// through full passes and live merges.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/kvsync"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

type device struct {
	engine *kvsync.SyncEngine
	local  *localstore.Store
}

func newDevice(t *testing.T, mem *docstore.MemoryStore) *device {
	t.Helper()
	registry := kvsync.DefaultRegistry()
	local, err := localstore.Open(":memory:", registry.Names(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	deviceID, err := kvsync.EnsureDeviceID(local)
	require.NoError(t, err)

	engine, err := kvsync.NewEngine(local, mem.Handle(deviceID),
		kvsync.DefaultConfig(func() string { return "acct-shared" }), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &device{engine: engine, local: local}
}

func (d *device) inventoryNames(t *testing.T) []string {
	t.Helper()
	records, err := d.local.GetAll("inventory_items")
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Fields["name"].(string))
	}
	return names
}

// Two devices independently create the same inventory item under different
// ids. After full passes, exactly one "Flour" exists in the cloud and each
// device holds exactly one copy.
func TestTwoDevicesConvergeOnDuplicateCreation(t *testing.T) {
	mem := docstore.NewMemoryStore()
	a := newDevice(t, mem)
	b := newDevice(t, mem)
	ctx := context.Background()

	// Advance device B's id counter past device A's, so the duplicate ends up
	// under a distinct id. Ids are never reused after deletion.
	tmp, err := b.engine.SaveRecord(ctx, "inventory_items",
		localstore.Record{Fields: map[string]any{"name": "Temp", "categoryId": float64(1)}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(mem.GetAll("inventory_items")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.engine.DeleteRecord(ctx, "inventory_items", tmp.ID))
	require.Eventually(t, func() bool {
		return len(mem.GetAll("inventory_items")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The same item created on both devices; device B's copy is newer.
	recA, err := a.engine.SaveRecord(ctx, "inventory_items",
		localstore.Record{Fields: map[string]any{"name": "Flour", "categoryId": float64(1)}})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	recB, err := b.engine.SaveRecord(ctx, "inventory_items",
		localstore.Record{Fields: map[string]any{"name": "Flour", "categoryId": float64(1)}})
	require.NoError(t, err)
	require.NotEqual(t, recA.ID, recB.ID)
	require.Eventually(t, func() bool {
		return len(mem.GetAll("inventory_items")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Device A's full pass repairs the cloud: one Flour survives, the newer
	// copy wins.
	summaryA, err := a.engine.InitialSync(ctx)
	require.NoError(t, err)
	require.False(t, summaryA.Failed())
	assert.Equal(t, 1, summaryA.Entities["inventory_items"].RemoteDuplicates)

	cloudDocs := mem.GetAll("inventory_items")
	require.Len(t, cloudDocs, 1)
	assert.Equal(t, recB.ID, cloudDocs[0].LocalID)
	assert.Equal(t, []string{"Flour"}, a.inventoryNames(t))

	summaryB, err := b.engine.InitialSync(ctx)
	require.NoError(t, err)
	require.False(t, summaryB.Failed())
	assert.Equal(t, []string{"Flour"}, b.inventoryNames(t))
}

// A record saved on one device reaches the other through the live change feed
// without another full pass.
func TestLiveMergePropagatesAcrossDevices(t *testing.T) {
	mem := docstore.NewMemoryStore()
	a := newDevice(t, mem)
	b := newDevice(t, mem)
	ctx := context.Background()

	_, err := a.engine.InitialSync(ctx)
	require.NoError(t, err)
	_, err = b.engine.InitialSync(ctx)
	require.NoError(t, err)

	merged := make(chan struct{}, 1)
	b.engine.OnDataChange("recipes", func() {
		select {
		case merged <- struct{}{}:
		default:
		}
	})

	rec, err := a.engine.SaveRecord(ctx, "recipes",
		localstore.Record{Fields: map[string]any{"name": "Velouté", "categoryId": float64(1)}})
	require.NoError(t, err)

	select {
	case <-merged:
	case <-time.After(2 * time.Second):
		t.Fatal("device B never observed the live change")
	}

	got, err := b.local.GetByID("recipes", rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Velouté", got.Fields["name"])
}

// A deletion on one device propagates and cannot be resurrected on the other,
// even by a later full pass.
func TestDeletePropagatesAndStaysDeleted(t *testing.T) {
	mem := docstore.NewMemoryStore()
	a := newDevice(t, mem)
	b := newDevice(t, mem)
	ctx := context.Background()

	rec, err := a.engine.SaveRecord(ctx, "recipes",
		localstore.Record{Fields: map[string]any{"name": "Consommé", "categoryId": float64(1)}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(mem.GetAll("recipes")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = a.engine.InitialSync(ctx)
	require.NoError(t, err)
	_, err = b.engine.InitialSync(ctx)
	require.NoError(t, err)

	require.NoError(t, b.engine.DeleteRecord(ctx, "recipes", rec.ID))

	// Device A observes the removal live.
	require.Eventually(t, func() bool {
		got, err := a.local.GetByID("recipes", rec.ID)
		return err == nil && got == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Another full pass on B finds nothing to resurrect.
	summary, err := b.engine.InitialSync(ctx)
	require.NoError(t, err)
	require.False(t, summary.Failed())
	got, err := b.local.GetByID("recipes", rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, mem.GetAll("recipes"))
}
