// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", []string{"departments", "recipes"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNextIDMonotonic(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.NextID("departments")
	require.NoError(t, err)
	id2, err := s.NextID("departments")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	// Deleting a record never frees its id.
	require.NoError(t, s.Put(Record{ID: id2, EntityType: "departments", Fields: map[string]any{"name": "Bakery"}}))
	require.NoError(t, s.Delete("departments", id2))
	id3, err := s.NextID("departments")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id3)
}

func TestNextIDPerEntityCounters(t *testing.T) {
	s := newTestStore(t)

	id, err := s.NextID("departments")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = s.NextID("recipes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestPutBumpsCounterPastExternalID(t *testing.T) {
	s := newTestStore(t)

	// Reconciliation inserts a record with a remote-assigned id.
	require.NoError(t, s.Put(Record{ID: 42, EntityType: "recipes", Fields: map[string]any{"name": "Stock"}}))

	id, err := s.NextID("recipes")
	require.NoError(t, err)
	assert.Equal(t, int64(43), id)
}

func TestGetByIDMissing(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.GetByID("departments", 99)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutUpdateDelete(t *testing.T) {
	s := newTestStore(t)

	rec := Record{ID: 1, EntityType: "departments", Fields: map[string]any{"name": "Pastry", "note": nil}}
	require.NoError(t, s.Put(rec))

	got, err := s.GetByID("departments", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Pastry", got.Fields["name"])
	// Explicit null round-trips.
	v, ok := got.Fields["note"]
	assert.True(t, ok)
	assert.Nil(t, v)

	require.NoError(t, s.Update("departments", 1, map[string]any{"name": "Pastry & Bread"}))
	got, err = s.GetByID("departments", 1)
	require.NoError(t, err)
	assert.Equal(t, "Pastry & Bread", got.Fields["name"])

	err = s.Update("departments", 7, map[string]any{"name": "x"})
	assert.Error(t, err)

	require.NoError(t, s.Delete("departments", 1))
	got, err = s.GetByID("departments", 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing record is a no-op.
	require.NoError(t, s.Delete("departments", 1))
}

func TestGetAllOrdered(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(Record{ID: 3, EntityType: "recipes", Fields: map[string]any{"name": "c"}}))
	require.NoError(t, s.Put(Record{ID: 1, EntityType: "recipes", Fields: map[string]any{"name": "a"}}))
	require.NoError(t, s.Put(Record{ID: 2, EntityType: "recipes", Fields: map[string]any{"name": "b"}}))

	records, err := s.GetAll("recipes")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, int64(2), records[1].ID)
	assert.Equal(t, int64(3), records[2].ID)
}

func TestUnregisteredEntityType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAll("vendors")
	assert.Error(t, err)
	_, err = s.NextID("vendors")
	assert.Error(t, err)
	err = s.Put(Record{ID: 1, EntityType: "vendors", Fields: map[string]any{}})
	assert.Error(t, err)
}

func TestClearEntityTablesKeepsCountersAndTombstones(t *testing.T) {
	s := newTestStore(t)

	id, err := s.NextID("departments")
	require.NoError(t, err)
	require.NoError(t, s.Put(Record{ID: id, EntityType: "departments", Fields: map[string]any{"name": "Grill"}}))
	require.NoError(t, s.RecordDeletion("departments", 50))

	require.NoError(t, s.ClearEntityTables("departments"))

	records, err := s.GetAll("departments")
	require.NoError(t, err)
	assert.Empty(t, records)

	next, err := s.NextID("departments")
	require.NoError(t, err)
	assert.Equal(t, id+1, next)

	deleted, err := s.IsDeleted("departments", 50)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMeta("device_id")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetMeta("device_id", "abc"))
	require.NoError(t, s.SetMeta("device_id", "def"))

	v, err = s.GetMeta("device_id")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}
