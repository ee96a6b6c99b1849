// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"time"
)

// Tombstone records that an entity id was intentionally deleted on this
// device. Its existence permanently suppresses resurrection of that id by
// any later merge step, until it is purged by age or explicitly cleared for
// a re-creation flow.
type Tombstone struct {
	EntityType string
	EntityID   int64
	DeletedAt  time.Time
}

// RecordDeletion inserts a tombstone. Idempotent: a second call for the same
// key is a no-op. Errors are returned for logging, but callers of a
// user-visible delete flow must not fail on them.
func (s *Store) RecordDeletion(entityType string, entityID int64) error {
	_, err := s.DB.Exec(`
		INSERT INTO tombstones (entity_type, entity_id, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO NOTHING
	`, entityType, entityID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record deletion %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// IsDeleted reports whether a tombstone exists for the key.
func (s *Store) IsDeleted(entityType string, entityID int64) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM tombstones WHERE entity_type = ? AND entity_id = ?)
	`, entityType, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone %s/%d: %w", entityType, entityID, err)
	}
	return exists, nil
}

// DeletedIDs returns the set of tombstoned ids for the entity type. Bulk form
// used by the reconciler and change listener to avoid one lookup per
// candidate record.
func (s *Store) DeletedIDs(entityType string) (map[int64]bool, error) {
	rows, err := s.DB.Query(`SELECT entity_id FROM tombstones WHERE entity_type = ?`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones for %s: %w", entityType, err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tombstones: %w", err)
	}
	return ids, nil
}

// ClearDeletion removes a tombstone. Used only when the application
// intentionally re-creates an entity sharing an id with a previously deleted
// one.
func (s *Store) ClearDeletion(entityType string, entityID int64) error {
	_, err := s.DB.Exec(`DELETE FROM tombstones WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to clear deletion %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// PurgeTombstones deletes tombstones strictly older than maxAgeDays and
// returns the exact count removed. A tombstone aged exactly maxAgeDays is
// kept.
func (s *Store) PurgeTombstones(maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format(time.RFC3339Nano)
	res, err := s.DB.Exec(`DELETE FROM tombstones WHERE deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged tombstones: %w", err)
	}
	return int(n), nil
}

// SnapshotTombstones reads the full ledger into memory. Taken before a full
// reconciliation pass so in-flight merges keep their suppression set even if
// the ledger is concurrently purged.
func (s *Store) SnapshotTombstones() ([]Tombstone, error) {
	rows, err := s.DB.Query(`SELECT entity_type, entity_id, deleted_at FROM tombstones`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tombstones: %w", err)
	}
	defer rows.Close()

	var snapshot []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		if err := rows.Scan(&t.EntityType, &t.EntityID, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
			t.DeletedAt = ts
		}
		snapshot = append(snapshot, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tombstone snapshot: %w", err)
	}
	return snapshot, nil
}

// RestoreTombstones re-inserts a snapshot, preserving original deletion
// times. Existing entries win; the ledger is append-only.
func (s *Store) RestoreTombstones(snapshot []Tombstone) error {
	for _, t := range snapshot {
		_, err := s.DB.Exec(`
			INSERT INTO tombstones (entity_type, entity_id, deleted_at)
			VALUES (?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO NOTHING
		`, t.EntityType, t.EntityID, t.DeletedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to restore tombstone %s/%d: %w", t.EntityType, t.EntityID, err)
		}
	}
	return nil
}
