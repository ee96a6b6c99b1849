// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore implements the per-device embedded datastore: one SQLite
// table per entity type plus the tombstone ledger. Local reads and writes are
// synchronous; all network suspension points live above this package.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row of an entity table. ID is the durable identity used by
// the rest of the application; it is assigned from a per-entity monotonic
// counter unless the caller provides one (reconciliation preserves remote
// ids).
type Record struct {
	ID         int64
	EntityType string
	Fields     map[string]any
}

// Store owns the SQLite database with one table per registered entity type.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	tables map[string]bool
}

// Open opens (or creates) the local store at path and registers the entity
// type tables. Use ":memory:" for tests.
func Open(path string, entityTypes []string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// A single connection keeps read-modify-write sequences serialized at the
	// driver level as well.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, logger: logger, tables: make(map[string]bool)}
	if err := s.initialize(entityTypes); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) initialize(entityTypes []string) error {
	if _, err := s.DB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.DB.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv_counters (
			entity_type TEXT NOT NULL PRIMARY KEY,
			next_id     INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS tombstones (
			entity_type TEXT NOT NULL,
			entity_id   INTEGER NOT NULL,
			deleted_at  TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_meta (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create local store schema: %w", err)
		}
	}

	for _, et := range entityTypes {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id     INTEGER NOT NULL PRIMARY KEY,
			fields TEXT NOT NULL
		)`, quoteTable(et))
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table for %s: %w", et, err)
		}
		s.tables[et] = true
	}
	return nil
}

// tableName maps an entity type to its table, guarding against unregistered
// types reaching SQL string construction.
func (s *Store) tableName(entityType string) (string, error) {
	if !s.tables[entityType] {
		return "", fmt.Errorf("entity type %q is not registered", entityType)
	}
	return quoteTable(entityType), nil
}

func quoteTable(entityType string) string {
	return `"kv_` + strings.ReplaceAll(entityType, `"`, ``) + `"`
}

// NextID allocates the next monotonic id for the entity type. Allocated ids
// are never reused, even after deletion.
func (s *Store) NextID(entityType string) (int64, error) {
	if !s.tables[entityType] {
		return 0, fmt.Errorf("entity type %q is not registered", entityType)
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin id allocation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO kv_counters (entity_type, next_id) VALUES (?, 1)
		ON CONFLICT(entity_type) DO NOTHING
	`, entityType); err != nil {
		return 0, fmt.Errorf("failed to seed counter: %w", err)
	}

	var id int64
	if err := tx.QueryRow(`SELECT next_id FROM kv_counters WHERE entity_type = ?`, entityType).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	if _, err := tx.Exec(`UPDATE kv_counters SET next_id = ? WHERE entity_type = ?`, id+1, entityType); err != nil {
		return 0, fmt.Errorf("failed to advance counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit id allocation: %w", err)
	}
	return id, nil
}

// bumpCounter raises the counter so future NextID calls stay above id. Used
// when reconciliation inserts a record with a remote-provided id.
func (s *Store) bumpCounter(entityType string, id int64) error {
	_, err := s.DB.Exec(`
		INSERT INTO kv_counters (entity_type, next_id) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)
	`, entityType, id+1)
	if err != nil {
		return fmt.Errorf("failed to bump counter: %w", err)
	}
	return nil
}

// GetAll returns every record of the entity type, ordered by id.
func (s *Store) GetAll(entityType string) ([]Record, error) {
	table, err := s.tableName(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(fmt.Sprintf(`SELECT id, fields FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows, entityType)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", entityType, err)
	}
	return records, nil
}

// GetByID returns the record, or (nil, nil) when absent.
func (s *Store) GetByID(entityType string, id int64) (*Record, error) {
	table, err := s.tableName(entityType)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.DB.QueryRow(fmt.Sprintf(`SELECT fields FROM %s WHERE id = ?`, table), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%d: %w", entityType, id, err)
	}
	fields, err := decodeFields(raw, entityType, id)
	if err != nil {
		return nil, err
	}
	return &Record{ID: id, EntityType: entityType, Fields: fields}, nil
}

// Put upserts a record preserving its id, keeping the id counter ahead of any
// externally assigned id.
func (s *Store) Put(rec Record) error {
	table, err := s.tableName(rec.EntityType)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %s/%d: %w", rec.EntityType, rec.ID, err)
	}
	if _, err := s.DB.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, fields) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET fields = excluded.fields
	`, table), rec.ID, string(raw)); err != nil {
		return fmt.Errorf("failed to put %s/%d: %w", rec.EntityType, rec.ID, err)
	}
	return s.bumpCounter(rec.EntityType, rec.ID)
}

// Update overwrites the fields of an existing record.
func (s *Store) Update(entityType string, id int64, fields map[string]any) error {
	table, err := s.tableName(entityType)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %s/%d: %w", entityType, id, err)
	}
	res, err := s.DB.Exec(fmt.Sprintf(`UPDATE %s SET fields = ? WHERE id = ?`, table), string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to update %s/%d: %w", entityType, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cannot update missing record %s/%d", entityType, id)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(entityType string, id int64) error {
	table, err := s.tableName(entityType)
	if err != nil {
		return err
	}
	if _, err := s.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", entityType, id, err)
	}
	return nil
}

// ClearEntityTables wipes the given entity tables. The tombstone ledger and
// id counters are untouched.
func (s *Store) ClearEntityTables(entityTypes ...string) error {
	for _, et := range entityTypes {
		table, err := s.tableName(et)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", et, err)
		}
	}
	return nil
}

// GetMeta returns a metadata value, or "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.DB.QueryRow(`SELECT value FROM kv_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a metadata value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.DB.Exec(`
		INSERT INTO kv_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %q: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, entityType string) (Record, error) {
	var id int64
	var raw string
	if err := row.Scan(&id, &raw); err != nil {
		return Record{}, fmt.Errorf("failed to scan %s row: %w", entityType, err)
	}
	fields, err := decodeFields(raw, entityType, id)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, EntityType: entityType, Fields: fields}, nil
}

func decodeFields(raw, entityType string, id int64) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for %s/%d: %w", entityType, id, err)
	}
	return fields, nil
}
