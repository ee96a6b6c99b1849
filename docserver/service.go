// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package docserver is the reference multi-tenant server for the KitchenVoice
// remote document store, backed by PostgreSQL. Documents live in
// account-scoped collections (accounts/{accountID}/{collection}/{docID});
// every write is appended to a change log whose BIGSERIAL seq is the
// subscription watermark clients long-poll against.
package docserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
)

// ServiceConfig holds configuration for the document service.
type ServiceConfig struct {
	AppName        string // connection tracking name
	MaxEventLimit  int    // hard cap on change-feed page size (default 1000)
	LongPollPeriod time.Duration
}

// DocService provides account-scoped document storage and a change feed.
type DocService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// NewDocService creates the service and initializes its schema.
func NewDocService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*DocService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "kitchenvoice-docserver"}
	}
	if config.MaxEventLimit <= 0 {
		config.MaxEventLimit = 1000
	}
	if config.LongPollPeriod <= 0 {
		config.LongPollPeriod = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &DocService{pool: pool, logger: logger, config: config}
	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize doc service: %w", err)
	}
	return s, nil
}

func (s *DocService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS docstore`,
		`CREATE TABLE IF NOT EXISTS docstore.documents (
			account_id TEXT        NOT NULL,
			collection TEXT        NOT NULL,
			doc_id     TEXT        NOT NULL,
			local_id   BIGINT      NOT NULL,
			fields     JSONB       NOT NULL,
			synced_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, collection, doc_id)
		)`,
		`CREATE TABLE IF NOT EXISTS docstore.document_changes (
			seq         BIGSERIAL PRIMARY KEY,
			account_id  TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			doc_id      TEXT        NOT NULL,
			change_type TEXT        NOT NULL CHECK (change_type IN ('added','modified','removed')),
			local_id    BIGINT      NOT NULL,
			fields      JSONB,
			synced_at   TIMESTAMPTZ,
			source_id   TEXT        NOT NULL DEFAULT '',
			ts          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_changes_feed
			ON docstore.document_changes (account_id, collection, seq)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
	}
	return nil
}

// Pool exposes the underlying connection pool for advanced callers.
func (s *DocService) Pool() *pgxpool.Pool { return s.pool }

// GetAll returns every document in the account's collection.
func (s *DocService) GetAll(ctx context.Context, accountID, collection string) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, local_id, fields, synced_at
		FROM docstore.documents
		WHERE account_id = $1 AND collection = $2
		ORDER BY local_id
	`, accountID, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var doc docstore.Document
		var fields []byte
		if err := rows.Scan(&doc.DocID, &doc.LocalID, &fields, &doc.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal(fields, &doc.Fields); err != nil {
			return nil, fmt.Errorf("corrupt fields for %s: %w", doc.DocID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collection %s: %w", collection, err)
	}
	return docs, nil
}

// SetDoc replaces (or creates) a document and appends a change event tagged
// with the writing device's source id.
func (s *DocService) SetDoc(ctx context.Context, accountID, sourceID, collection string, doc docstore.Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %s: %w", doc.DocID, err)
	}

	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO docstore.documents (account_id, collection, doc_id, local_id, fields, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id, collection, doc_id)
			DO UPDATE SET local_id = EXCLUDED.local_id, fields = EXCLUDED.fields, synced_at = EXCLUDED.synced_at
		`, accountID, collection, doc.DocID, doc.LocalID, fields, doc.SyncedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", doc.DocID, err)
		}

		changeType := docstore.ChangeModified
		if tag.RowsAffected() == 1 {
			// RowsAffected is 1 for both paths; distinguish via xmax trick is
			// overkill here, so probe the change log instead.
			var seen bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS(
					SELECT 1 FROM docstore.document_changes
					WHERE account_id = $1 AND collection = $2 AND doc_id = $3 AND change_type <> 'removed'
				)
			`, accountID, collection, doc.DocID).Scan(&seen); err != nil {
				return fmt.Errorf("failed to classify change: %w", err)
			}
			if !seen {
				changeType = docstore.ChangeAdded
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO docstore.document_changes
				(account_id, collection, doc_id, change_type, local_id, fields, synced_at, source_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, accountID, collection, doc.DocID, string(changeType), doc.LocalID, fields, doc.SyncedAt, sourceID)
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}
		return nil
	})
}

// DeleteDoc removes a document and appends a removal event. Deleting a
// missing document is a no-op and appends nothing.
func (s *DocService) DeleteDoc(ctx context.Context, accountID, sourceID, collection, docID string) error {
	return s.withTxRetry(ctx, func(tx pgx.Tx) error {
		var localID int64
		err := tx.QueryRow(ctx, `
			DELETE FROM docstore.documents
			WHERE account_id = $1 AND collection = $2 AND doc_id = $3
			RETURNING local_id
		`, accountID, collection, docID).Scan(&localID)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", docID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO docstore.document_changes
				(account_id, collection, doc_id, change_type, local_id, source_id)
			VALUES ($1, $2, $3, 'removed', $4, $5)
		`, accountID, collection, docID, localID, sourceID)
		if err != nil {
			return fmt.Errorf("failed to append removal event: %w", err)
		}
		return nil
	})
}

// Changes returns up to limit change events after the watermark, and the next
// watermark. A negative watermark resolves to the current feed head, so a
// fresh subscriber sees only changes made after it attached. When the feed is
// empty it long-polls up to wait before giving up, so subscribed clients see
// sub-second latency without busy polling.
func (s *DocService) Changes(ctx context.Context, accountID, collection string, after int64, limit int, wait time.Duration) ([]docstore.ChangeEvent, int64, error) {
	if limit <= 0 || limit > s.config.MaxEventLimit {
		limit = s.config.MaxEventLimit
	}
	if after < 0 {
		err := s.pool.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0)
			FROM docstore.document_changes
			WHERE account_id = $1 AND collection = $2
		`, accountID, collection).Scan(&after)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resolve feed head: %w", err)
		}
	}

	deadline := time.Now().Add(wait)
	for {
		events, next, err := s.fetchChanges(ctx, accountID, collection, after, limit)
		if err != nil {
			return nil, 0, err
		}
		if len(events) > 0 || wait <= 0 || time.Now().After(deadline) {
			return events, next, nil
		}
		timer := time.NewTimer(s.config.LongPollPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *DocService) fetchChanges(ctx context.Context, accountID, collection string, after int64, limit int) ([]docstore.ChangeEvent, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, change_type, doc_id, local_id, fields, synced_at, source_id
		FROM docstore.document_changes
		WHERE account_id = $1 AND collection = $2 AND seq > $3
		ORDER BY seq
		LIMIT $4
	`, accountID, collection, after, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query change feed: %w", err)
	}
	defer rows.Close()

	var events []docstore.ChangeEvent
	next := after
	for rows.Next() {
		var ev docstore.ChangeEvent
		var changeType string
		var fields []byte
		var syncedAt *time.Time
		if err := rows.Scan(&ev.Seq, &changeType, &ev.Doc.DocID, &ev.Doc.LocalID, &fields, &syncedAt, &ev.SourceID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan change event: %w", err)
		}
		ev.Type = docstore.ChangeType(changeType)
		if fields != nil {
			if err := json.Unmarshal(fields, &ev.Doc.Fields); err != nil {
				return nil, 0, fmt.Errorf("corrupt change fields for %s: %w", ev.Doc.DocID, err)
			}
		}
		if syncedAt != nil {
			ev.Doc.SyncedAt = *syncedAt
		}
		events = append(events, ev)
		next = ev.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate change feed: %w", err)
	}
	return events, next, nil
}
