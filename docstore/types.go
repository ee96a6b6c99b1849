// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package docstore defines the remote document store contract used by the
// KitchenVoice sync engine: wire types, deterministic doc id and path
// helpers, and two Store implementations (HTTP client and in-memory).
//
// The remote store is organized as one sub-collection per entity type under
// an account-scoped root: accounts/{accountID}/{collection}/{docID}.
package docstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is a single remote record. Every document carries the local
// primary key it mirrors (LocalID) and the server write timestamp (SyncedAt)
// in addition to entity-specific fields.
type Document struct {
	DocID    string         `json:"doc_id"`
	LocalID  int64          `json:"local_id"`
	Fields   map[string]any `json:"fields"`
	SyncedAt time.Time      `json:"synced_at"`
}

// ChangeType tags an incremental change event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is one entry of a collection's incremental change feed.
// SourceID identifies the device that performed the write so listeners can
// suppress their own echo. Seq is the server-assigned watermark.
type ChangeEvent struct {
	Seq      int64      `json:"seq"`
	Type     ChangeType `json:"type"`
	Doc      Document   `json:"doc"`
	SourceID string     `json:"source_id"`
}

// Store is the capability interface the sync engine requires from a remote
// document store. Absence of a capability is a compile-time error, not a
// runtime probe.
type Store interface {
	// GetAll returns every document in the collection for the authenticated
	// account.
	GetAll(ctx context.Context, collection string) ([]Document, error)

	// SetDoc writes a document by reference (full replace, not merge).
	SetDoc(ctx context.Context, collection string, doc Document) error

	// DeleteDoc removes a document; deleting a missing document is not an
	// error.
	DeleteDoc(ctx context.Context, collection string, docID string) error

	// Subscribe attaches a live change feed starting after the given
	// watermark; a negative watermark starts at the current feed head,
	// delivering only changes made after the subscription. Events are
	// delivered in batches until the returned cancel function is called or
	// ctx is done.
	Subscribe(ctx context.Context, collection string, after int64, fn func([]ChangeEvent)) (cancel func(), err error)
}

// MakeDocID builds the deterministic document id for a local record:
// "<entityPrefix>_<localID>". Deterministic ids make remote upserts
// idempotent by reference rather than by query.
func MakeDocID(prefix string, localID int64) string {
	return prefix + "_" + strconv.FormatInt(localID, 10)
}

// ParseDocID splits a deterministic document id back into its prefix and
// local id.
func ParseDocID(docID string) (prefix string, localID int64, err error) {
	idx := strings.LastIndex(docID, "_")
	if idx <= 0 || idx == len(docID)-1 {
		return "", 0, fmt.Errorf("malformed doc id %q", docID)
	}
	localID, err = strconv.ParseInt(docID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed doc id %q: %w", docID, err)
	}
	return docID[:idx], localID, nil
}

// AccountPath returns the account-scoped collection path,
// accounts/{accountID}/{collection}.
func AccountPath(accountID, collection string) string {
	return "accounts/" + accountID + "/" + collection
}

// DocPath returns the full path of a single document.
func DocPath(accountID, collection, docID string) string {
	return AccountPath(accountID, collection) + "/" + docID
}
