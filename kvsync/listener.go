// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

// changeListener merges the live incremental change feed of one entity type
// into the local store. It is attached only after that entity type's initial
// reconciliation pass so a listener event can never race a dedup cleanup.
type changeListener struct {
	local    *localstore.Store
	et       *EntityType
	sourceID string
	logger   *slog.Logger

	// lock serializes local read-modify-write sequences with the rest of the
	// engine.
	lock   func()
	unlock func()
	notify func(entityType string)
}

// attach subscribes the listener to the remote change feed. The returned
// cancel detaches it.
func (l *changeListener) attach(ctx context.Context, remote docstore.Store, after int64) (func(), error) {
	cancel, err := remote.Subscribe(ctx, l.et.Name, after, l.handleBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", l.et.Name, err)
	}
	return cancel, nil
}

// handleBatch applies one batch of change events. Merge rules are the same as
// the reconciler's, and idempotent, so a replayed or echoed event is
// harmless even when echo suppression misses it.
func (l *changeListener) handleBatch(events []docstore.ChangeEvent) {
	l.lock()
	defer l.unlock()

	applied := 0
	for i := range events {
		ev := &events[i]
		// Echo suppression: our own writes come back on the feed tagged with
		// this device's source id.
		if ev.SourceID != "" && ev.SourceID == l.sourceID {
			continue
		}
		ok, err := l.applyEvent(ev)
		if err != nil {
			l.logger.Error("Failed to apply remote change",
				"entity", l.et.Name, "id", ev.Doc.LocalID, "op", OpMerge, "error", err)
			continue
		}
		if ok {
			applied++
		}
	}

	if applied > 0 && l.notify != nil {
		l.notify(l.et.Name)
	}
}

func (l *changeListener) applyEvent(ev *docstore.ChangeEvent) (bool, error) {
	switch ev.Type {
	case docstore.ChangeAdded, docstore.ChangeModified:
		return l.applyUpsert(ev)
	case docstore.ChangeRemoved:
		// A remote deletion is authoritative once observed.
		if err := l.local.Delete(l.et.Name, ev.Doc.LocalID); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown change type %q", ev.Type)
	}
}

func (l *changeListener) applyUpsert(ev *docstore.ChangeEvent) (bool, error) {
	fields := recordFields(ev.Doc)

	rec, err := l.local.GetByID(l.et.Name, ev.Doc.LocalID)
	if err != nil {
		return false, err
	}

	if rec == nil {
		deleted, err := l.local.IsDeleted(l.et.Name, ev.Doc.LocalID)
		if err != nil {
			return false, err
		}
		if deleted {
			// Tombstone wins: never resurrect an intentionally deleted id.
			return false, nil
		}
		if l.et.NaturalKey != nil {
			if key, ok := l.et.NaturalKey(fields); ok {
				taken, err := l.naturalKeyTaken(key, ev.Doc.LocalID)
				if err != nil {
					return false, err
				}
				if taken {
					// A different local record already owns this natural key;
					// inserting would duplicate a cross-device race. The next
					// full pass resolves the winner.
					return false, nil
				}
			}
		}
		if err := l.local.Put(localstore.Record{ID: ev.Doc.LocalID, EntityType: l.et.Name, Fields: fields}); err != nil {
			return false, err
		}
		return true, nil
	}

	if !remoteNewer(fields, rec.Fields, l.et.Clock) {
		return false, nil
	}
	if err := l.local.Update(l.et.Name, rec.ID, fields); err != nil {
		return false, err
	}
	return true, nil
}

// naturalKeyTaken reports whether a local record other than id already owns
// the natural key.
func (l *changeListener) naturalKeyTaken(key string, id int64) (bool, error) {
	records, err := l.local.GetAll(l.et.Name)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.ID == id {
			continue
		}
		if recKey, ok := l.et.NaturalKey(rec.Fields); ok && recKey == key {
			return true, nil
		}
	}
	return false, nil
}
