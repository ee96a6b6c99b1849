// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

// EntitySummary counts the outcome of one entity type's reconciliation pass.
type EntitySummary struct {
	Added            int   // records created locally from remote state
	Updated          int   // local records overwritten by newer remote state
	Skipped          int   // remote records suppressed by tombstones
	Uploaded         int   // local records pushed to the remote store
	RemoteDuplicates int   // remote documents deleted by natural-key dedup
	LocalDuplicates  int   // local records deleted by natural-key dedup
	Err              error // non-nil when the pass failed partway
}

// SyncSummary aggregates a full reconciliation run.
type SyncSummary struct {
	PurgedTombstones int
	Entities         map[string]*EntitySummary
}

// Failed reports whether any entity type's pass recorded an error.
func (s *SyncSummary) Failed() bool {
	for _, es := range s.Entities {
		if es.Err != nil {
			return true
		}
	}
	return false
}

// Reconciler orchestrates full bidirectional synchronization across all
// entity types in dependency order.
type Reconciler struct {
	local               *localstore.Store
	remote              docstore.Store
	registry            *Registry
	gateway             *pushGateway
	logger              *slog.Logger
	tombstoneMaxAgeDays int
}

// SyncAll runs one full reconciliation pass over every registered entity
// type. A failure in one type is recorded and logged but does not abort the
// remaining types, so partial connectivity degrades gracefully.
func (r *Reconciler) SyncAll(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{Entities: make(map[string]*EntitySummary)}

	// Step 1: snapshot the ledger, clear the mirror tables (stale cached
	// duplicates accumulate across sessions), restore the ledger, then purge
	// expired tombstones. The snapshot keeps this pass's suppression set
	// intact even for entries the purge removes.
	snapshot, err := r.local.SnapshotTombstones()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tombstones: %w", err)
	}
	if mirrors := r.registry.MirrorNames(); len(mirrors) > 0 {
		if err := r.local.ClearEntityTables(mirrors...); err != nil {
			return nil, fmt.Errorf("failed to clear mirror tables: %w", err)
		}
	}
	if err := r.local.RestoreTombstones(snapshot); err != nil {
		return nil, fmt.Errorf("failed to restore tombstone ledger: %w", err)
	}
	purged, err := r.local.PurgeTombstones(r.tombstoneMaxAgeDays)
	if err != nil {
		return nil, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	summary.PurgedTombstones = purged

	deletedByType := make(map[string]map[int64]bool)
	for _, t := range snapshot {
		set := deletedByType[t.EntityType]
		if set == nil {
			set = make(map[int64]bool)
			deletedByType[t.EntityType] = set
		}
		set[t.EntityID] = true
	}

	for i := range r.registry.Types() {
		et := &r.registry.Types()[i]
		es := &EntitySummary{}
		summary.Entities[et.Name] = es
		if err := r.syncEntity(ctx, et, deletedByType[et.Name], es); err != nil {
			es.Err = err
			r.logger.Error("Reconciliation pass failed; continuing with next entity type",
				"entity", et.Name, "op", OpReconcile, "error", err)
			continue
		}
		r.logger.Info("Reconciled entity type",
			"entity", et.Name, "added", es.Added, "updated", es.Updated,
			"skipped", es.Skipped, "uploaded", es.Uploaded,
			"remote_dups", es.RemoteDuplicates, "local_dups", es.LocalDuplicates)
	}

	return summary, nil
}

// syncEntity runs steps 2-8 of the reconciliation algorithm for one entity
// type, strictly in order: dedup before index build before merge before
// upload.
func (r *Reconciler) syncEntity(ctx context.Context, et *EntityType, deleted map[int64]bool, es *EntitySummary) error {
	// Step 2: remote dedup.
	docs, err := r.remote.GetAll(ctx, et.Name)
	if err != nil {
		return fmt.Errorf("failed to fetch remote %s: %w", et.Name, err)
	}
	docs, removed := r.dedupRemote(ctx, et, docs)
	es.RemoteDuplicates = removed

	// Step 3: local dedup.
	records, err := r.local.GetAll(et.Name)
	if err != nil {
		return fmt.Errorf("failed to read local %s: %w", et.Name, err)
	}
	records, dropped, err := r.dedupLocal(et, records)
	if err != nil {
		return err
	}
	es.LocalDuplicates = dropped

	// Step 4: index build.
	cloudByLocalID := make(map[int64]docstore.Document, len(docs))
	cloudByKey := make(map[string]docstore.Document)
	for _, doc := range docs {
		cloudByLocalID[doc.LocalID] = doc
		if et.NaturalKey != nil {
			if key, ok := et.NaturalKey(recordFields(doc)); ok {
				cloudByKey[key] = doc
			}
		}
	}
	localByID := make(map[int64]localstore.Record, len(records))
	localByKey := make(map[string]localstore.Record)
	for _, rec := range records {
		localByID[rec.ID] = rec
		if et.NaturalKey != nil {
			if key, ok := et.NaturalKey(rec.Fields); ok {
				localByKey[key] = rec
			}
		}
	}

	// Step 5: download pass: remote records unknown locally, by id and by
	// natural key. Tombstones win: a deleted id is never resurrected.
	for _, doc := range sortedDocs(docs) {
		if _, ok := localByID[doc.LocalID]; ok {
			continue
		}
		fields := recordFields(doc)
		var key string
		var hasKey bool
		if et.NaturalKey != nil {
			if key, hasKey = et.NaturalKey(fields); hasKey {
				if _, taken := localByKey[key]; taken {
					continue
				}
			}
		}
		if deleted[doc.LocalID] {
			es.Skipped++
			continue
		}
		rec := localstore.Record{ID: doc.LocalID, EntityType: et.Name, Fields: fields}
		if err := r.local.Put(rec); err != nil {
			return fmt.Errorf("failed to insert downloaded record: %w", err)
		}
		localByID[rec.ID] = rec
		if hasKey {
			localByKey[key] = rec
		}
		es.Added++
	}

	// Step 6: conflict pass. Strictly newer remote state overwrites local;
	// otherwise local stands (newer or equal).
	for _, doc := range sortedDocs(docs) {
		rec, ok := localByID[doc.LocalID]
		if !ok {
			continue
		}
		fields := recordFields(doc)
		if !remoteNewer(fields, rec.Fields, et.Clock) {
			continue
		}
		if err := r.local.Update(et.Name, rec.ID, fields); err != nil {
			return fmt.Errorf("failed to apply remote update: %w", err)
		}
		rec.Fields = fields
		localByID[rec.ID] = rec
		es.Updated++
	}

	// Step 7: key-collision repair for mirror reference lists: when a local
	// record and a cloud document share a natural key under different ids,
	// the cloud id becomes canonical.
	if et.Mirror && et.NaturalKey != nil {
		for _, key := range sortedKeys(localByKey) {
			rec := localByKey[key]
			doc, ok := cloudByKey[key]
			if !ok || doc.LocalID == rec.ID {
				continue
			}
			if err := r.local.Delete(et.Name, rec.ID); err != nil {
				return fmt.Errorf("failed to drop key-collision duplicate: %w", err)
			}
			delete(localByID, rec.ID)
			canonical := localstore.Record{ID: doc.LocalID, EntityType: et.Name, Fields: recordFields(doc)}
			if err := r.local.Put(canonical); err != nil {
				return fmt.Errorf("failed to adopt cloud id for %s %q: %w", et.Name, key, err)
			}
			localByID[canonical.ID] = canonical
			localByKey[key] = canonical
		}
	}

	// Step 8: upload pass: local-only records, and records whose local copy
	// is strictly newer than the cloud's.
	for _, id := range sortedIDs(localByID) {
		rec := localByID[id]
		doc, inCloud := cloudByLocalID[rec.ID]
		if !inCloud {
			if et.NaturalKey != nil {
				if key, ok := et.NaturalKey(rec.Fields); ok {
					if _, cloudHasKey := cloudByKey[key]; cloudHasKey {
						continue
					}
				}
			}
			result, err := r.gateway.PushRecord(ctx, et, rec, PushOptions{})
			if err != nil {
				return err
			}
			if result.Delivered {
				es.Uploaded++
			}
			continue
		}
		if remoteNewer(rec.Fields, recordFields(doc), et.Clock) {
			// Local clock strictly ahead of cloud: re-push to overwrite.
			result, err := r.gateway.PushRecord(ctx, et, rec, PushOptions{})
			if err != nil {
				return err
			}
			if result.Delivered {
				es.Uploaded++
			}
		}
	}

	return nil
}

// dedupRemote groups remote documents by natural key and keeps the one with
// the latest clock per group, deleting the rest from the remote store. This
// repairs divergence from two offline devices independently creating "the
// same" entity under different ids. Ties keep the lower id, which is stable
// for the duration of a pass.
func (r *Reconciler) dedupRemote(ctx context.Context, et *EntityType, docs []docstore.Document) ([]docstore.Document, int) {
	if et.NaturalKey == nil {
		return docs, 0
	}

	groups := make(map[string][]docstore.Document)
	var keyless []docstore.Document
	for _, doc := range docs {
		key, ok := et.NaturalKey(recordFields(doc))
		if !ok {
			keyless = append(keyless, doc)
			continue
		}
		groups[key] = append(groups[key], doc)
	}

	survivors := keyless
	removed := 0
	for _, key := range sortedGroupKeys(groups) {
		group := groups[key]
		winner := pickLatest(group, et.Clock)
		survivors = append(survivors, winner)
		for _, doc := range group {
			if doc.DocID == winner.DocID {
				continue
			}
			if err := r.remote.DeleteDoc(ctx, et.Name, doc.DocID); err != nil {
				// Leave the duplicate for the next pass rather than failing
				// the whole entity type.
				r.logger.Warn("Failed to delete remote duplicate",
					"entity", et.Name, "doc_id", doc.DocID, "error", err)
				survivors = append(survivors, doc)
				continue
			}
			removed++
		}
	}
	return survivors, removed
}

// dedupLocal keeps the first-seen local record per natural key and deletes
// the rest.
func (r *Reconciler) dedupLocal(et *EntityType, records []localstore.Record) ([]localstore.Record, int, error) {
	if et.NaturalKey == nil {
		return records, 0, nil
	}
	seen := make(map[string]bool)
	survivors := records[:0]
	dropped := 0
	for _, rec := range records {
		key, ok := et.NaturalKey(rec.Fields)
		if ok && seen[key] {
			if err := r.local.Delete(et.Name, rec.ID); err != nil {
				return nil, dropped, fmt.Errorf("failed to delete local duplicate %s/%d: %w", et.Name, rec.ID, err)
			}
			dropped++
			continue
		}
		if ok {
			seen[key] = true
		}
		survivors = append(survivors, rec)
	}
	return survivors, dropped, nil
}

// pickLatest returns the group member with the newest clock. Members without
// a clock lose to any clocked member; among clock ties the lowest id wins so
// a pass is deterministic.
func pickLatest(group []docstore.Document, clock ClockField) docstore.Document {
	winner := group[0]
	winnerTS, winnerOK := recordClock(recordFields(winner), clock)
	for _, doc := range group[1:] {
		ts, ok := recordClock(recordFields(doc), clock)
		switch {
		case ok && !winnerOK:
			winner, winnerTS, winnerOK = doc, ts, true
		case ok && ts.After(winnerTS):
			winner, winnerTS = doc, ts
		case ok && ts.Equal(winnerTS) && doc.LocalID < winner.LocalID:
			winner = doc
		}
	}
	return winner
}

func sortedDocs(docs []docstore.Document) []docstore.Document {
	out := make([]docstore.Document, len(docs))
	copy(out, docs)
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func sortedIDs(m map[int64]localstore.Record) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[string]localstore.Record) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedGroupKeys(m map[string][]docstore.Document) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
