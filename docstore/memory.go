// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory document store for one account. It implements
// the same collection/change-feed semantics as the HTTP server and is used by
// tests and the two-device example. Writes must go through a per-device
// Handle so change events carry the writer's source id.
type memEvent struct {
	collection string
	ev         ChangeEvent
}

type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	log         []memEvent
	seq         int64
	notify      chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		notify:      make(chan struct{}),
	}
}

// Handle returns a Store bound to the given device source id. Two devices
// sharing one MemoryStore see each other's changes through Subscribe.
func (m *MemoryStore) Handle(sourceID string) Store {
	return &memoryHandle{store: m, sourceID: sourceID}
}

// GetAll returns a copy of every document in the collection.
func (m *MemoryStore) GetAll(collection string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]Document, 0, len(m.collections[collection]))
	for _, doc := range m.collections[collection] {
		docs = append(docs, cloneDocument(doc))
	}
	return docs
}

// SetDoc replaces (or creates) a document and appends a change event.
func (m *MemoryStore) SetDoc(collection string, doc Document, sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	typ := ChangeAdded
	if _, exists := coll[doc.DocID]; exists {
		typ = ChangeModified
	}
	coll[doc.DocID] = cloneDocument(doc)

	m.seq++
	m.log = append(m.log, memEvent{collection: collection, ev: ChangeEvent{
		Seq:      m.seq,
		Type:     typ,
		Doc:      cloneDocument(doc),
		SourceID: sourceID,
	}})
	m.wake()
}

// DeleteDoc removes a document; deleting a missing document is a no-op.
func (m *MemoryStore) DeleteDoc(collection, docID, sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[collection]
	doc, exists := coll[docID]
	if !exists {
		return
	}
	delete(coll, docID)

	m.seq++
	m.log = append(m.log, memEvent{collection: collection, ev: ChangeEvent{
		Seq:      m.seq,
		Type:     ChangeRemoved,
		Doc:      Document{DocID: docID, LocalID: doc.LocalID},
		SourceID: sourceID,
	}})
	m.wake()
}

// eventsAfter returns events for the collection with seq > after.
func (m *MemoryStore) eventsAfter(collection string, after int64) ([]ChangeEvent, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ChangeEvent
	cursor := after
	for _, entry := range m.log {
		if entry.ev.Seq <= after {
			continue
		}
		if entry.collection == collection {
			out = append(out, entry.ev)
		}
		// Advance past foreign-collection events too, so pollers do not
		// rescan them forever.
		cursor = entry.ev.Seq
	}
	return out, cursor
}

// wake signals all pollers that new events are available.
func (m *MemoryStore) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func cloneDocument(doc Document) Document {
	out := doc
	if doc.Fields != nil {
		out.Fields = cloneFieldMap(doc.Fields)
	}
	return out
}

func cloneFieldMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneFieldMap(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// memoryHandle binds a MemoryStore to one device's source id.
type memoryHandle struct {
	store    *MemoryStore
	sourceID string
}

func (h *memoryHandle) GetAll(_ context.Context, collection string) ([]Document, error) {
	return h.store.GetAll(collection), nil
}

func (h *memoryHandle) SetDoc(_ context.Context, collection string, doc Document) error {
	h.store.SetDoc(collection, doc, h.sourceID)
	return nil
}

func (h *memoryHandle) DeleteDoc(_ context.Context, collection string, docID string) error {
	h.store.DeleteDoc(collection, docID, h.sourceID)
	return nil
}

func (h *memoryHandle) Subscribe(ctx context.Context, collection string, after int64, fn func([]ChangeEvent)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	cursor := after
	if cursor < 0 {
		h.store.mu.Lock()
		cursor = h.store.seq
		h.store.mu.Unlock()
	}
	go func() {
		for {
			h.store.mu.Lock()
			notify := h.store.notify
			h.store.mu.Unlock()

			events, next := h.store.eventsAfter(collection, cursor)
			if len(events) > 0 {
				fn(events)
			}
			cursor = next

			select {
			case <-subCtx.Done():
				return
			case <-notify:
			}
		}
	}()
	return cancel, nil
}
