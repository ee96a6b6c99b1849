// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

// Config holds engine configuration for one session.
type Config struct {
	Registry            *Registry
	TombstoneMaxAgeDays int // rolling tombstone retention, default 30
	PushMaxRetries      int // default 3

	// SyncID returns the authenticated account id, or "" when signed out.
	// With no session every remote operation is a guarded no-op and the
	// application stays usable fully offline.
	SyncID func() string
}

// DefaultConfig returns the standard engine configuration with the
// KitchenVoice entity catalog.
func DefaultConfig(syncID func() string) *Config {
	return &Config{
		Registry:            DefaultRegistry(),
		TombstoneMaxAgeDays: 30,
		PushMaxRetries:      3,
		SyncID:              syncID,
	}
}

// SyncEngine owns all synchronization state for one session: the local
// store, the remote store handle, the status publisher, the retry cancel
// group, and the attached change listeners. Construct one per session and
// tear it down on logout with Reset or Close. There is no ambient
// process-wide state.
type SyncEngine struct {
	local  *localstore.Store
	remote docstore.Store
	config *Config
	logger *slog.Logger

	status   *StatusPublisher
	gateway  *pushGateway
	deviceID string

	// writeMu serializes every local read-modify-write sequence performed by
	// application calls, the reconciler, and change listeners.
	writeMu sync.Mutex

	mu          sync.Mutex
	retryCtx    context.Context
	retryCancel context.CancelFunc
	listeners   []func()
	dataSubs    map[string]map[int]func()
	nextDataSub int
	closed      bool
}

// NewEngine creates a sync engine. The device id is generated once and
// persisted in the local store, so an app reinstall keeps its identity only
// if it keeps its database file.
func NewEngine(local *localstore.Store, remote docstore.Store, config *Config, logger *slog.Logger) (*SyncEngine, error) {
	if config == nil || config.Registry == nil {
		return nil, fmt.Errorf("config with a registry is required")
	}
	if config.TombstoneMaxAgeDays <= 0 {
		config.TombstoneMaxAgeDays = 30
	}
	if config.PushMaxRetries <= 0 {
		config.PushMaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	deviceID, err := EnsureDeviceID(local)
	if err != nil {
		return nil, err
	}

	retryCtx, retryCancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		local:       local,
		remote:      remote,
		config:      config,
		logger:      logger,
		status:      NewStatusPublisher(logger),
		deviceID:    deviceID,
		retryCtx:    retryCtx,
		retryCancel: retryCancel,
		dataSubs:    make(map[string]map[int]func()),
	}
	e.gateway = newPushGateway(remote, e.status, e.currentRetryCtx, config.PushMaxRetries, logger)
	return e, nil
}

// EnsureDeviceID returns the persisted device id, generating and storing a
// new UUID on first use.
func EnsureDeviceID(local *localstore.Store) (string, error) {
	id, err := local.GetMeta("device_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := local.SetMeta("device_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// DeviceID returns this device's stable source id.
func (e *SyncEngine) DeviceID() string { return e.deviceID }

// Status returns the current aggregated sync status.
func (e *SyncEngine) Status() Status { return e.status.Status() }

// OnSyncStatusChange registers a status observer; returns its unsubscribe
// function.
func (e *SyncEngine) OnSyncStatusChange(fn func(Status)) func() {
	return e.status.OnChange(fn)
}

// OnDataChange registers an "entity type changed" observer used by dependent
// UI and business logic to refresh; returns its unsubscribe function.
func (e *SyncEngine) OnDataChange(entityType string, fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.dataSubs[entityType]
	if subs == nil {
		subs = make(map[int]func())
		e.dataSubs[entityType] = subs
	}
	id := e.nextDataSub
	e.nextDataSub++
	subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if subs, ok := e.dataSubs[entityType]; ok {
			delete(subs, id)
		}
	}
}

func (e *SyncEngine) notifyDataChange(entityType string) {
	e.mu.Lock()
	callbacks := make([]func(), 0, len(e.dataSubs[entityType]))
	for _, fn := range e.dataSubs[entityType] {
		callbacks = append(callbacks, fn)
	}
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// signedIn reports whether a sync account is available. Remote operations
// without one are guarded no-ops.
func (e *SyncEngine) signedIn() bool {
	return e.config.SyncID != nil && e.config.SyncID() != ""
}

func (e *SyncEngine) currentRetryCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCtx
}

// InitialSync runs the full reconciliation pass over every entity type in
// dependency order, then attaches live change listeners. Per-entity failures
// are isolated; InitialSync itself fails only when orchestration cannot run
// at all.
func (e *SyncEngine) InitialSync(ctx context.Context) (*SyncSummary, error) {
	if !e.signedIn() {
		e.logger.Info("No sync account; skipping initial sync")
		return &SyncSummary{Entities: map[string]*EntitySummary{}}, nil
	}

	e.status.Set(StatusSyncing)

	reconciler := &Reconciler{
		local:               e.local,
		remote:              e.remote,
		registry:            e.config.Registry,
		gateway:             e.gateway,
		logger:              e.logger,
		tombstoneMaxAgeDays: e.config.TombstoneMaxAgeDays,
	}

	e.writeMu.Lock()
	summary, err := reconciler.SyncAll(ctx)
	e.writeMu.Unlock()
	if err != nil {
		e.status.Set(StatusError)
		return nil, fmt.Errorf("initial sync failed: %w", err)
	}

	if summary.Failed() {
		e.status.Set(StatusError)
	} else {
		e.status.Set(StatusSynced)
	}

	for name := range summary.Entities {
		e.notifyDataChange(name)
	}

	if err := e.attachListeners(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

// attachListeners subscribes a change listener per entity type, starting at
// the current feed head. Listeners attach only after the initial
// reconciliation pass has completed; the pass already incorporated all prior
// remote state, so replaying history would only re-apply stale events.
func (e *SyncEngine) attachListeners(ctx context.Context) error {
	e.mu.Lock()
	existing := e.listeners
	e.listeners = nil
	e.mu.Unlock()
	for _, stop := range existing {
		stop()
	}

	for i := range e.config.Registry.Types() {
		et := &e.config.Registry.Types()[i]
		listener := &changeListener{
			local:    e.local,
			et:       et,
			sourceID: e.deviceID,
			logger:   e.logger,
			lock:     e.writeMu.Lock,
			unlock:   e.writeMu.Unlock,
			notify:   e.notifyDataChange,
		}
		cancel, err := listener.attach(ctx, e.remote, -1)
		if err != nil {
			return fmt.Errorf("failed to attach listener for %s: %w", et.Name, err)
		}
		e.mu.Lock()
		e.listeners = append(e.listeners, cancel)
		e.mu.Unlock()
	}
	return nil
}

// SaveRecord writes a record locally and propagates it to the remote store
// fire-and-forget (bounded retry in the background). A zero id allocates the
// next monotonic id; createdAt/updatedAt stamps are maintained here.
func (e *SyncEngine) SaveRecord(ctx context.Context, entityType string, rec localstore.Record) (localstore.Record, error) {
	et, ok := e.config.Registry.Get(entityType)
	if !ok {
		return rec, fmt.Errorf("unknown entity type %q", entityType)
	}

	e.writeMu.Lock()
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	rec.EntityType = entityType
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if rec.ID == 0 {
		id, err := e.local.NextID(entityType)
		if err != nil {
			e.writeMu.Unlock()
			return rec, err
		}
		rec.ID = id
		if _, ok := rec.Fields[fieldCreated]; !ok {
			rec.Fields[fieldCreated] = now
		}
	}
	rec.Fields[fieldUpdated] = now
	if err := e.local.Put(rec); err != nil {
		e.writeMu.Unlock()
		return rec, err
	}
	e.writeMu.Unlock()

	if !e.signedIn() {
		e.logger.Debug("No sync account; keeping record local only",
			"entity", entityType, "id", rec.ID)
		return rec, nil
	}

	// Fire-and-forget: the push retries in the background and reports through
	// the status publisher. Reset cancels the retry group.
	go func() {
		if _, err := e.gateway.PushRecord(e.currentRetryCtx(), et, rec, PushOptions{}); err != nil {
			e.logger.Error("Background push failed", "entity", entityType, "id", rec.ID, "error", err)
		}
	}()
	return rec, nil
}

// PushRecord pushes an existing local record synchronously, honoring
// PushOptions. Used by callers that need the result (e.g. manual sync
// actions).
func (e *SyncEngine) PushRecord(ctx context.Context, entityType string, id int64, opts PushOptions) (PushResult, error) {
	et, ok := e.config.Registry.Get(entityType)
	if !ok {
		return PushResult{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	if !e.signedIn() {
		e.logger.Debug("No sync account; push skipped", "entity", entityType, "id", id)
		return PushResult{}, nil
	}
	e.writeMu.Lock()
	rec, err := e.local.GetByID(entityType, id)
	e.writeMu.Unlock()
	if err != nil {
		return PushResult{}, err
	}
	if rec == nil {
		return PushResult{}, &SyncError{EntityType: entityType, EntityID: id, Op: OpPush, Err: fmt.Errorf("record not found")}
	}
	return e.gateway.PushRecord(ctx, et, *rec, opts)
}

// DeleteRecord deletes an entity: tombstone first (unconditionally, so a
// failed network delete can never resurrect it), then the local row, then a
// best-effort remote delete.
func (e *SyncEngine) DeleteRecord(ctx context.Context, entityType string, id int64) error {
	et, ok := e.config.Registry.Get(entityType)
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}

	e.writeMu.Lock()
	if err := e.local.RecordDeletion(entityType, id); err != nil {
		// Losing a tombstone write risks resurrection but must not block the
		// user-visible delete.
		e.logger.Error("Failed to record tombstone",
			"entity", entityType, "id", id, "op", OpDelete, "error", err)
	}
	err := e.local.Delete(entityType, id)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}

	if !e.signedIn() {
		return nil
	}
	e.gateway.DeleteRemote(ctx, et, id)
	return nil
}

// ClearDeletion removes a tombstone for an id the application intentionally
// re-creates.
func (e *SyncEngine) ClearDeletion(entityType string, id int64) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.local.ClearDeletion(entityType, id)
}

// Reset tears down session state on logout: detaches listeners, cancels the
// pending retry group (so no stale timer fires under a later account), and
// resets the status publisher to idle.
func (e *SyncEngine) Reset() {
	e.mu.Lock()
	listeners := e.listeners
	e.listeners = nil
	cancel := e.retryCancel
	e.retryCtx, e.retryCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	for _, stop := range listeners {
		stop()
	}
	cancel()
	e.status.Reset()
}

// Close resets the engine and closes nothing else: store lifecycles belong
// to the caller.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.Reset()
	return nil
}
