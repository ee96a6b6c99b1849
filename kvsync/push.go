// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/localstore"
)

// PushOptions tunes a single push.
type PushOptions struct {
	// ThrowOnError makes exhausted or fatal pushes return a *SyncError
	// instead of only reporting through PushResult. Legacy fire-and-forget
	// call sites leave it false.
	ThrowOnError bool
	// MaxRetries bounds retries of transient failures. 0 means the engine
	// default (3).
	MaxRetries int
}

// PushResult reports the outcome of one push, including the retry history.
type PushResult struct {
	Delivered bool
	Attempts  int
	Err       error
}

// pushGateway writes single records to the remote store with sanitization,
// deterministic doc ids, and bounded exponential retry. Backoff timers derive
// from the engine's retry context so logout cancels them as a group.
type pushGateway struct {
	remote     docstore.Store
	status     *StatusPublisher
	logger     *slog.Logger
	retryCtx   func() context.Context
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

func newPushGateway(remote docstore.Store, status *StatusPublisher, retryCtx func() context.Context, maxRetries int, logger *slog.Logger) *pushGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &pushGateway{
		remote:     remote,
		status:     status,
		logger:     logger,
		retryCtx:   retryCtx,
		maxRetries: maxRetries,
		retryBase:  time.Second,
		now:        time.Now,
		sleep:      sleepWithContext,
	}
}

// PushRecord sanitizes and writes one record (full replace). Transient
// failures retry with delays of retryBase * 2^attempt up to MaxRetries, for
// MaxRetries+1 attempts total. Exhaustion resolves to a PushResult carrying
// ErrRetryExhausted rather than an error, unless ThrowOnError is set.
func (g *pushGateway) PushRecord(ctx context.Context, et *EntityType, rec localstore.Record, opts PushOptions) (PushResult, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = g.maxRetries
	}

	g.status.Set(StatusSyncing)
	doc := documentForRecord(et, rec, g.now().UTC())

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := g.remote.SetDoc(ctx, et.Name, doc)
		if err == nil {
			g.status.Set(StatusSynced)
			return PushResult{Delivered: true, Attempts: attempt + 1}, nil
		}
		lastErr = err

		if !docstore.IsRetryable(err) {
			g.logger.Error("Push failed with fatal error",
				"entity", et.Name, "id", rec.ID, "op", OpPush, "error", err)
			g.status.Set(StatusError)
			result := PushResult{Attempts: attempt + 1, Err: err}
			if opts.ThrowOnError {
				return result, &SyncError{EntityType: et.Name, EntityID: rec.ID, Op: OpPush, Err: err}
			}
			return result, nil
		}

		if attempt >= maxRetries {
			break
		}

		delay := g.retryBase << attempt
		g.logger.Warn("Push failed, retrying",
			"entity", et.Name, "id", rec.ID, "op", OpPush,
			"attempt", attempt+1, "delay", delay, "error", err)
		if err := g.sleep(g.mergedRetryCtx(ctx), delay); err != nil {
			// Canceled mid-backoff (logout or caller context); stop quietly.
			g.status.Set(StatusError)
			result := PushResult{Attempts: attempt + 1, Err: err}
			if opts.ThrowOnError {
				return result, &SyncError{EntityType: et.Name, EntityID: rec.ID, Op: OpPush, Err: err}
			}
			return result, nil
		}
	}

	g.logger.Error("Push retries exhausted",
		"entity", et.Name, "id", rec.ID, "op", OpPush,
		"attempts", maxRetries+1, "error", lastErr)
	g.status.Set(StatusError)
	exhausted := fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, maxRetries+1, lastErr)
	result := PushResult{Attempts: maxRetries + 1, Err: exhausted}
	if opts.ThrowOnError {
		return result, &SyncError{EntityType: et.Name, EntityID: rec.ID, Op: OpPush, Err: exhausted}
	}
	return result, nil
}

// DeleteRemote attempts a single remote delete. Failures are logged only; the
// tombstone written beforehand is sufficient to prevent resurrection.
func (g *pushGateway) DeleteRemote(ctx context.Context, et *EntityType, entityID int64) {
	docID := docstore.MakeDocID(et.Prefix, entityID)
	if err := g.remote.DeleteDoc(ctx, et.Name, docID); err != nil {
		g.logger.Warn("Remote delete failed; tombstone prevents resurrection",
			"entity", et.Name, "id", entityID, "op", OpDelete, "error", err)
	}
}

// mergedRetryCtx returns a context that is done when either the caller's
// context or the engine retry group is canceled.
func (g *pushGateway) mergedRetryCtx(ctx context.Context) context.Context {
	if g.retryCtx == nil {
		return ctx
	}
	retry := g.retryCtx()
	if retry == nil {
		return ctx
	}
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-retry.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged
}

// sleepWithContext waits for d or until ctx is done, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
