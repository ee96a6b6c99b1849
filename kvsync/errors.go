// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"errors"
	"fmt"
)

// Operation names carried by SyncError for diagnostics.
const (
	OpPush      = "push"
	OpDelete    = "delete"
	OpReconcile = "reconcile"
	OpMerge     = "merge"
)

// ErrRetryExhausted marks a push whose bounded retry budget ran out on a
// transient failure. The local write stays intact.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// SyncError is a typed engine failure carrying enough context to diagnose a
// per-record problem: entity type, entity id, and the operation that failed.
type SyncError struct {
	EntityType string
	EntityID   int64
	Op         string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed for %s/%d: %v", e.Op, e.EntityType, e.EntityID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
