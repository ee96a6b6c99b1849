// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package kvsync

import (
	"log/slog"
	"sync"
)

// Status is the aggregated user-visible sync state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// StatusPublisher is the per-session sync status state machine:
// idle → syncing → {synced, error}. Callbacks run synchronously on each
// transition; a panicking callback is recovered and logged so it cannot break
// the publisher or its peers.
type StatusPublisher struct {
	mu      sync.Mutex
	status  Status
	subs    map[int]func(Status)
	nextSub int
	logger  *slog.Logger
}

// NewStatusPublisher creates a publisher in the idle state.
func NewStatusPublisher(logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{
		status: StatusIdle,
		subs:   make(map[int]func(Status)),
		logger: logger,
	}
}

// Status returns the current state.
func (p *StatusPublisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Set transitions to the given state and notifies subscribers. Setting the
// current state again is a no-op.
func (p *StatusPublisher) Set(status Status) {
	p.mu.Lock()
	if p.status == status {
		p.mu.Unlock()
		return
	}
	p.status = status
	callbacks := make([]func(Status), 0, len(p.subs))
	for _, fn := range p.subs {
		callbacks = append(callbacks, fn)
	}
	p.mu.Unlock()

	for _, fn := range callbacks {
		p.invoke(fn, status)
	}
}

func (p *StatusPublisher) invoke(fn func(Status), status Status) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Sync status callback panicked", "status", status, "panic", r)
		}
	}()
	fn(status)
}

// OnChange registers a callback for status transitions and returns its
// unsubscribe function.
func (p *StatusPublisher) OnChange(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Reset returns to idle and drops every registered callback. Called on
// logout, together with cancellation of pending retries, so nothing fires
// under a later session.
func (p *StatusPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusIdle
	p.subs = make(map[int]func(Status))
}
