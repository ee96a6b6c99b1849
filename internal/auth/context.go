// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated account and device identity through
// request contexts.
package auth

import (
	"context"
)

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	sourceIDKey  contextKey = "source_id"
)

// SetAccountID sets the account ID in the context
func SetAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// GetAccountID retrieves the account ID from the context
func GetAccountID(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	return accountID, ok
}

// SetSourceID sets the writing device's source ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetAuthContext sets both account and source ID in context
func SetAuthContext(ctx context.Context, accountID, sourceID string) context.Context {
	ctx = SetAccountID(ctx, accountID)
	ctx = SetSourceID(ctx, sourceID)
	return ctx
}
