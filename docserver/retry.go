// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withTxRetry runs fn in a transaction, retrying serialization and deadlock
// failures with short linear backoff.
func (s *DocService) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("Retrying transaction after transient failure",
			"attempt", attempt+1, "error", err)
		if err := sleepWithContext(ctx, time.Duration(attempt+1)*25*time.Millisecond); err != nil {
			return err
		}
	}
	return lastErr
}

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
