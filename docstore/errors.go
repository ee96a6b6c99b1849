// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StoreError is a typed remote store failure carrying the HTTP status (0 for
// transport-level failures) so callers can classify it.
type StoreError struct {
	Status int    // HTTP status code, 0 when the request never completed
	Op     string // "get_all", "set_doc", "delete_doc", "changes"
	Body   string // truncated response body for diagnostics
	Err    error  // underlying transport error, if any
}

func (e *StoreError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("docstore: %s failed before response: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("docstore: %s returned status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient condition worth
// retrying: transport errors, timeouts, throttling, and server-side failures.
// Permission and validation failures (other 4xx) are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		switch {
		case se.Status == 0:
			return true
		case se.Status == http.StatusTooManyRequests:
			return true
		case se.Status >= 500:
			return true
		default:
			return false
		}
	}
	// Unknown error shapes (e.g. a hung call surfaced as a wrapped transport
	// failure) are treated the same as a network error.
	return true
}
