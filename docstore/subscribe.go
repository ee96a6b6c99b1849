// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"time"
)

// Subscribe attaches a live change feed for the collection. It long-polls the
// server's change endpoint in a background goroutine, delivering each
// non-empty batch to fn, and backs off exponentially on errors. The returned
// cancel function detaches the subscription.
func (c *Client) Subscribe(ctx context.Context, collection string, after int64, fn func([]ChangeEvent)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		cursor := after
		backoff := c.config.BackoffMin
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			events, nextAfter, err := c.Changes(subCtx, collection, cursor, c.config.ChangeLimit, c.config.PollWait)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				c.logger.Warn("Change feed poll failed, backing off",
					"collection", collection, "after", cursor, "backoff", backoff, "error", err)
				if sleepErr := sleepWithContext(subCtx, backoff); sleepErr != nil {
					return
				}
				backoff *= 2
				if backoff > c.config.BackoffMax {
					backoff = c.config.BackoffMax
				}
				continue
			}
			backoff = c.config.BackoffMin

			if len(events) > 0 {
				fn(events)
			}
			if nextAfter > cursor {
				cursor = nextAfter
			}
		}
	}()

	return cancel, nil
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
