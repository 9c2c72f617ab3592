// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"time"
)

// Start runs Sweep every sweep interval until Stop is called or ctx ends.
//
// Returns ErrSweeperRunning if the sweeper is already active. A sweeper
// stopped by Stop or by the end of its ctx may be started again.
func (c *Cache[B]) Start(ctx context.Context) error {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	if c.running {
		return ErrSweeperRunning
	}
	c.running = true
	c.done = make(chan struct{})

	c.options.logger.Info("cache sweeper starting",
		"interval", c.options.sweepInterval.String(),
		"ttl", c.options.ttl.String(),
	)

	c.sweeping.Add(1)
	go c.sweepLoop(ctx, c.done)
	return nil
}

// Stop signals the sweeper to exit and waits for the current sweep to
// finish. Safe to call multiple times.
func (c *Cache[B]) Stop() error {
	c.sweepMu.Lock()
	if !c.running {
		c.sweepMu.Unlock()
		return nil
	}
	close(c.done)
	c.running = false
	c.sweepMu.Unlock()

	c.sweeping.Wait()
	c.options.logger.Info("cache sweeper stopped")
	return nil
}

func (c *Cache[B]) sweepLoop(ctx context.Context, done <-chan struct{}) {
	defer c.sweeping.Done()

	ticker := time.NewTicker(c.options.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.sweepMu.Lock()
			if c.running && c.done == done {
				c.running = false
			}
			c.sweepMu.Unlock()
			c.options.logger.Info("cache sweeper stopped", "reason", ctx.Err())
			return
		case <-done:
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
