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
	"log/slog"
	"time"
)

// Defaults applied by New.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultMaxEntries    = 64
	DefaultBuildTimeout  = 2 * time.Minute
	DefaultSweepInterval = time.Minute

	disposeTimeout = 30 * time.Second
)

// Clock returns the current time. Tests inject a controllable clock.
type Clock func() time.Time

type options struct {
	ttl           time.Duration
	maxEntries    int
	buildTimeout  time.Duration
	sweepInterval time.Duration
	clock         Clock
	logger        *slog.Logger
}

func defaultOptions() options {
	return options{
		ttl:           DefaultTTL,
		maxEntries:    DefaultMaxEntries,
		buildTimeout:  DefaultBuildTimeout,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		logger:        slog.Default(),
	}
}

// Option configures a Cache.
type Option func(*options)

// WithTTL sets how long an entry lives after creation. Non-positive values
// are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of cached bundles. When the bound is
// exceeded the least recently used idle entries are evicted. Borrowed entries
// are never evicted, so the cache may exceed the bound while they are in use.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithBuildTimeout bounds a single bundle construction.
func WithBuildTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.buildTimeout = d
		}
	}
}

// WithSweepInterval sets how often the background sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
