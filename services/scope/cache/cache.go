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
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"golang.org/x/sync/singleflight"
)

// BuildFunc constructs the bundle for an effective configuration.
//
// The context is detached from the requesting caller's cancellation and
// bounded by the cache's build timeout.
type BuildFunc[B any] func(ctx context.Context, eff settings.Effective) (B, error)

// Release returns a borrowed bundle to the cache. Calling it more than once
// has no further effect.
type Release func()

// Disposer is implemented by bundles that hold resources.
//
// Dispose is called once, after the entry has left the cache and no borrower
// holds it.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// entry is one cached bundle.
type entry[B any] struct {
	fingerprint settings.Fingerprint
	bundle      B
	createdAt   time.Time
	lastUsedAt  time.Time
	refCount    int
	retired     bool
	elem        *list.Element
}

// EntryInfo describes a cached bundle without exposing it.
type EntryInfo struct {
	Fingerprint settings.Fingerprint `json:"fingerprint"`
	Age         time.Duration        `json:"age"`
	IdleFor     time.Duration        `json:"idle_for"`
	InUse       int                  `json:"in_use"`
	ExpiresIn   time.Duration        `json:"expires_in"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size        int    `json:"size"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Builds      int64  `json:"builds"`
	BuildErrors int64  `json:"build_errors"`
	Evictions   int64  `json:"evictions"`
	Expirations int64  `json:"expirations"`
	Epoch       uint64 `json:"epoch"`
}

// Cache maps fingerprints to lazily built bundles of type B.
//
// Thread Safety:
//
//	Cache is safe for concurrent use. A single mutex guards the entry map and
//	LRU list; bundle construction and disposal run outside it.
type Cache[B any] struct {
	mu      sync.Mutex
	entries map[settings.Fingerprint]*entry[B]
	lru     *list.List // front is most recently used
	flight  singleflight.Group
	options options
	epoch   uint64
	closed  bool

	// Sweeper
	sweepMu  sync.Mutex
	done     chan struct{}
	running  bool
	sweeping sync.WaitGroup

	// Stats
	hits        atomic.Int64
	misses      atomic.Int64
	builds      atomic.Int64
	buildErrors atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates a Cache with the given options.
func New[B any](opts ...Option) *Cache[B] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[B]{
		entries: make(map[settings.Fingerprint]*entry[B]),
		lru:     list.New(),
		options: o,
	}
}

// Resolve returns the bundle for fp, building it with build on a miss.
//
// Description:
//
//	A live entry is returned immediately. A missing or expired entry is
//	built by exactly one caller while concurrent callers for the same
//	fingerprint wait for that result. The build runs on a context that
//	ignores the first caller's cancellation and is bounded by the build
//	timeout.
//
// Inputs:
//
//	ctx - Caller context. Cancelling it abandons the wait, not the build.
//	fp - Fingerprint of eff.
//	eff - Effective configuration passed to build.
//	build - Bundle constructor.
//
// Outputs:
//
//	B - The bundle, valid until release is called.
//	Release - Must be called when the caller is done with the bundle.
//	error - *BuildError if construction failed, ctx.Err() if the caller
//	        stopped waiting, ErrCacheClosed after Close.
//
// Example:
//
//	b, release, err := c.Resolve(ctx, fp, eff, builder.Build)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (c *Cache[B]) Resolve(ctx context.Context, fp settings.Fingerprint, eff settings.Effective, build BuildFunc[B]) (B, Release, error) {
	var zero B
	if ctx == nil {
		return zero, nil, ErrNilContext
	}
	if build == nil {
		return zero, nil, ErrNilBuilder
	}

	counted := false
	for {
		b, release, ok, err := c.acquire(ctx, fp)
		if err != nil {
			return zero, nil, err
		}
		if ok {
			if !counted {
				c.hits.Add(1)
				recordCacheHit(ctx)
			}
			return b, release, nil
		}
		if !counted {
			counted = true
			c.misses.Add(1)
			recordCacheMiss(ctx)
		}

		c.mu.Lock()
		key := fmt.Sprintf("%d/%s", c.epoch, fp)
		epoch := c.epoch
		c.mu.Unlock()

		ch := c.flight.DoChan(key, func() (any, error) {
			return c.runBuild(ctx, fp, eff, build, epoch)
		})

		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return zero, nil, res.Err
			}
			e := res.Val.(*entry[B])
			if release, ok := c.acquireEntry(e); ok {
				return e.bundle, release, nil
			}
			// Retired between build and pickup (Clear or eviction); build again.
		}
	}
}

// acquire looks up a live entry and takes a reference on it. An expired
// entry is removed as a side effect.
func (c *Cache[B]) acquire(ctx context.Context, fp settings.Fingerprint) (B, Release, bool, error) {
	var zero B

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, nil, false, ErrCacheClosed
	}
	e, ok := c.entries[fp]
	if !ok {
		c.mu.Unlock()
		return zero, nil, false, nil
	}
	now := c.options.clock()
	if c.isExpired(e, now) {
		dispose := c.retireLocked(e)
		c.expirations.Add(1)
		c.mu.Unlock()
		c.options.logger.Debug("cache entry expired",
			"fingerprint", fp.Short(),
			"age", now.Sub(e.createdAt).String(),
		)
		if dispose {
			c.dispose(ctx, e)
		}
		return zero, nil, false, nil
	}
	release := c.takeRefLocked(e, now)
	c.mu.Unlock()
	return e.bundle, release, true, nil
}

// acquireEntry takes a reference on a freshly built entry unless it was
// retired before the caller picked it up.
func (c *Cache[B]) acquireEntry(e *entry[B]) (Release, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.retired {
		return nil, false
	}
	return c.takeRefLocked(e, c.options.clock()), true
}

// takeRefLocked must be called with c.mu held.
func (c *Cache[B]) takeRefLocked(e *entry[B], now time.Time) Release {
	e.refCount++
	e.lastUsedAt = now
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.release(e) })
	}
}

func (c *Cache[B]) release(e *entry[B]) {
	c.mu.Lock()
	e.refCount--
	e.lastUsedAt = c.options.clock()
	dispose := e.retired && e.refCount == 0
	c.mu.Unlock()

	if dispose {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		c.dispose(ctx, e)
	}
}

// runBuild executes build inside the singleflight and inserts the result.
func (c *Cache[B]) runBuild(parent context.Context, fp settings.Fingerprint, eff settings.Effective, build BuildFunc[B], epoch uint64) (*entry[B], error) {
	// A caller may have missed just before the previous flight inserted.
	c.mu.Lock()
	if e, ok := c.entries[fp]; ok && !c.isExpired(e, c.options.clock()) {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.options.buildTimeout)
	defer cancel()

	ctx, span := startBuildSpan(ctx, fp)
	defer span.End()

	c.builds.Add(1)
	start := time.Now()
	bundle, err := safeBuild(ctx, build, eff)
	duration := time.Since(start)
	recordBuild(ctx, duration, err == nil)

	if err != nil {
		c.buildErrors.Add(1)
		setBuildSpanError(span, err)
		c.options.logger.Warn("cache build failed",
			"fingerprint", fp.Short(),
			"duration", duration.String(),
			"error", err,
		)
		return nil, &BuildError{Fingerprint: fp, Err: err}
	}

	now := c.options.clock()
	e := &entry[B]{
		fingerprint: fp,
		bundle:      bundle,
		createdAt:   now,
		lastUsedAt:  now,
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		e.retired = true
		c.mu.Unlock()
		c.options.logger.Debug("discarding bundle built before clear", "fingerprint", fp.Short())
		c.dispose(ctx, e)
		return e, nil
	}
	if old, ok := c.entries[fp]; ok {
		// Expired entry still mapped; its borrowers keep it alive.
		if c.retireLocked(old) {
			defer c.dispose(ctx, old)
		}
	}
	e.elem = c.lru.PushFront(e)
	c.entries[fp] = e
	evicted := c.evictLocked(e)
	c.mu.Unlock()

	c.options.logger.Info("cache entry built",
		"fingerprint", fp.Short(),
		"duration", duration.String(),
	)

	for _, old := range evicted {
		c.dispose(ctx, old)
	}
	return e, nil
}

// safeBuild converts a panicking build into an error so waiters are released.
func safeBuild[B any](ctx context.Context, build BuildFunc[B], eff settings.Effective) (b B, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
	}()
	return build(ctx, eff)
}

// evictLocked removes least recently used idle entries above maxEntries and
// returns them for disposal. keep is never evicted. Must be called with c.mu
// held.
func (c *Cache[B]) evictLocked(keep *entry[B]) []*entry[B] {
	var evicted []*entry[B]
	for elem := c.lru.Back(); elem != nil && len(c.entries) > c.options.maxEntries; {
		prev := elem.Prev()
		e := elem.Value.(*entry[B])
		if e != keep && e.refCount == 0 {
			c.retireLocked(e)
			c.evictions.Add(1)
			recordCacheEviction(context.Background())
			evicted = append(evicted, e)
		}
		elem = prev
	}
	return evicted
}

// retireLocked unlinks e and reports whether it is idle and should be
// disposed now. Must be called with c.mu held.
func (c *Cache[B]) retireLocked(e *entry[B]) bool {
	if e.retired {
		return false
	}
	e.retired = true
	if cur, ok := c.entries[e.fingerprint]; ok && cur == e {
		delete(c.entries, e.fingerprint)
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	return e.refCount == 0
}

func (c *Cache[B]) isExpired(e *entry[B], now time.Time) bool {
	return now.Sub(e.createdAt) > c.options.ttl
}

func (c *Cache[B]) dispose(ctx context.Context, e *entry[B]) {
	d, ok := any(e.bundle).(Disposer)
	if !ok {
		return
	}
	if err := d.Dispose(ctx); err != nil {
		c.options.logger.Warn("bundle dispose failed",
			"fingerprint", e.fingerprint.Short(),
			"error", err,
		)
	}
}

// =============================================================================
// Invalidation
// =============================================================================

// Sweep removes expired entries and returns how many were removed. Idle
// entries are disposed before Sweep returns; borrowed ones on last release.
func (c *Cache[B]) Sweep(ctx context.Context) int {
	now := c.options.clock()

	c.mu.Lock()
	var idle []*entry[B]
	removed := 0
	for _, e := range c.entries {
		if !c.isExpired(e, now) {
			continue
		}
		removed++
		c.expirations.Add(1)
		if c.retireLocked(e) {
			idle = append(idle, e)
		}
	}
	c.mu.Unlock()

	for _, e := range idle {
		c.dispose(ctx, e)
	}
	if removed > 0 {
		c.options.logger.Debug("cache sweep", "removed", removed)
	}
	return removed
}

// Invalidate drops the entry for fp. Returns false if none was cached.
func (c *Cache[B]) Invalidate(ctx context.Context, fp settings.Fingerprint) bool {
	c.mu.Lock()
	e, ok := c.entries[fp]
	if !ok {
		c.mu.Unlock()
		return false
	}
	dispose := c.retireLocked(e)
	c.mu.Unlock()

	if dispose {
		c.dispose(ctx, e)
	}
	return true
}

// Clear drops every entry and starts a new epoch. Builds that were in flight
// are discarded when they finish.
func (c *Cache[B]) Clear(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	var idle []*entry[B]
	for _, e := range c.entries {
		if c.retireLocked(e) {
			idle = append(idle, e)
		}
	}
	c.mu.Unlock()

	for _, e := range idle {
		c.dispose(ctx, e)
	}
}

// Close stops the sweeper, clears the cache, and rejects further Resolve
// calls. Safe to call more than once.
func (c *Cache[B]) Close(ctx context.Context) error {
	if err := c.Stop(); err != nil {
		return err
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Clear(ctx)
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

// Len returns the number of cached entries.
func (c *Cache[B]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries describes every cached entry, oldest first.
func (c *Cache[B]) Entries() []EntryInfo {
	now := c.options.clock()

	c.mu.Lock()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		expiresIn := c.options.ttl - now.Sub(e.createdAt)
		if expiresIn < 0 {
			expiresIn = 0
		}
		out = append(out, EntryInfo{
			Fingerprint: e.fingerprint,
			Age:         now.Sub(e.createdAt),
			IdleFor:     now.Sub(e.lastUsedAt),
			InUse:       e.refCount,
			ExpiresIn:   expiresIn,
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Age != out[j].Age {
			return out[i].Age > out[j].Age
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[B]) Stats() Stats {
	c.mu.Lock()
	size, epoch := len(c.entries), c.epoch
	c.mu.Unlock()

	return Stats{
		Size:        size,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Builds:      c.builds.Load(),
		BuildErrors: c.buildErrors.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Epoch:       epoch,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache[B]) TTL() time.Duration {
	return c.options.ttl
}
