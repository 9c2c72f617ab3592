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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type testBundle struct {
	id       int64
	disposed atomic.Int32
}

func (b *testBundle) Dispose(ctx context.Context) error {
	b.disposed.Add(1)
	return nil
}

type countingBuilder struct {
	calls atomic.Int64
}

func (c *countingBuilder) build(ctx context.Context, eff settings.Effective) (*testBundle, error) {
	n := c.calls.Add(1)
	return &testBundle{id: n}, nil
}

func effFor(model string) (settings.Fingerprint, settings.Effective) {
	eff := settings.Merge(
		settings.NewConfiguration(map[string]string{settings.KeySpaceID: "s", settings.KeyAPIKey: "k"}),
		map[string]string{settings.KeyModelID: model},
		settings.DefaultAllowList(),
	)
	return eff.Fingerprint(), eff
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_ConcurrentBuildsOnce(t *testing.T) {
	c := New[*testBundle]()
	fp, eff := effFor("m1")

	gate := make(chan struct{})
	var calls atomic.Int64
	build := func(ctx context.Context, eff settings.Effective) (*testBundle, error) {
		calls.Add(1)
		<-gate
		return &testBundle{id: 1}, nil
	}

	const n = 50
	results := make([]*testBundle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			b, release, err := c.Resolve(context.Background(), fp, eff, build)
			errs[i] = err
			results[i] = b
			if release != nil {
				release()
			}
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Stats().Builds)
}

func TestResolve_HitReturnsSameBundle(t *testing.T) {
	c := New[*testBundle]()
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	first, release1, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release1()

	second, release2, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release2()

	assert.Same(t, first, second)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestResolve_DistinctFingerprintsBuildSeparately(t *testing.T) {
	c := New[*testBundle]()
	builder := &countingBuilder{}

	fp0, eff0 := effFor("m0")
	fp1, eff1 := effFor("m1")

	b0, r0, err := c.Resolve(context.Background(), fp0, eff0, builder.build)
	require.NoError(t, err)
	defer r0()
	b1, r1, err := c.Resolve(context.Background(), fp1, eff1, builder.build)
	require.NoError(t, err)
	defer r1()

	assert.NotSame(t, b0, b1)
	assert.Equal(t, int64(2), builder.calls.Load())
}

func TestResolve_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[*testBundle](WithTTL(10*time.Minute), WithClock(clock.Now))
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	first, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()

	clock.Advance(10 * time.Minute)
	same, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()
	assert.Same(t, first, same, "entry at exactly TTL is still live")

	clock.Advance(time.Nanosecond)
	second, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()

	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), builder.calls.Load())
	assert.Equal(t, int32(1), first.disposed.Load())
	assert.Equal(t, int64(1), c.Stats().Expirations)

	_, release, err = c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()
	assert.Equal(t, int64(2), builder.calls.Load())
}

func TestResolve_BuildErrorNotCached(t *testing.T) {
	c := New[*testBundle]()
	fp, eff := effFor("m1")
	boom := errors.New("llm unreachable")

	var calls atomic.Int64
	build := func(ctx context.Context, eff settings.Effective) (*testBundle, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return &testBundle{id: 2}, nil
	}

	_, release, err := c.Resolve(context.Background(), fp, eff, build)
	require.Error(t, err)
	assert.Nil(t, release)

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, fp, buildErr.Fingerprint)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, c.Len())

	b, release, err := c.Resolve(context.Background(), fp, eff, build)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, int64(2), b.id)
	assert.Equal(t, int64(1), c.Stats().BuildErrors)
}

func TestResolve_BuildPanicBecomesError(t *testing.T) {
	c := New[*testBundle]()
	fp, eff := effFor("m1")

	_, _, err := c.Resolve(context.Background(), fp, eff, func(ctx context.Context, eff settings.Effective) (*testBundle, error) {
		panic("nil client")
	})

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Contains(t, err.Error(), "nil client")
}

func TestResolve_WaiterCancellationDoesNotAbortBuild(t *testing.T) {
	c := New[*testBundle]()
	fp, eff := effFor("m1")

	gate := make(chan struct{})
	var calls atomic.Int64
	var buildCtxErr atomic.Value
	build := func(ctx context.Context, eff settings.Effective) (*testBundle, error) {
		calls.Add(1)
		<-gate
		if err := ctx.Err(); err != nil {
			buildCtxErr.Store(err)
		}
		return &testBundle{id: 1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(ctx, fp, eff, build)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate)
	b, release, err := c.Resolve(context.Background(), fp, eff, build)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, int64(1), b.id)
	assert.Equal(t, int64(1), calls.Load())
	assert.Nil(t, buildCtxErr.Load())
}

func TestResolve_BuildTimeout(t *testing.T) {
	c := New[*testBundle](WithBuildTimeout(20 * time.Millisecond))
	fp, eff := effFor("m1")

	_, _, err := c.Resolve(context.Background(), fp, eff, func(ctx context.Context, eff settings.Effective) (*testBundle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolve_InvalidArguments(t *testing.T) {
	c := New[*testBundle]()
	fp, eff := effFor("m1")
	builder := &countingBuilder{}

	var nilCtx context.Context
	_, _, err := c.Resolve(nilCtx, fp, eff, builder.build)
	assert.ErrorIs(t, err, ErrNilContext)

	_, _, err = c.Resolve(context.Background(), fp, eff, nil)
	assert.ErrorIs(t, err, ErrNilBuilder)
}

// =============================================================================
// Disposal Tests
// =============================================================================

func TestInvalidate_DefersDisposeWhileBorrowed(t *testing.T) {
	c := New[*testBundle]()
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	b, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)

	assert.True(t, c.Invalidate(context.Background(), fp))
	assert.False(t, c.Invalidate(context.Background(), fp))
	assert.Equal(t, int32(0), b.disposed.Load())

	release()
	release()
	assert.Equal(t, int32(1), b.disposed.Load())
}

func TestMaxEntries_EvictsLeastRecentlyUsedIdle(t *testing.T) {
	c := New[*testBundle](WithMaxEntries(2))
	builder := &countingBuilder{}

	fpA, effA := effFor("a")
	fpB, effB := effFor("b")
	fpC, effC := effFor("c")

	a, release, err := c.Resolve(context.Background(), fpA, effA, builder.build)
	require.NoError(t, err)
	release()
	b, release, err := c.Resolve(context.Background(), fpB, effB, builder.build)
	require.NoError(t, err)
	release()

	// Touch a so b becomes least recently used.
	_, release, err = c.Resolve(context.Background(), fpA, effA, builder.build)
	require.NoError(t, err)
	release()

	_, release, err = c.Resolve(context.Background(), fpC, effC, builder.build)
	require.NoError(t, err)
	release()

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(0), a.disposed.Load())
	assert.Equal(t, int32(1), b.disposed.Load())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMaxEntries_BorrowedEntriesNotEvicted(t *testing.T) {
	c := New[*testBundle](WithMaxEntries(1))
	builder := &countingBuilder{}

	fpA, effA := effFor("a")
	fpB, effB := effFor("b")

	a, releaseA, err := c.Resolve(context.Background(), fpA, effA, builder.build)
	require.NoError(t, err)
	_, releaseB, err := c.Resolve(context.Background(), fpB, effB, builder.build)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(0), a.disposed.Load())
	releaseA()
	releaseB()
}

func TestSweep_RemovesExpired(t *testing.T) {
	clock := newFakeClock()
	c := New[*testBundle](WithTTL(time.Minute), WithClock(clock.Now))
	builder := &countingBuilder{}

	fpA, effA := effFor("a")
	fpB, effB := effFor("b")

	a, release, err := c.Resolve(context.Background(), fpA, effA, builder.build)
	require.NoError(t, err)
	release()

	clock.Advance(45 * time.Second)
	b, releaseB, err := c.Resolve(context.Background(), fpB, effB, builder.build)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, c.Sweep(context.Background()))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(1), a.disposed.Load())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Sweep(context.Background()))
	assert.Equal(t, int32(0), b.disposed.Load(), "borrowed entry disposed on release")
	releaseB()
	assert.Equal(t, int32(1), b.disposed.Load())
}

func TestClear_StartsNewEpoch(t *testing.T) {
	c := New[*testBundle]()
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	first, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()

	c.Clear(context.Background())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int32(1), first.disposed.Load())
	assert.Equal(t, uint64(1), c.Stats().Epoch)

	second, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()
	assert.NotSame(t, first, second)
}

func TestClose_RejectsResolve(t *testing.T) {
	c := New[*testBundle]()
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	b, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, int32(1), b.disposed.Load())

	_, _, err = c.Resolve(context.Background(), fp, eff, builder.build)
	assert.ErrorIs(t, err, ErrCacheClosed)
}

// =============================================================================
// Introspection and Sweeper Tests
// =============================================================================

func TestEntries(t *testing.T) {
	clock := newFakeClock()
	c := New[*testBundle](WithTTL(time.Hour), WithClock(clock.Now))
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	_, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, fp, entries[0].Fingerprint)
	assert.Equal(t, 10*time.Minute, entries[0].Age)
	assert.Equal(t, 50*time.Minute, entries[0].ExpiresIn)
	assert.Equal(t, 1, entries[0].InUse)

	release()
	assert.Equal(t, 0, c.Entries()[0].InUse)
	assert.Equal(t, time.Duration(0), c.Entries()[0].IdleFor)
}

func TestSweeper_StartStop(t *testing.T) {
	clock := newFakeClock()
	c := New[*testBundle](WithTTL(time.Minute), WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	builder := &countingBuilder{}
	fp, eff := effFor("m1")

	_, release, err := c.Resolve(context.Background(), fp, eff, builder.build)
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrSweeperRunning)

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())
}

func TestSweeper_RestartAfterContextEnds(t *testing.T) {
	c := New[*testBundle](WithSweepInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return c.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Start(context.Background()), ErrSweeperRunning)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
