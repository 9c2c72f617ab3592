// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propagate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is delivered to jobs submitted after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool is a fixed set of long-lived worker goroutines shared across
// requests.
//
// Each job runs under the Token captured at Submit, layered on the pool's
// base context. A worker carries nothing from one job to the next. The job
// context is cancelled when either the pool closes or the submitting context
// ends.
//
// Thread Safety:
//
//	Pool is safe for concurrent use.
type Pool struct {
	jobs   chan poolJob
	base   context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type poolJob struct {
	token Token
	fn    func(ctx context.Context) error
	done  chan error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger. Default: slog.Default().
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool starts workers goroutines. workers < 1 is treated as 1.
func NewPool(workers int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan poolJob),
		base:   base,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues fn. The returned channel receives exactly one value: fn's
// error, ctx.Err() if ctx ended before a worker picked the job up, or
// ErrPoolClosed.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	job := poolJob{token: Capture(ctx), fn: fn, done: done}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		done <- ErrPoolClosed
		return done
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}

// Close stops accepting jobs, cancels running ones and waits for workers to
// exit. Safe to call more than once.
func (p *Pool) Close() {
	// Cancel first so busy workers free up for blocked submitters.
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.done <- p.run(job)
	}
}

func (p *Pool) run(job poolJob) error {
	ctx, cancel := context.WithCancelCause(p.base)
	defer cancel(nil)

	if origin := job.token.origin; origin != nil {
		stop := context.AfterFunc(origin, func() { cancel(context.Cause(origin)) })
		defer stop()
	}

	err := runRecovered(ctx, job.token, job.fn)
	if err != nil {
		p.logger.Debug("pool job failed", "error", err)
	}
	return err
}
