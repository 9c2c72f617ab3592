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
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Go runs fn in a new goroutine under ctx with the span, baggage and tracer
// state captured at call time. The returned channel receives fn's error
// and is then closed.
func Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	token := Capture(ctx)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- runRecovered(ctx, token, fn)
	}()
	return done
}

// Group is an errgroup whose tasks run under the token captured when each
// task was scheduled.
type Group struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewGroup returns a Group and its derived context, which is cancelled when
// a task fails or Wait returns.
func NewGroup(ctx context.Context) (*Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{g: g, ctx: gctx}, gctx
}

// SetLimit bounds the number of concurrently running tasks.
func (g *Group) SetLimit(n int) {
	g.g.SetLimit(n)
}

// Go schedules fn. The token is captured from ctx now; fn runs under the
// group context so it observes the group's cancellation.
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) {
	token := Capture(ctx)
	g.g.Go(func() error {
		return runRecovered(g.ctx, token, fn)
	})
}

// Wait blocks until every task returns and reports the first error.
func (g *Group) Wait() error {
	return g.g.Wait()
}

// runRecovered applies token and converts a panic in fn into an error.
func runRecovered(base context.Context, token Token, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return WithContext(base, token, fn)
}
