// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package propagate carries the active span, baggage, and scoped tracer state
// across goroutine boundaries.
//
// Go's context already flows into goroutines started with it. Work handed to
// executors that own their goroutines (worker pools, errgroups bound to a
// different context, callbacks) does not, so the trace tree breaks. Capture
// takes a Token at schedule time; WithContext, Go, Group and Pool re-apply it
// on the executing side.
//
// # Usage
//
//	pool := propagate.NewPool(8)
//	defer pool.Close()
//
//	done := pool.Submit(ctx, func(ctx context.Context) error {
//	    return propagate.Traced(ctx, nil, "retrieve", retrieve)
//	})
//	err := <-done
package propagate
