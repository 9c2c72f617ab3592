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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
)

var (
	// ErrNilContext is returned when Resolve receives a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilBuilder is returned when Resolve receives a nil BuildFunc.
	ErrNilBuilder = errors.New("build function must not be nil")

	// ErrCacheClosed is returned by Resolve after Close.
	ErrCacheClosed = errors.New("cache is closed")

	// ErrSweeperRunning is returned by Start when the sweeper is active.
	ErrSweeperRunning = errors.New("sweeper is already running")
)

// BuildError wraps a failed bundle construction.
//
// Every waiter of the failed build receives the same BuildError. Nothing is
// cached, so the next Resolve for the fingerprint builds again.
type BuildError struct {
	Fingerprint settings.Fingerprint
	Err         error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build bundle %s: %v", e.Fingerprint.Short(), e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
