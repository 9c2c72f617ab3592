// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session opens a root span per logical conversation or request and
// guarantees it is closed exactly once.
//
// Every span started from the returned context, directly or through the
// propagate package, descends from the session's root. Closing ends the root
// span, sets its status from the outcome, and flushes the tracer provider
// within a bounded timeout so short-lived sessions are not lost.
//
// # Usage
//
//	err := session.Run(ctx, tracer, session.Options{Type: "chat"},
//	    func(ctx context.Context, s *session.Session) error {
//	        s.AddMetadata(map[string]any{"user_tier": "pro"})
//	        return answer(ctx)
//	    })
package session
