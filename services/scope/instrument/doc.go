// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instrument owns the trace export pipeline and lets it be replaced
// while the process runs.
//
// A Manager holds at most one process-level TracerState. Request code never
// reaches for a package-level tracer; it asks the Manager for one with
// Tracer(ctx, name), which prefers a state scoped onto the context (WithState
// or TemporaryConfig), then the Manager's current state, then a no-op tracer.
//
// # Lifecycle
//
//	Unconfigured -> Configured -> (Reconfiguring) -> Configured -> Shutdown
//
// A shut-down Manager may be configured again.
//
// # Export Failures
//
// Exporters are wrapped so that send failures are logged (rate-limited) and
// counted but never surface to callers. A dead collector degrades
// observability, not the request.
//
// # Thread Safety
//
// Lifecycle calls (Configure, Reconfigure, Shutdown) are serialized by a
// mutex. Tracer and ActiveConfig read an atomic pointer and never block on
// lifecycle calls.
package instrument
