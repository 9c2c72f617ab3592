// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings merges base configuration with per-request overrides and
// derives a stable fingerprint for the result.
//
// The fingerprint is the cache key for expensive per-configuration objects
// (LLM clients, retrieval indices, tracer pipelines). Two requests whose
// effective configuration is identical always produce the same fingerprint,
// regardless of the order in which overrides were supplied.
//
// # Override Rules
//
//   - Only keys on the AllowList are read from overrides.
//   - Blank or whitespace-only override values are treated as absent.
//   - Non-blank override values are trimmed.
//   - Base keys that are not allow-listed pass through unchanged.
//
// # Thread Safety
//
// Configuration, AllowList, and Effective are immutable after construction and
// safe for concurrent use.
package settings
