// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds expensive per-configuration objects keyed by
// settings.Fingerprint.
//
// A Cache builds each bundle at most once per fingerprint, even under a burst
// of identical concurrent requests, and drops it after a TTL measured from
// creation. Callers borrow a bundle between Resolve and the returned Release;
// a bundle that expires or is evicted while borrowed is disposed when its last
// borrower releases it.
//
// # Usage
//
//	c := cache.New[*bundle.Bundle](cache.WithTTL(30 * time.Minute))
//	b, release, err := c.Resolve(ctx, eff.Fingerprint(), eff, builder.Build)
//	if err != nil {
//	    return err
//	}
//	defer release()
//
// # Thread Safety
//
// Cache is safe for concurrent use.
package cache
