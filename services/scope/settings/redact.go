// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

// KeyView describes one allow-listed setting without its value.
type KeyView struct {
	Source  Source `json:"source"`
	Present bool   `json:"present"`
}

// Redacted returns a presence-only view of the allow-listed keys of eff,
// safe to return from debug endpoints.
func Redacted(eff Effective) map[string]KeyView {
	out := make(map[string]KeyView, len(eff.sources))
	for k, s := range eff.sources {
		out[k] = KeyView{Source: s, Present: s != SourceUnset}
	}
	return out
}
