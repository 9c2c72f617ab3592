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

import (
	"sort"
	"strings"
)

// Well-known setting names accepted as per-request overrides.
const (
	KeySpaceID      = "SPACE_ID"
	KeyModelID      = "MODEL_ID"
	KeyAPIKey       = "API_KEY"
	KeyProjectName  = "PROJECT_NAME"
	KeyLLMAPIKey    = "LLM_API_KEY"
	KeyDomainAPIKey = "DOMAIN_API_KEY"
)

// =============================================================================
// Configuration
// =============================================================================

// Configuration is an immutable set of named settings.
//
// The zero value is an empty configuration.
type Configuration struct {
	values map[string]string
}

// NewConfiguration copies values into a new Configuration.
func NewConfiguration(values map[string]string) Configuration {
	c := Configuration{values: make(map[string]string, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Get returns the value for key and whether it is present.
func (c Configuration) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the setting names in sorted order.
func (c Configuration) Keys() []string {
	return sortedKeys(c.values)
}

// Map returns a copy of the settings.
func (c Configuration) Map() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Len returns the number of settings.
func (c Configuration) Len() int {
	return len(c.values)
}

// =============================================================================
// AllowList
// =============================================================================

// AllowList is the set of keys a request may override.
type AllowList struct {
	keys map[string]struct{}
}

// DefaultAllowList returns the override keys accepted by the gateway:
// SPACE_ID, MODEL_ID, API_KEY, PROJECT_NAME, LLM_API_KEY and DOMAIN_API_KEY.
func DefaultAllowList() AllowList {
	return NewAllowList(KeySpaceID, KeyModelID, KeyAPIKey, KeyProjectName, KeyLLMAPIKey, KeyDomainAPIKey)
}

// NewAllowList builds an AllowList. Keys are trimmed; empty keys are ignored.
func NewAllowList(keys ...string) AllowList {
	a := AllowList{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		a.keys[k] = struct{}{}
	}
	return a
}

// Contains reports whether key may be overridden.
func (a AllowList) Contains(key string) bool {
	_, ok := a.keys[key]
	return ok
}

// Keys returns the allowed keys in sorted order.
func (a AllowList) Keys() []string {
	out := make([]string, 0, len(a.keys))
	for k := range a.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
