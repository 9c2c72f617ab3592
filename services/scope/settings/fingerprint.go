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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Fingerprint identifies an effective configuration.
//
// It is the full SHA256 (64 hex chars) of a length-prefixed, key-sorted
// serialization of every effective key/value pair.
type Fingerprint string

// String returns the fingerprint as hex.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex characters, for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Source reports where an effective value came from.
type Source string

const (
	// SourceDefault means the value came from the base configuration.
	SourceDefault Source = "default"

	// SourceOverride means a non-blank request override supplied the value.
	SourceOverride Source = "override"

	// SourceUnset means neither base nor override supplied a non-blank value.
	SourceUnset Source = "unset"
)

// =============================================================================
// Effective Configuration
// =============================================================================

// Effective is the merge of a base Configuration and request overrides.
type Effective struct {
	values  map[string]string
	sources map[string]Source
	allowed AllowList
}

// Merge combines base and overrides restricted to allowed.
//
// Description:
//
//	For each allowed key the trimmed override is used when non-blank,
//	otherwise the base value, otherwise "". Override keys outside the
//	allow-list are never read. Base keys that are not allow-listed pass
//	through unchanged.
//
// Inputs:
//
//	base - Process defaults, loaded once at startup.
//	overrides - Per-request values. May be nil.
//	allowed - Keys a request may override.
//
// Outputs:
//
//	Effective - The merged, immutable configuration.
//
// Example:
//
//	eff := settings.Merge(base, map[string]string{"MODEL_ID": "m1"}, settings.DefaultAllowList())
//	fp := eff.Fingerprint()
func Merge(base Configuration, overrides map[string]string, allowed AllowList) Effective {
	eff := Effective{
		values:  make(map[string]string, base.Len()+len(allowed.keys)),
		sources: make(map[string]Source, len(allowed.keys)),
		allowed: allowed,
	}

	for k, v := range base.values {
		eff.values[k] = v
	}

	for key := range allowed.keys {
		if v, ok := overrides[key]; ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				eff.values[key] = trimmed
				eff.sources[key] = SourceOverride
				continue
			}
		}
		v := base.values[key]
		eff.values[key] = v
		if strings.TrimSpace(v) != "" {
			eff.sources[key] = SourceDefault
		} else {
			eff.sources[key] = SourceUnset
		}
	}

	return eff
}

// Compute returns the fingerprint of Merge(base, overrides, allowed).
func Compute(base Configuration, overrides map[string]string, allowed AllowList) Fingerprint {
	return Merge(base, overrides, allowed).Fingerprint()
}

// Fingerprint returns the configuration's fingerprint. Pure and deterministic.
func (e Effective) Fingerprint() Fingerprint {
	h := sha256.New()
	for _, k := range sortedKeys(e.values) {
		writeField(h, k)
		writeField(h, e.values[k])
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// writeField writes "<len>:<value>" so no two pair lists serialize alike.
func writeField(h io.Writer, s string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(s))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(s))
}

// Get returns the effective value for key. Missing keys return "".
func (e Effective) Get(key string) string {
	return e.values[key]
}

// Map returns a copy of every effective key/value pair.
func (e Effective) Map() map[string]string {
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Sources reports the origin of every allow-listed key, without values.
func (e Effective) Sources() map[string]Source {
	out := make(map[string]Source, len(e.sources))
	for k, s := range e.sources {
		out[k] = s
	}
	return out
}

// Overridden returns the sorted allow-listed keys supplied by the request.
func (e Effective) Overridden() []string {
	var out []string
	for _, k := range e.allowed.Keys() {
		if e.sources[k] == SourceOverride {
			out = append(out, k)
		}
	}
	return out
}

// AllowList returns the allow-list the configuration was merged with.
func (e Effective) AllowList() AllowList {
	return e.allowed
}

// Require checks that every key has a non-blank value.
//
// Fingerprinting never fails; usability is the caller's decision.
func (e Effective) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(e.values[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// MissingError lists required settings that are blank.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required settings: %s", strings.Join(e.Keys, ", "))
}
