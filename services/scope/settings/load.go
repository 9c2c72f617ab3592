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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads a single environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadFile reads a flat YAML mapping of setting names to scalar values.
//
// Nested mappings and sequences are rejected. Scalars of any YAML type are
// stored in their string form, so "MAX: 3" yields "3".
func LoadFile(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Configuration{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch typed := v.(type) {
		case nil:
			values[k] = ""
		case map[string]any, []any:
			return Configuration{}, fmt.Errorf("settings file %s: key %q must be a scalar", path, k)
		case string:
			values[k] = typed
		default:
			values[k] = fmt.Sprint(typed)
		}
	}
	return NewConfiguration(values), nil
}

// LoadEnv reads keys from the environment via lookup.
//
// A nil lookup uses os.LookupEnv. Unset variables are omitted.
func LoadEnv(keys []string, lookup LookupFunc) Configuration {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := lookup(k); ok {
			values[k] = v
		}
	}
	return NewConfiguration(values)
}

// Load builds the process defaults: the YAML file at path (skipped when path
// is empty) with non-blank environment variables for keys layered on top.
//
// Call once at startup. The result never changes afterwards.
func Load(path string, keys []string) (Configuration, error) {
	values := map[string]string{}
	if path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Configuration{}, err
		}
		values = file.Map()
	}
	env := LoadEnv(keys, nil)
	for k, v := range env.values {
		if strings.TrimSpace(v) != "" {
			values[k] = v
		}
	}
	return NewConfiguration(values), nil
}
