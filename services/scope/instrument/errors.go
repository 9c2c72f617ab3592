// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("invalid instrumentation configuration")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// ConfigurationError reports an unusable Config. It is returned before any
// exporter is created.
type ConfigurationError struct {
	// Missing lists required settings that were blank.
	Missing []string

	// Invalid lists settings with unsupported values.
	Invalid []string

	// Err is set when validation failed for another reason.
	Err error
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrConfiguration.Error(), strings.Join(parts, "; "))
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Fields returns Missing followed by Invalid.
func (e *ConfigurationError) Fields() []string {
	out := make([]string, 0, len(e.Missing)+len(e.Invalid))
	out = append(out, e.Missing...)
	return append(out, e.Invalid...)
}

// ExportError records a failed span export. It is logged and counted by the
// exporter guard and never returned to span producers.
type ExportError struct {
	Exporter ExporterKind
	Spans    int
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %d spans via %s: %v", e.Spans, e.Exporter, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
