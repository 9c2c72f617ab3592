// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propagate

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// textMap is the W3C TraceContext plus Baggage propagator. It is held here
// rather than read from otel.GetTextMapPropagator so behaviour does not
// depend on process-wide registration.
var textMap = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Propagator returns the propagator used by InjectToMap and ExtractFromMap.
func Propagator() propagation.TextMapPropagator {
	return textMap
}

// MapCarrier adapts a map[string]string to propagation.TextMapCarrier.
// Useful for queues and job payloads that cross process boundaries.
type MapCarrier map[string]string

var _ propagation.TextMapCarrier = MapCarrier(nil)

// Get returns the value for key.
func (c MapCarrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the carrier's keys.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectToMap writes the span context and baggage of ctx into carrier,
// allocating it when nil.
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	if carrier == nil {
		carrier = make(map[string]string)
	}
	textMap.Inject(ctx, MapCarrier(carrier))
	return carrier
}

// ExtractFromMap returns ctx with the remote span context and baggage from
// carrier.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	return textMap.Extract(ctx, MapCarrier(carrier))
}
