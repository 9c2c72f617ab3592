// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides span helpers, trace-aware logging and the
// metrics pipeline shared by the scope packages and the gateway.
//
// Tracer providers are not created here; they belong to instrument.Manager.
// Metrics use the OTel metric API with a Prometheus (default), stdout or
// no-op reader.
package telemetry
