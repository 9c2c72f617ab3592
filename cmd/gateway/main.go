// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway runs the AleutianScope chat gateway.
//
// Process defaults come from an optional settings file layered under the
// environment. Requests override the allow-listed keys per call.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12210)
//   - SPACE_ID, API_KEY, MODEL_ID, PROJECT_NAME: default telemetry identity
//   - OTLP_ENDPOINT, OTLP_EXPORTER, OTLP_INSECURE: trace export
//   - LLM_BACKEND, LLM_MODEL, LLM_BASE_URL, LLM_API_KEY: model client
//   - WEAVIATE_URL, WEAVIATE_CLASS, DOMAIN_API_KEY: retrieval index
//
// # Usage
//
//	# Serve
//	./gateway serve --port 12210 --settings ./scope.yaml
//
//	# Show which bundle a set of overrides would select
//	./gateway fingerprint --override MODEL_ID=m2 --override API_KEY=k
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
