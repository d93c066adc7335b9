// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command grokysis serves and queries a searchfox-backed symbol knowledge
// base.
//
// Usage:
//
//	grokysis serve
//	grokysis lookup _ZN7mozilla3dom8Document7GetBodyEv
//	grokysis doodle _ZN7mozilla3dom8Document7GetBodyEv --format mermaid
//	grokysis generate workspace.json -o diagram.dot
//	grokysis watch workspace.json -o diagram.dot
//	grokysis config init ~/.grokysis/config.yaml
//
// Example requests against a running server:
//
//	# Health check
//	curl http://127.0.0.1:8642/v1/grokysis/health
//
//	# Analyze a symbol one hop out
//	curl -X POST http://127.0.0.1:8642/v1/grokysis/symbols/lookup \
//	  -H "Content-Type: application/json" \
//	  -d '{"raw_name": "_ZN7mozilla3dom8Document7GetBodyEv"}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
