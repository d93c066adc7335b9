// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grokysis

import (
	"encoding/json"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
)

// Doodler names accepted by DoodleRequest.
const (
	DoodlerCallsOut = "calls_out"
	DoodlerCallsIn  = "calls_in"
	DoodlerInternal = "internal"
)

// LookupRequest is the body of POST /v1/grokysis/symbols/lookup.
type LookupRequest struct {
	// RawName is the mangled symbol name. A comma-delimited list uses
	// its first entry.
	RawName string `json:"raw_name" binding:"required"`

	PrettyName string `json:"pretty_name,omitempty"`

	// Hops is the analysis depth, clamped to 0..2. Nil means 1.
	Hops *int `json:"hops,omitempty"`
}

// SymbolResponse wraps one symbol snapshot.
type SymbolResponse struct {
	Symbol kb.SymbolSnapshot `json:"symbol"`
}

// DoodleRequest is the body of POST /v1/grokysis/diagrams/doodle.
type DoodleRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	Doodler       string `json:"doodler,omitempty"`
	LimitToModule bool   `json:"limit_to_module,omitempty"`
	MaxBranching  int    `json:"max_branching,omitempty"`

	// Format is "dot", "mermaid" or "json". Default: dot.
	Format string `json:"format,omitempty"`

	// Diagram is an optional serialized diagram to draw into.
	Diagram json.RawMessage `json:"diagram,omitempty"`
}

// GenerateRequest is the body of POST /v1/grokysis/diagrams/generate.
type GenerateRequest struct {
	// Workspace is a Blockly workspace JSON export.
	Workspace json.RawMessage `json:"workspace" binding:"required"`
	Format    string          `json:"format,omitempty"`
}

// DiagramResponse carries a rendered diagram and run statistics.
type DiagramResponse struct {
	Format string `json:"format"`
	Output string `json:"output"`

	// Diagram is the serialized form, for saving into a session thing.
	Diagram json.RawMessage `json:"diagram"`

	Nodes          int      `json:"nodes"`
	Visited        int      `json:"visited,omitempty"`
	Edges          int      `json:"edges,omitempty"`
	Truncated      []string `json:"truncated,omitempty"`
	BadIdentifiers []string `json:"bad_identifiers,omitempty"`
	DroppedEdges   int      `json:"dropped_edges,omitempty"`
}

// ThingRequest is the body of POST /v1/grokysis/tracks/:track/things.
type ThingRequest struct {
	Type  session.ThingType `json:"type" binding:"required"`
	Title string            `json:"title,omitempty"`
	State json.RawMessage   `json:"state,omitempty"`

	// Index is the insert position. Nil appends.
	Index *int `json:"index,omitempty"`
}

// ThingsResponse lists a track.
type ThingsResponse struct {
	Track  string                  `json:"track"`
	Things []*session.SessionThing `json:"things"`
}

// FileResponse carries a file's raw analysis records.
type FileResponse struct {
	Path    string            `json:"path"`
	Records []json.RawMessage `json:"records"`
}

// HealthResponse is returned by GET /v1/grokysis/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is returned by GET /v1/grokysis/ready.
type ReadyResponse struct {
	Ready bool     `json:"ready"`
	Stats kb.Stats `json:"stats"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Event types pushed over /v1/grokysis/events.
const (
	EventSession = "session"
	EventSymbol  = "symbol"
)

// Event is one websocket message.
type Event struct {
	Type   string             `json:"type"`
	Change *session.Change    `json:"change,omitempty"`
	Symbol *kb.SymbolSnapshot `json:"symbol,omitempty"`
}
