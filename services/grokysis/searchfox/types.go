// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchfox is the knowledge base's view of the search backend.
//
// The knowledge base only depends on the Searcher interface. Client is the
// HTTP implementation that talks to a searchfox router; tests substitute
// in-memory fakes.
package searchfox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Use types inside a path-kind bucket of a symbol's hits.
const (
	UseDefs  = "defs"
	UseDecls = "decls"
	UseUses  = "uses"
)

// Searcher performs a single search query.
//
// Implementations must be safe for concurrent use.
type Searcher interface {
	Search(ctx context.Context, query string) (SearchResults, error)
}

// FileFetcher fetches the line-delimited analysis records of one file.
type FileFetcher interface {
	FetchFile(ctx context.Context, path string) ([]json.RawMessage, error)
}

// SymbolQuery builds the query string for a raw symbol lookup.
func SymbolQuery(rawName string) string {
	return "symbol:" + rawName
}

// IdentifierQuery builds the query string for an identifier lookup.
func IdentifierQuery(identifier string) string {
	return "id:" + identifier
}

// SearchResults maps a matched raw symbol name to its hits.
type SearchResults map[string]*SymbolHits

// SymbolNames returns the matched raw symbol names in sorted order.
func (r SearchResults) SymbolNames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SymbolMeta is the optional metadata block of a symbol.
type SymbolMeta struct {
	// Syntax is a comma-separated token list such as "def,function".
	Syntax string `json:"syntax,omitempty"`

	// Pretty is the human-readable name, when the backend knows it.
	Pretty string `json:"pretty,omitempty"`
}

// ConsumedSymbol is a symbol referenced from within another symbol's body.
type ConsumedSymbol struct {
	Sym    string `json:"sym"`
	Pretty string `json:"pretty,omitempty"`
	Syntax string `json:"syntax,omitempty"`
}

// LineHit is one hit line. ContextSym names the enclosing symbol of a use.
type LineHit struct {
	Lno        int    `json:"lno,omitempty"`
	Line       string `json:"line,omitempty"`
	ContextSym string `json:"contextsym,omitempty"`
	Context    string `json:"context,omitempty"`
}

// PathHits groups hit lines by file.
type PathHits struct {
	Path  string    `json:"path"`
	Lines []LineHit `json:"lines"`
}

// SymbolHits is everything the backend reports for one raw symbol.
//
// Hits is keyed by path kind ("normal", "test", "generated", ...) and then
// by use type (UseDefs, UseDecls, UseUses).
type SymbolHits struct {
	Meta     *SymbolMeta                      `json:"meta,omitempty"`
	Consumes []ConsumedSymbol                 `json:"consumes,omitempty"`
	Hits     map[string]map[string][]PathHits `json:"hits,omitempty"`
}

// PathKinds returns the path kinds present in Hits, sorted for stable
// iteration.
func (h *SymbolHits) PathKinds() []string {
	kinds := make([]string, 0, len(h.Hits))
	for kind := range h.Hits {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodeResults parses a search response body.
//
// Description:
//
//	The router answers with an object keyed by raw symbol name. Keys wrapped
//	in asterisks ("*title*", "*timedout*") are bookkeeping and are skipped.
//
// Inputs:
//
//	data - The JSON response body.
//
// Outputs:
//
//	SearchResults - Parsed results; never nil on success.
//	error - Non-nil if the body is not a JSON object.
func DecodeResults(data []byte) (SearchResults, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}

	results := make(SearchResults, len(raw))
	for key, value := range raw {
		if strings.HasPrefix(key, "*") {
			continue
		}
		var hits SymbolHits
		if err := json.Unmarshal(value, &hits); err != nil {
			return nil, fmt.Errorf("decode hits for %s: %w", key, err)
		}
		results[key] = &hits
	}
	return results, nil
}
