// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kb

import (
	"strings"
)

// SyntaxKind classifies a symbol by the syntax that defines it.
type SyntaxKind string

const (
	SyntaxUnknown   SyntaxKind = "unknown"
	SyntaxFunction  SyntaxKind = "function"
	SyntaxClass     SyntaxKind = "class"
	SyntaxField     SyntaxKind = "field"
	SyntaxVariable  SyntaxKind = "variable"
	SyntaxNamespace SyntaxKind = "namespace"
	SyntaxEnum      SyntaxKind = "enum"
)

// ParseSyntax derives a SyntaxKind from a searchfox syntax token list such
// as "def,function" or "decl,class".
//
// The first token naming a kind wins; "def"/"decl"/"use" tokens are ignored.
func ParseSyntax(tokens string) SyntaxKind {
	for _, tok := range strings.Split(tokens, ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "function", "method", "constructor", "destructor":
			return SyntaxFunction
		case "class", "struct", "union", "interface", "type":
			return SyntaxClass
		case "field", "member":
			return SyntaxField
		case "variable", "var", "local", "global":
			return SyntaxVariable
		case "namespace", "module":
			return SyntaxNamespace
		case "enum":
			return SyntaxEnum
		}
	}
	return SyntaxUnknown
}

// AnalysisState is the per-symbol analysis lifecycle.
type AnalysisState int

const (
	// StateUnanalyzed means no analysis has completed or is running.
	StateUnanalyzed AnalysisState = iota

	// StateAnalyzing means exactly one analysis is in flight.
	StateAnalyzing

	// StateAnalyzed means the search data has been applied.
	StateAnalyzed
)

// String returns the string representation of the AnalysisState.
func (s AnalysisState) String() string {
	switch s {
	case StateUnanalyzed:
		return "unanalyzed"
	case StateAnalyzing:
		return "analyzing"
	case StateAnalyzed:
		return "analyzed"
	default:
		return "unknown"
	}
}

// SymbolInfo is one analyzed (or to-be-analyzed) symbol.
//
// Identity is the raw name: a KnowledgeBase never holds two SymbolInfo
// values with the same RawName, so pointer equality is symbol equality.
// Edges are not stored here; query them through the owning KnowledgeBase.
//
// Thread Safety:
//
//	Accessors are safe for concurrent use. Mutation happens only inside
//	the owning KnowledgeBase.
type SymbolInfo struct {
	// RawName is the unique mangled name. Immutable.
	RawName string

	kb *KnowledgeBase

	// Guarded by kb.mu.
	prettyName string
	syntax     SyntaxKind
	state      AnalysisState
	level      int
	sourceFile *FileInfo
	declFile   *FileInfo
	serial     uint64
}

// PrettyName returns the display name, or "" if not yet known.
func (s *SymbolInfo) PrettyName() string {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.prettyName
}

// DisplayName returns the pretty name, falling back to the raw name.
func (s *SymbolInfo) DisplayName() string {
	if pretty := s.PrettyName(); pretty != "" {
		return pretty
	}
	return s.RawName
}

// Syntax returns the symbol's syntax kind.
func (s *SymbolInfo) Syntax() SyntaxKind {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.syntax
}

// State returns the analysis state.
func (s *SymbolInfo) State() AnalysisState {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.state
}

// AnalyzedLevel returns the hop level of the completed analysis, or 0.
func (s *SymbolInfo) AnalyzedLevel() int {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	if s.state != StateAnalyzed {
		return 0
	}
	return s.level
}

// SourceFile returns the file holding the symbol's single definition.
func (s *SymbolInfo) SourceFile() *FileInfo {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.sourceFile
}

// DeclFile returns the file holding the symbol's single declaration.
func (s *SymbolInfo) DeclFile() *FileInfo {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.declFile
}

// Path returns the definition path, falling back to the declaration path.
func (s *SymbolInfo) Path() string {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	if s.sourceFile != nil {
		return s.sourceFile.Path
	}
	if s.declFile != nil {
		return s.declFile.Path
	}
	return ""
}

// Serial increments every time the symbol is marked dirty.
func (s *SymbolInfo) Serial() uint64 {
	s.kb.mu.RLock()
	defer s.kb.mu.RUnlock()
	return s.serial
}

// SymbolSnapshot is a point-in-time, serializable view of a symbol.
type SymbolSnapshot struct {
	RawName    string   `json:"raw_name"`
	PrettyName string   `json:"pretty_name,omitempty"`
	Syntax     string   `json:"syntax"`
	State      string   `json:"state"`
	Level      int      `json:"level"`
	SourcePath string   `json:"source_path,omitempty"`
	DeclPath   string   `json:"decl_path,omitempty"`
	OutEdges   []string `json:"out_edges"`
	InEdges    []string `json:"in_edges"`
	Serial     uint64   `json:"serial"`
}
