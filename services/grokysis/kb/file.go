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
	"path"
	"sort"
	"strings"
)

// FileInfo is one source file referenced by a definition or declaration.
type FileInfo struct {
	// Path is the normalized source-tree path. Immutable.
	Path string

	kb *KnowledgeBase

	// Guarded by kb.mu.
	defines  map[string]*SymbolInfo
	declares map[string]*SymbolInfo
	analyzed bool
}

// Dir returns the directory containing the file.
func (f *FileInfo) Dir() string {
	return path.Dir(f.Path)
}

// Defines returns the symbols defined in the file, sorted by raw name.
func (f *FileInfo) Defines() []*SymbolInfo {
	f.kb.mu.RLock()
	defer f.kb.mu.RUnlock()
	return sortedSymbols(f.defines)
}

// Declares returns the symbols declared in the file, sorted by raw name.
func (f *FileInfo) Declares() []*SymbolInfo {
	f.kb.mu.RLock()
	defer f.kb.mu.RUnlock()
	return sortedSymbols(f.declares)
}

// Analyzed reports whether the file itself has been analyzed.
//
// File analysis is a stub: files are only indexed through their symbols.
func (f *FileInfo) Analyzed() bool {
	f.kb.mu.RLock()
	defer f.kb.mu.RUnlock()
	return f.analyzed
}

// NormalizePath cleans a source-tree path into its canonical key.
//
// Leading slashes and "./" are dropped; "" and "." normalize to "".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func sortedSymbols(m map[string]*SymbolInfo) []*SymbolInfo {
	out := make([]*SymbolInfo, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawName < out[j].RawName })
	return out
}
