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

import "sort"

// edgeSet is the single owner of the symbol graph's edges.
//
// out and in are two indexes over the same set of (from, to) pairs and are
// only ever changed together by add, so A.out ∋ B ⇔ B.in ∋ A holds at all
// times. Not safe for concurrent use; callers hold kb.mu.
type edgeSet struct {
	out   map[*SymbolInfo]map[*SymbolInfo]struct{}
	in    map[*SymbolInfo]map[*SymbolInfo]struct{}
	count int
}

func newEdgeSet() edgeSet {
	return edgeSet{
		out: make(map[*SymbolInfo]map[*SymbolInfo]struct{}),
		in:  make(map[*SymbolInfo]map[*SymbolInfo]struct{}),
	}
}

// add inserts from→to. Returns false if the edge already existed.
func (e *edgeSet) add(from, to *SymbolInfo) bool {
	targets := e.out[from]
	if targets == nil {
		targets = make(map[*SymbolInfo]struct{})
		e.out[from] = targets
	}
	if _, ok := targets[to]; ok {
		return false
	}
	targets[to] = struct{}{}

	sources := e.in[to]
	if sources == nil {
		sources = make(map[*SymbolInfo]struct{})
		e.in[to] = sources
	}
	sources[from] = struct{}{}

	e.count++
	return true
}

func (e *edgeSet) has(from, to *SymbolInfo) bool {
	_, ok := e.out[from][to]
	return ok
}

func (e *edgeSet) outOf(s *SymbolInfo) []*SymbolInfo {
	return sortedKeys(e.out[s])
}

func (e *edgeSet) inOf(s *SymbolInfo) []*SymbolInfo {
	return sortedKeys(e.in[s])
}

func (e *edgeSet) outDegree(s *SymbolInfo) int { return len(e.out[s]) }

func (e *edgeSet) inDegree(s *SymbolInfo) int { return len(e.in[s]) }

func sortedKeys(m map[*SymbolInfo]struct{}) []*SymbolInfo {
	out := make([]*SymbolInfo, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawName < out[j].RawName })
	return out
}
