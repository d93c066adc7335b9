// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doodle

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

// ErrNoPrettyName is returned when a class symbol has no pretty name to
// derive member names from.
var ErrNoPrettyName = errors.New("class symbol has no pretty name")

// InternalDoodler draws the calls between the members of one class.
//
// Members are the known symbols whose pretty name is "<class>::...",
// plus the prefixed symbols defined or declared in the class's files.
type InternalDoodler struct {
	// Concurrency overrides DefaultConcurrency when positive.
	Concurrency int

	Logger *slog.Logger
}

var _ Doodler = (*InternalDoodler)(nil)

// Doodle draws every member of class and the calls among them.
func (i *InternalDoodler) Doodle(ctx context.Context, knowledge *kb.KnowledgeBase, class *kb.SymbolInfo, d *diagram.Diagram) (Result, error) {
	var result Result
	if knowledge == nil || class == nil || d == nil {
		return result, ErrNilInput
	}
	doodleRuns.WithLabelValues("internal").Inc()

	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := i.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if _, err := knowledge.EnsureSymbolAnalysis(ctx, class, kb.HopsDefault); err != nil {
		logger.Warn("class analysis failed", "symbol", class.RawName, "error", err)
	}
	prefix := class.PrettyName()
	if prefix == "" {
		return result, ErrNoPrettyName
	}

	members := collectMembers(knowledge, class, prefix)
	analyzeAll(ctx, knowledge, members, concurrency, logger)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	memberSet := make(map[*kb.SymbolInfo]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	for _, m := range members {
		d.EnsureNodeForSymbol(m)
		result.Visited++
		for _, callee := range knowledge.OutEdges(m) {
			if _, ok := memberSet[callee]; !ok {
				continue
			}
			if err := d.EnsureEdge(m, callee); err != nil {
				logger.Warn("cannot draw edge", "from", m.RawName, "to", callee.RawName, "error", err)
				continue
			}
			result.Edges++
		}
	}
	return result, nil
}

func collectMembers(knowledge *kb.KnowledgeBase, class *kb.SymbolInfo, prefix string) []*kb.SymbolInfo {
	seen := make(map[*kb.SymbolInfo]struct{})
	var members []*kb.SymbolInfo
	add := func(s *kb.SymbolInfo) {
		if s == class {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		members = append(members, s)
	}

	for _, s := range knowledge.SymbolsWithPrettyPrefix(prefix) {
		add(s)
	}
	for _, f := range []*kb.FileInfo{class.SourceFile(), class.DeclFile()} {
		if f == nil {
			continue
		}
		for _, s := range append(f.Defines(), f.Declares()...) {
			if strings.HasPrefix(s.PrettyName(), prefix+"::") {
				add(s)
			}
		}
	}

	sort.Slice(members, func(a, b int) bool { return members[a].RawName < members[b].RawName })
	return members
}
