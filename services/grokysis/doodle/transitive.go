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

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

// ErrNilInput is returned when a required argument is nil.
var ErrNilInput = errors.New("knowledge base, root symbol and diagram are required")

// TransitiveCallDoodler draws the transitive call graph around a symbol.
//
// Description:
//
//	Breadth-first over out-edges (CallsOut) or in-edges. Each visited
//	symbol is analyzed before its edges are read. With LimitToModule only
//	neighbors in the root's source directory are followed; generated IPC
//	symbols are drawn as leaf calls but not expanded. A symbol with more
//	than MaxBranching in-scope edges is styled with CutoffStyling and its
//	edges are neither drawn nor followed.
type TransitiveCallDoodler struct {
	CallsOut      bool
	LimitToModule bool

	// MaxBranching overrides DefaultMaxBranching when positive.
	MaxBranching int

	// Concurrency overrides DefaultConcurrency when positive.
	Concurrency int

	Logger *slog.Logger
}

var _ Doodler = (*TransitiveCallDoodler)(nil)

type scopedEdge struct {
	target *kb.SymbolInfo
	leaf   bool
}

// Doodle runs the traversal from root into d.
//
// Outputs:
//
//	Result - Counts and truncated symbols. Valid even when error is set.
//	error - ErrNilInput, or ctx.Err() if the context ends mid-walk.
func (t *TransitiveCallDoodler) Doodle(ctx context.Context, knowledge *kb.KnowledgeBase, root *kb.SymbolInfo, d *diagram.Diagram) (Result, error) {
	var result Result
	if knowledge == nil || root == nil || d == nil {
		return result, ErrNilInput
	}
	doodleRuns.WithLabelValues("transitive").Inc()

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("doodler", "transitive", "root", root.RawName)
	maxBranching := t.MaxBranching
	if maxBranching <= 0 {
		maxBranching = DefaultMaxBranching
	}
	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if _, err := knowledge.EnsureSymbolAnalysis(ctx, root, kb.HopsDefault); err != nil {
		logger.Warn("root analysis failed", "error", err)
	}

	limit := t.LimitToModule
	rootDir := ""
	if limit {
		rootDir = symbolDir(root)
		if rootDir == "" {
			logger.Warn("root has no source file; module limit disabled")
			limit = false
		}
	}

	visited := map[*kb.SymbolInfo]struct{}{root: {}}
	queue := []*kb.SymbolInfo{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		sym := queue[0]
		queue = queue[1:]
		result.Visited++

		if sym != root {
			if _, err := knowledge.EnsureSymbolAnalysis(ctx, sym, kb.HopsDefault); err != nil {
				logger.Warn("analysis failed", "symbol", sym.RawName, "error", err)
				continue
			}
		}

		var neighbors []*kb.SymbolInfo
		if t.CallsOut {
			neighbors = knowledge.OutEdges(sym)
		} else {
			neighbors = knowledge.InEdges(sym)
		}

		var inScope []scopedEdge
		if limit {
			// Directories are only known once neighbors are analyzed.
			analyzeAll(ctx, knowledge, neighbors, concurrency, logger)
			for _, n := range neighbors {
				switch {
				case symbolDir(n) == rootDir:
					inScope = append(inScope, scopedEdge{target: n})
				case IsIPCSymbol(n):
					inScope = append(inScope, scopedEdge{target: n, leaf: true})
				}
			}
		} else {
			for _, n := range neighbors {
				inScope = append(inScope, scopedEdge{target: n})
			}
		}

		if len(inScope) > maxBranching {
			logger.Info("branching limit exceeded, not expanding",
				"symbol", sym.RawName, "edges", len(inScope), "limit", maxBranching)
			d.StyleNode(sym, CutoffStyling)
			doodleCutoffs.Inc()
			result.Truncated = append(result.Truncated, sym)
			continue
		}

		for _, e := range inScope {
			from, to := sym, e.target
			if !t.CallsOut {
				from, to = e.target, sym
			}
			if err := d.EnsureEdge(from, to); err != nil {
				logger.Warn("cannot draw edge", "from", from.RawName, "to", to.RawName, "error", err)
				continue
			}
			result.Edges++

			if e.leaf {
				continue
			}
			if _, seen := visited[e.target]; seen {
				continue
			}
			visited[e.target] = struct{}{}
			queue = append(queue, e.target)
		}
	}

	logger.Debug("doodle complete", "visited", result.Visited, "edges", result.Edges)
	return result, nil
}
