// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doodle populates diagrams by walking the symbol graph.
package doodle

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

const (
	// DefaultMaxBranching is the in-scope edge count above which a symbol
	// is flagged and not expanded.
	DefaultMaxBranching = 12

	// DefaultConcurrency bounds parallel neighbor analyses.
	DefaultConcurrency = 8

	// CutoffStyling marks symbols whose expansion was abandoned.
	CutoffStyling = `color="red"`
)

var (
	doodleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grokysis_doodle_runs_total",
		Help: "Doodler runs by doodler",
	}, []string{"doodler"})

	doodleCutoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grokysis_doodle_cutoffs_total",
		Help: "Symbols not expanded because they exceeded the branching limit",
	})
)

// Result summarizes one doodler run.
type Result struct {
	// Visited is the number of symbols dequeued and expanded.
	Visited int `json:"visited"`

	// Edges is the number of edges drawn.
	Edges int `json:"edges"`

	// Truncated lists symbols flagged by the branching cutoff.
	Truncated []*kb.SymbolInfo `json:"-"`
}

// TruncatedNames returns the raw names of truncated symbols.
func (r Result) TruncatedNames() []string {
	out := make([]string, len(r.Truncated))
	for i, s := range r.Truncated {
		out[i] = s.RawName
	}
	return out
}

// Doodler draws part of the symbol graph into a diagram.
type Doodler interface {
	Doodle(ctx context.Context, knowledge *kb.KnowledgeBase, root *kb.SymbolInfo, d *diagram.Diagram) (Result, error)
}

// ipcActorMethod matches generated IPDL actor Send/Recv methods such as
// "mozilla::dom::PContentParent::RecvFoo".
var ipcActorMethod = regexp.MustCompile(`(^|::)P[A-Z]\w*(Parent|Child)::(Send|Recv)\w*`)

// IsIPCSymbol reports whether sym is a generated IPC boundary symbol.
func IsIPCSymbol(sym *kb.SymbolInfo) bool {
	if sym == nil {
		return false
	}
	if ipcActorMethod.MatchString(sym.PrettyName()) {
		return true
	}
	p := sym.Path()
	return strings.Contains(p, "__GENERATED__/ipc/ipdl") || strings.HasPrefix(p, "ipc/ipdl/")
}

// symbolDir returns the directory of sym's source (or declaration) file.
func symbolDir(sym *kb.SymbolInfo) string {
	p := sym.Path()
	if p == "" {
		return ""
	}
	return path.Dir(p)
}

// analyzeAll analyzes syms concurrently at the default hop budget.
// Failures are logged; the group never cancels.
func analyzeAll(ctx context.Context, knowledge *kb.KnowledgeBase, syms []*kb.SymbolInfo, limit int, logger *slog.Logger) {
	if len(syms) == 0 {
		return
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, sym := range syms {
		g.Go(func() error {
			if _, err := knowledge.EnsureSymbolAnalysis(gCtx, sym, kb.HopsDefault); err != nil {
				logger.Warn("neighbor analysis failed", "symbol", sym.RawName, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
