// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kb is the incremental symbol graph builder.
//
// A KnowledgeBase lazily resolves raw symbol names into SymbolInfo values by
// querying a searchfox.Searcher, links them with call/use edges and expands
// the graph a bounded number of hops around whatever the caller asks for.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
)

const (
	// MaxHops bounds recursive expansion regardless of what callers request.
	MaxHops = 2

	// HopsDefault is the budget used when a caller just wants "analyze it".
	HopsDefault = 1

	// DefaultEdgeSanityLimit is the per-direction edge count above which a
	// deepened hop budget is not cascaded to neighbors.
	DefaultEdgeSanityLimit = 32
)

var (
	// ErrNilSymbol is returned when a nil SymbolInfo is passed in.
	ErrNilSymbol = errors.New("symbol is nil")

	// ErrForeignSymbol is returned for a SymbolInfo owned by another KnowledgeBase.
	ErrForeignSymbol = errors.New("symbol belongs to a different knowledge base")
)

// LookupOptions carries hints used only when a symbol is first created.
type LookupOptions struct {
	// Syntax is the known syntax kind. Empty means unknown.
	Syntax SyntaxKind

	// SourcePath binds the symbol's definition file.
	SourcePath string

	// DeclPath binds the symbol's declaration file.
	DeclPath string
}

// Options configures a KnowledgeBase.
type Options struct {
	// Logger receives diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// EdgeSanityLimit overrides DefaultEdgeSanityLimit when positive.
	EdgeSanityLimit int
}

// Stats is a point-in-time summary of a KnowledgeBase.
type Stats struct {
	Symbols   int   `json:"symbols"`
	Files     int   `json:"files"`
	Edges     int   `json:"edges"`
	Analyzing int   `json:"analyzing"`
	Analyzed  int   `json:"analyzed"`
	Searches  int64 `json:"searches"`
}

// KnowledgeBase owns every SymbolInfo and FileInfo of one analysis session.
//
// Description:
//
//	LookupRawSymbol is the only way symbols come into existence, so a raw
//	name maps to exactly one *SymbolInfo for the lifetime of the
//	KnowledgeBase. Edges live in a single edge set; OutEdges and InEdges are
//	views over it. Analyses are single-flight per symbol: concurrent callers
//	share one backend search.
//
// Thread Safety:
//
//	Safe for concurrent use. mu is never held across a search call.
type KnowledgeBase struct {
	searcher  searchfox.Searcher
	logger    *slog.Logger
	edgeLimit int

	mu        sync.RWMutex
	symbols   map[string]*SymbolInfo
	files     map[string]*FileInfo
	edges     edgeSet
	analyzing map[*SymbolInfo]struct{}
	closed    bool

	flight   singleflight.Group
	bg       sync.WaitGroup
	searches atomic.Int64

	subsMu  sync.Mutex
	subs    map[int]func(*SymbolInfo)
	nextSub int
}

// New creates an empty KnowledgeBase backed by searcher.
func New(searcher searchfox.Searcher, opts Options) *KnowledgeBase {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.EdgeSanityLimit
	if limit <= 0 {
		limit = DefaultEdgeSanityLimit
	}
	return &KnowledgeBase{
		searcher:  searcher,
		logger:    logger.With("component", "kb"),
		edgeLimit: limit,
		symbols:   make(map[string]*SymbolInfo),
		files:     make(map[string]*FileInfo),
		edges:     newEdgeSet(),
		analyzing: make(map[*SymbolInfo]struct{}),
		subs:      make(map[int]func(*SymbolInfo)),
	}
}

// ClampHops bounds a requested hop budget to 0..MaxHops.
func ClampHops(hops int) int {
	if hops < 0 {
		return 0
	}
	if hops > MaxHops {
		return MaxHops
	}
	return hops
}

// LookupRawSymbol resolves a raw symbol name to its SymbolInfo.
//
// Description:
//
//	Returns the cached SymbolInfo for rawName, creating it from opts on
//	first reference. A comma-delimited name resolves to its first
//	component. An empty pretty name on an existing symbol is back-filled.
//	When hops > 0 an analysis with that budget is started in the
//	background; use Wait or EnsureSymbolAnalysis to observe completion.
//
// Inputs:
//
//	ctx - Context for tracing. Background analysis ignores its cancellation.
//	rawName - Raw (mangled) symbol name.
//	hops - Analysis budget; 0 means do not analyze.
//	pretty - Display name, may be "".
//	opts - Creation hints, may be nil.
//
// Outputs:
//
//	*SymbolInfo - The unique symbol, or nil when rawName is empty.
func (k *KnowledgeBase) LookupRawSymbol(ctx context.Context, rawName string, hops int, pretty string, opts *LookupOptions) *SymbolInfo {
	raw := k.normalizeRawName(rawName)
	if raw == "" {
		return nil
	}

	k.mu.Lock()
	sym, existed := k.symbols[raw]
	backfilled := false
	if existed {
		if sym.prettyName == "" && pretty != "" {
			sym.prettyName = pretty
			backfilled = true
		}
		if opts != nil && sym.syntax == SyntaxUnknown && opts.Syntax != "" {
			sym.syntax = opts.Syntax
		}
	} else {
		sym = &SymbolInfo{RawName: raw, kb: k, prettyName: pretty, syntax: SyntaxUnknown}
		if opts != nil {
			if opts.Syntax != "" {
				sym.syntax = opts.Syntax
			}
			if f := k.ensureFileLocked(opts.SourcePath); f != nil {
				sym.sourceFile = f
				f.defines[raw] = sym
			}
			if f := k.ensureFileLocked(opts.DeclPath); f != nil {
				sym.declFile = f
				f.declares[raw] = sym
			}
		}
		k.symbols[raw] = sym
	}
	k.mu.Unlock()

	if backfilled {
		k.markDirty(sym)
	}
	if hops > 0 {
		k.scheduleAnalysis(ctx, sym, hops)
	}
	return sym
}

// Lookup returns an existing symbol without creating one. Names are
// normalized the same way LookupRawSymbol normalizes them.
func (k *KnowledgeBase) Lookup(rawName string) (*SymbolInfo, bool) {
	raw := k.normalizeRawName(rawName)
	k.mu.RLock()
	defer k.mu.RUnlock()
	sym, ok := k.symbols[raw]
	return sym, ok
}

// EnsureSymbolAnalysis makes sure sym is analyzed to at least hops.
//
// Description:
//
//	hops is clamped to 0..MaxHops. A symbol already analyzed at or above
//	that level is returned unchanged. A symbol analyzed at a lower level
//	has its level bumped and the remaining budget cascaded to its known
//	neighbors without a new search; a direction with more than the edge
//	sanity limit of edges is skipped. An in-flight analysis is joined.
//	Otherwise exactly one search is issued. hops 0 on a symbol that is not
//	yet analyzed does nothing.
//
//	Analysis always runs to completion; ctx cancellation only releases the
//	caller of the cascade, never the search itself.
//
// Inputs:
//
//	ctx - Context for tracing.
//	sym - Symbol owned by this KnowledgeBase.
//	hops - Requested budget.
//
// Outputs:
//
//	*SymbolInfo - sym, for chaining.
//	error - Non-nil if the search failed. The symbol returns to unanalyzed.
//
// Thread Safety: Safe for concurrent use.
func (k *KnowledgeBase) EnsureSymbolAnalysis(ctx context.Context, sym *SymbolInfo, hops int) (*SymbolInfo, error) {
	if sym == nil {
		return nil, ErrNilSymbol
	}
	if sym.kb != k {
		return nil, ErrForeignSymbol
	}
	hops = ClampHops(hops)

	if k.bumpIfAnalyzed(ctx, sym, hops) {
		return sym, nil
	}
	if hops == 0 {
		return sym, nil
	}

	_, err, _ := k.flight.Do(sym.RawName, func() (any, error) {
		return nil, k.runAnalysis(context.WithoutCancel(ctx), sym, hops)
	})
	if err != nil {
		return sym, err
	}

	// A joined flight may have used a smaller budget.
	k.bumpIfAnalyzed(ctx, sym, hops)
	return sym, nil
}

// bumpIfAnalyzed handles the already-analyzed cases. Returns false when the
// symbol still needs a search.
func (k *KnowledgeBase) bumpIfAnalyzed(ctx context.Context, sym *SymbolInfo, hops int) bool {
	k.mu.Lock()
	if sym.state != StateAnalyzed {
		k.mu.Unlock()
		return false
	}
	if sym.level >= hops {
		k.mu.Unlock()
		return true
	}

	sym.level = hops
	next := hops - 1
	var cascade []*SymbolInfo
	if next > 0 {
		if n := k.edges.outDegree(sym); n <= k.edgeLimit {
			cascade = append(cascade, k.edges.outOf(sym)...)
		} else {
			k.logger.Debug("skipping out-edge propagation", "symbol", sym.RawName, "edges", n)
		}
		if n := k.edges.inDegree(sym); n <= k.edgeLimit {
			cascade = append(cascade, k.edges.inOf(sym)...)
		} else {
			k.logger.Debug("skipping in-edge propagation", "symbol", sym.RawName, "edges", n)
		}
	}
	k.mu.Unlock()

	k.markDirty(sym)
	for _, neighbor := range cascade {
		k.scheduleAnalysis(ctx, neighbor, next)
	}
	return true
}

// scheduleAnalysis starts a tracked background analysis unless one would
// be a no-op.
func (k *KnowledgeBase) scheduleAnalysis(ctx context.Context, sym *SymbolInfo, hops int) {
	hops = ClampHops(hops)
	if hops == 0 {
		return
	}
	// bg.Add happens under mu so it cannot race Close's Wait.
	k.mu.RLock()
	if k.closed || (sym.state == StateAnalyzed && sym.level >= hops) {
		k.mu.RUnlock()
		return
	}
	k.bg.Add(1)
	k.mu.RUnlock()

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer k.bg.Done()
		if _, err := k.EnsureSymbolAnalysis(bgCtx, sym, hops); err != nil {
			k.logger.Warn("background analysis failed", "symbol", sym.RawName, "error", err)
		}
	}()
}

// runAnalysis is the body of one flight.
func (k *KnowledgeBase) runAnalysis(ctx context.Context, sym *SymbolInfo, hops int) error {
	k.mu.Lock()
	if sym.state == StateAnalyzed {
		// A previous flight finished between the caller's check and Do.
		k.mu.Unlock()
		return nil
	}
	sym.state = StateAnalyzing
	k.analyzing[sym] = struct{}{}
	k.mu.Unlock()
	recordAnalyzing(ctx, 1)

	start := time.Now()
	err := k.analyzeSymbol(ctx, sym, hops)
	recordAnalysis(ctx, time.Since(start), err)
	recordAnalyzing(ctx, -1)

	k.mu.Lock()
	delete(k.analyzing, sym)
	if err != nil {
		sym.state = StateUnanalyzed
	} else {
		sym.state = StateAnalyzed
		if hops > sym.level {
			sym.level = hops
		}
	}
	k.mu.Unlock()

	if err != nil {
		return err
	}
	k.markDirty(sym)
	return nil
}

// analyzeSymbol issues the one search for sym and applies the results.
func (k *KnowledgeBase) analyzeSymbol(ctx context.Context, sym *SymbolInfo, hops int) error {
	ctx, span := startAnalysisSpan(ctx, sym.RawName, hops)
	defer span.End()

	results, err := k.search(ctx, "symbol", searchfox.SymbolQuery(sym.RawName))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("analyze %s: %w", sym.RawName, err)
	}

	next := hops - 1
	for _, name := range results.SymbolNames() {
		if name != sym.RawName {
			k.logger.Warn("search result symbol mismatch", "requested", sym.RawName, "got", name)
			continue
		}
		hits := results[name]
		if hits == nil {
			continue
		}

		if hits.Meta != nil {
			k.applyMeta(sym, hits.Meta)
		}

		for _, c := range hits.Consumes {
			target := k.LookupRawSymbol(ctx, c.Sym, next, c.Pretty, &LookupOptions{Syntax: ParseSyntax(c.Syntax)})
			if target == nil {
				continue
			}
			k.addEdge(ctx, sym, target)
		}

		for _, kind := range hits.PathKinds() {
			byUse := hits.Hits[kind]
			k.bindSites(sym, byUse[searchfox.UseDefs], true)
			k.bindSites(sym, byUse[searchfox.UseDecls], false)
			for _, site := range byUse[searchfox.UseUses] {
				for _, line := range site.Lines {
					if line.ContextSym == "" {
						continue
					}
					caller := k.LookupRawSymbol(ctx, line.ContextSym, next, line.Context, &LookupOptions{Syntax: SyntaxFunction})
					if caller == nil {
						continue
					}
					k.addEdge(ctx, caller, sym)
				}
			}
		}
	}

	span.SetAttributes(attribute.Int("kb.results", len(results)))
	return nil
}

func (k *KnowledgeBase) applyMeta(sym *SymbolInfo, meta *searchfox.SymbolMeta) {
	changed := false
	k.mu.Lock()
	if kind := ParseSyntax(meta.Syntax); kind != SyntaxUnknown && kind != sym.syntax {
		sym.syntax = kind
		changed = true
	}
	if sym.prettyName == "" && meta.Pretty != "" {
		sym.prettyName = meta.Pretty
		changed = true
	}
	k.mu.Unlock()
	if changed {
		k.markDirty(sym)
	}
}

// bindSites binds sym to a file only when there is exactly one site with
// exactly one line.
func (k *KnowledgeBase) bindSites(sym *SymbolInfo, sites []searchfox.PathHits, def bool) {
	if len(sites) != 1 || len(sites[0].Lines) != 1 {
		return
	}
	k.mu.Lock()
	f := k.ensureFileLocked(sites[0].Path)
	if f != nil {
		if def {
			sym.sourceFile = f
			f.defines[sym.RawName] = sym
		} else {
			sym.declFile = f
			f.declares[sym.RawName] = sym
		}
	}
	k.mu.Unlock()
}

// addEdge is the single mutation primitive for the symbol graph.
func (k *KnowledgeBase) addEdge(ctx context.Context, from, to *SymbolInfo) {
	k.mu.Lock()
	added := k.edges.add(from, to)
	k.mu.Unlock()
	if !added {
		return
	}
	recordEdge(ctx)
	k.markDirty(from)
	if to != from {
		k.markDirty(to)
	}
}

func (k *KnowledgeBase) search(ctx context.Context, kind, query string) (searchfox.SearchResults, error) {
	k.searches.Add(1)
	recordSearch(ctx, kind)
	return k.searcher.Search(ctx, query)
}

// EnsureFileAnalysis returns the FileInfo for path, creating it on first use.
//
// Returns nil for an empty path.
func (k *KnowledgeBase) EnsureFileAnalysis(path string) *FileInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ensureFileLocked(path)
}

func (k *KnowledgeBase) ensureFileLocked(path string) *FileInfo {
	p := NormalizePath(path)
	if p == "" {
		return nil
	}
	if f, ok := k.files[p]; ok {
		return f
	}
	f := &FileInfo{
		Path:     p,
		kb:       k,
		defines:  make(map[string]*SymbolInfo),
		declares: make(map[string]*SymbolInfo),
	}
	k.files[p] = f
	return f
}

// File returns an existing FileInfo without creating one.
func (k *KnowledgeBase) File(path string) (*FileInfo, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	f, ok := k.files[NormalizePath(path)]
	return f, ok
}

// FindSymbolsGivenID resolves a source identifier to candidate symbols.
//
// Description:
//
//	Issues one "id:" search and returns a SymbolInfo for every symbol in
//	the result, sorted by raw name. Symbols are created but not analyzed.
//
// Outputs:
//
//	[]*SymbolInfo - Matches; empty if none.
//	error - Non-nil if the search failed.
func (k *KnowledgeBase) FindSymbolsGivenID(ctx context.Context, identifier string) ([]*SymbolInfo, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	results, err := k.search(ctx, "identifier", searchfox.IdentifierQuery(identifier))
	if err != nil {
		return nil, fmt.Errorf("find symbols for %q: %w", identifier, err)
	}

	found := make([]*SymbolInfo, 0, len(results))
	for _, name := range results.SymbolNames() {
		hits := results[name]
		pretty := ""
		opts := &LookupOptions{}
		if hits != nil && hits.Meta != nil {
			pretty = hits.Meta.Pretty
			opts.Syntax = ParseSyntax(hits.Meta.Syntax)
		}
		if sym := k.LookupRawSymbol(ctx, name, 0, pretty, opts); sym != nil {
			found = append(found, sym)
		}
	}
	return found, nil
}

// OutEdges returns the symbols sym consumes or calls, sorted by raw name.
func (k *KnowledgeBase) OutEdges(sym *SymbolInfo) []*SymbolInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.edges.outOf(sym)
}

// InEdges returns the symbols that reference sym, sorted by raw name.
func (k *KnowledgeBase) InEdges(sym *SymbolInfo) []*SymbolInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.edges.inOf(sym)
}

// HasEdge reports whether from→to is in the graph.
func (k *KnowledgeBase) HasEdge(from, to *SymbolInfo) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.edges.has(from, to)
}

// Symbols returns every known symbol sorted by raw name.
func (k *KnowledgeBase) Symbols() []*SymbolInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortedSymbols(k.symbols)
}

// SymbolsWithPrettyPrefix returns symbols whose pretty name starts with
// prefix followed by "::", sorted by raw name.
func (k *KnowledgeBase) SymbolsWithPrettyPrefix(prefix string) []*SymbolInfo {
	if prefix == "" {
		return nil
	}
	want := prefix + "::"
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*SymbolInfo
	for _, s := range k.symbols {
		if strings.HasPrefix(s.prettyName, want) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawName < out[j].RawName })
	return out
}

// AnalyzingSymbols returns the symbols with an analysis in flight.
func (k *KnowledgeBase) AnalyzingSymbols() []*SymbolInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sortedKeys(k.analyzing)
}

// Snapshot returns a serializable view of sym and its edges.
func (k *KnowledgeBase) Snapshot(sym *SymbolInfo) SymbolSnapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	snap := SymbolSnapshot{
		RawName:    sym.RawName,
		PrettyName: sym.prettyName,
		Syntax:     string(sym.syntax),
		State:      sym.state.String(),
		Serial:     sym.serial,
		OutEdges:   rawNames(k.edges.outOf(sym)),
		InEdges:    rawNames(k.edges.inOf(sym)),
	}
	if sym.state == StateAnalyzed {
		snap.Level = sym.level
	}
	if sym.sourceFile != nil {
		snap.SourcePath = sym.sourceFile.Path
	}
	if sym.declFile != nil {
		snap.DeclPath = sym.declFile.Path
	}
	return snap
}

// Stats returns counts for observability.
func (k *KnowledgeBase) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()
	analyzed := 0
	for _, s := range k.symbols {
		if s.state == StateAnalyzed {
			analyzed++
		}
	}
	return Stats{
		Symbols:   len(k.symbols),
		Files:     len(k.files),
		Edges:     k.edges.count,
		Analyzing: len(k.analyzing),
		Analyzed:  analyzed,
		Searches:  k.searches.Load(),
	}
}

// Searches returns the number of backend searches issued so far.
func (k *KnowledgeBase) Searches() int64 {
	return k.searches.Load()
}

// Subscribe registers fn to be called whenever a symbol is marked dirty.
//
// fn runs on the goroutine that changed the symbol and must not block.
// The returned function removes the subscription.
func (k *KnowledgeBase) Subscribe(fn func(*SymbolInfo)) (unsubscribe func()) {
	k.subsMu.Lock()
	id := k.nextSub
	k.nextSub++
	k.subs[id] = fn
	k.subsMu.Unlock()

	return func() {
		k.subsMu.Lock()
		delete(k.subs, id)
		k.subsMu.Unlock()
	}
}

func (k *KnowledgeBase) markDirty(sym *SymbolInfo) {
	k.mu.Lock()
	sym.serial++
	k.mu.Unlock()

	k.subsMu.Lock()
	fns := make([]func(*SymbolInfo), 0, len(k.subs))
	for _, fn := range k.subs {
		fns = append(fns, fn)
	}
	k.subsMu.Unlock()

	for _, fn := range fns {
		fn(sym)
	}
}

// Wait blocks until every background analysis started so far, and any
// analysis those started, has finished.
func (k *KnowledgeBase) Wait() {
	k.bg.Wait()
}

// Close stops new background analyses from starting, waits for running
// ones and drops all subscribers. Explicit EnsureSymbolAnalysis calls
// still work after Close.
func (k *KnowledgeBase) Close() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.Wait()
	k.subsMu.Lock()
	k.subs = make(map[int]func(*SymbolInfo))
	k.subsMu.Unlock()
}

// normalizeRawName trims and resolves a comma-delimited name to its first
// component.
func (k *KnowledgeBase) normalizeRawName(rawName string) string {
	raw := strings.TrimSpace(rawName)
	if !strings.Contains(raw, ",") {
		return raw
	}
	parts := strings.Split(raw, ",")
	first := strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" && p != first {
			k.logger.Warn("comma-delimited raw symbol, using first component",
				"raw", raw, "using", first)
			break
		}
	}
	return first
}

func rawNames(syms []*SymbolInfo) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.RawName
	}
	return out
}
