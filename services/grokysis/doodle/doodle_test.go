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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
)

// mapSearcher answers "symbol:" queries from an in-memory graph.
type mapSearcher struct {
	mu      sync.Mutex
	symbols map[string]*searchfox.SymbolHits
	calls   int
}

func newMapSearcher() *mapSearcher {
	return &mapSearcher{symbols: make(map[string]*searchfox.SymbolHits)}
}

type fakeSym struct {
	pretty   string
	syntax   string
	path     string
	consumes []string
	callers  []string
}

func (m *mapSearcher) add(raw string, f fakeSym) {
	syntax := f.syntax
	if syntax == "" {
		syntax = "def,function"
	}
	h := &searchfox.SymbolHits{Meta: &searchfox.SymbolMeta{Syntax: syntax, Pretty: f.pretty}}
	for _, c := range f.consumes {
		h.Consumes = append(h.Consumes, searchfox.ConsumedSymbol{Sym: c})
	}
	byUse := make(map[string][]searchfox.PathHits)
	if f.path != "" {
		byUse[searchfox.UseDefs] = []searchfox.PathHits{{Path: f.path, Lines: []searchfox.LineHit{{Lno: 1}}}}
	}
	if len(f.callers) > 0 {
		site := searchfox.PathHits{Path: "callers.cpp"}
		for i, c := range f.callers {
			site.Lines = append(site.Lines, searchfox.LineHit{Lno: i + 1, ContextSym: c})
		}
		byUse[searchfox.UseUses] = []searchfox.PathHits{site}
	}
	h.Hits = map[string]map[string][]searchfox.PathHits{"normal": byUse}

	m.mu.Lock()
	m.symbols[raw] = h
	m.mu.Unlock()
}

func (m *mapSearcher) Search(_ context.Context, query string) (searchfox.SearchResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	raw, ok := cutPrefix(query, "symbol:")
	if !ok {
		return searchfox.SearchResults{}, nil
	}
	if h, ok := m.symbols[raw]; ok {
		return searchfox.SearchResults{raw: h}, nil
	}
	return searchfox.SearchResults{}, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

func TestTransitiveCallDoodler_BranchingCutoff(t *testing.T) {
	ms := newMapSearcher()
	var callees []string
	for i := 0; i < DefaultMaxBranching+1; i++ {
		raw := fmt.Sprintf("_ZCallee%d", i)
		callees = append(callees, raw)
		ms.add(raw, fakeSym{pretty: fmt.Sprintf("callee%d", i), path: fmt.Sprintf("dom/a/c%d.cpp", i)})
	}
	ms.add("_ZRoot", fakeSym{pretty: "root", path: "dom/a/Root.cpp", consumes: callees})

	ctx := context.Background()
	knowledge := kb.New(ms, kb.Options{})
	root := knowledge.LookupRawSymbol(ctx, "_ZRoot", 0, "", nil)
	d := diagram.New(diagram.Options{})

	doodler := &TransitiveCallDoodler{CallsOut: true, LimitToModule: true}
	result, err := doodler.Doodle(ctx, knowledge, root, d)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Visited, "no callee may be enqueued")
	assert.Zero(t, result.Edges)
	assert.Equal(t, []string{"_ZRoot"}, result.TruncatedNames())
	assert.Empty(t, d.Edges())

	node, ok := d.NodeForSymbol(root)
	require.True(t, ok)
	assert.Contains(t, node.Styling, CutoffStyling)
	for _, raw := range callees {
		sym, _ := knowledge.Lookup(raw)
		_, drawn := d.NodeForSymbol(sym)
		assert.False(t, drawn, "%s must not be drawn", raw)
	}
}

func TestTransitiveCallDoodler_AtLimitIsExpanded(t *testing.T) {
	ms := newMapSearcher()
	var callees []string
	for i := 0; i < DefaultMaxBranching; i++ {
		raw := fmt.Sprintf("_ZCallee%d", i)
		callees = append(callees, raw)
		ms.add(raw, fakeSym{path: fmt.Sprintf("dom/a/c%d.cpp", i)})
	}
	ms.add("_ZRoot", fakeSym{pretty: "root", path: "dom/a/Root.cpp", consumes: callees})

	ctx := context.Background()
	knowledge := kb.New(ms, kb.Options{})
	root := knowledge.LookupRawSymbol(ctx, "_ZRoot", 0, "", nil)
	d := diagram.New(diagram.Options{})

	result, err := (&TransitiveCallDoodler{CallsOut: true, LimitToModule: true}).Doodle(ctx, knowledge, root, d)
	require.NoError(t, err)
	assert.Empty(t, result.Truncated)
	assert.Equal(t, DefaultMaxBranching, result.Edges)
	assert.Equal(t, DefaultMaxBranching+1, result.Visited)
}

func TestTransitiveCallDoodler_ModuleScopeAndIPCLeaves(t *testing.T) {
	ms := newMapSearcher()
	ms.add("_ZRoot", fakeSym{pretty: "Root", path: "dom/a/Root.cpp",
		consumes: []string{"_Zin1", "_Zipc", "_Znopath", "_Zout"}})
	ms.add("_Zin1", fakeSym{pretty: "in1", path: "dom/a/in1.cpp", consumes: []string{"_Zin2", "_ZRoot"}})
	ms.add("_Zin2", fakeSym{pretty: "in2", path: "dom/a/in2.cpp"})
	ms.add("_Zout", fakeSym{pretty: "out", path: "gfx/out.cpp", consumes: []string{"_Zin3"}})
	ms.add("_Zipc", fakeSym{pretty: "mozilla::dom::PContentChild::SendHello",
		path: "obj/__GENERATED__/ipc/ipdl/PContentChild.cpp", consumes: []string{"_Zin3"}})
	ms.add("_Zin3", fakeSym{pretty: "in3", path: "dom/a/in3.cpp"})

	ctx := context.Background()
	knowledge := kb.New(ms, kb.Options{})
	root := knowledge.LookupRawSymbol(ctx, "_ZRoot", 0, "", nil)
	d := diagram.New(diagram.Options{})

	result, err := (&TransitiveCallDoodler{CallsOut: true, LimitToModule: true}).Doodle(ctx, knowledge, root, d)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Visited, "root, in1 and in2")
	assert.Equal(t, 4, result.Edges)
	assert.Len(t, d.Edges(), 4)

	lookup := func(raw string) *kb.SymbolInfo {
		s, ok := knowledge.Lookup(raw)
		require.True(t, ok, raw)
		return s
	}
	_, ok := d.NodeForSymbol(lookup("_Zipc"))
	assert.True(t, ok, "IPC leaf call is drawn")
	_, ok = d.NodeForSymbol(lookup("_Zin3"))
	assert.False(t, ok, "IPC leaf is not expanded")
	_, ok = d.NodeForSymbol(lookup("_Zout"))
	assert.False(t, ok, "out-of-module callee is skipped")
	_, ok = d.NodeForSymbol(lookup("_Znopath"))
	assert.False(t, ok)
}

func TestTransitiveCallDoodler_CallsIn(t *testing.T) {
	ms := newMapSearcher()
	ms.add("_ZRoot", fakeSym{pretty: "root", callers: []string{"_ZCaller1", "_ZCaller2"}})
	ms.add("_ZCaller1", fakeSym{pretty: "caller1", callers: []string{"_ZTop"}})

	ctx := context.Background()
	knowledge := kb.New(ms, kb.Options{})
	root := knowledge.LookupRawSymbol(ctx, "_ZRoot", 0, "", nil)
	d := diagram.New(diagram.Options{})

	result, err := (&TransitiveCallDoodler{CallsOut: false}).Doodle(ctx, knowledge, root, d)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Visited)
	assert.Equal(t, 3, result.Edges)

	top, _ := knowledge.Lookup("_ZTop")
	caller1, _ := knowledge.Lookup("_ZCaller1")
	topNode, _ := d.NodeForSymbol(top)
	callerNode, _ := d.NodeForSymbol(caller1)
	var found bool
	for _, e := range d.Edges() {
		if e.From == topNode && e.To == callerNode {
			found = true
		}
	}
	assert.True(t, found, "calls-in edges point from caller to callee")
}

func TestTransitiveCallDoodler_Errors(t *testing.T) {
	_, err := (&TransitiveCallDoodler{}).Doodle(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilInput)

	ms := newMapSearcher()
	ms.add("_ZRoot", fakeSym{path: "a/b.cpp"})
	knowledge := kb.New(ms, kb.Options{})
	root := knowledge.LookupRawSymbol(context.Background(), "_ZRoot", 0, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&TransitiveCallDoodler{CallsOut: true}).Doodle(ctx, knowledge, root, diagram.New(diagram.Options{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInternalDoodler(t *testing.T) {
	ms := newMapSearcher()
	ms.add("_ZN3FooE", fakeSym{pretty: "Foo", syntax: "def,class", path: "dom/Foo.h"})
	ms.add("_ZN3Foo1aEv", fakeSym{pretty: "Foo::a", consumes: []string{"_ZN3Foo1bEv", "_ZN3Bar1xEv"}})
	ms.add("_ZN3Foo1bEv", fakeSym{pretty: "Foo::b"})

	ctx := context.Background()
	knowledge := kb.New(ms, kb.Options{})
	class := knowledge.LookupRawSymbol(ctx, "_ZN3FooE", 0, "", nil)
	knowledge.LookupRawSymbol(ctx, "_ZN3Foo1aEv", 0, "Foo::a", nil)
	knowledge.LookupRawSymbol(ctx, "_ZN3Foo1bEv", 0, "Foo::b", nil)
	knowledge.LookupRawSymbol(ctx, "_ZN6Foobar1zEv", 0, "Foobar::z", nil)

	d := diagram.New(diagram.Options{})
	result, err := (&InternalDoodler{}).Doodle(ctx, knowledge, class, d)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Visited)
	assert.Equal(t, 1, result.Edges)
	require.Len(t, d.Edges(), 1)
	e := d.Edges()[0]
	assert.Equal(t, "_ZN3Foo1aEv", e.From.Symbol.RawName)
	assert.Equal(t, "_ZN3Foo1bEv", e.To.Symbol.RawName)
	assert.Equal(t, "Foo", e.From.Parent().Name)
}

func TestInternalDoodler_NoPrettyName(t *testing.T) {
	knowledge := kb.New(newMapSearcher(), kb.Options{})
	class := knowledge.LookupRawSymbol(context.Background(), "_ZAnon", 0, "", nil)
	_, err := (&InternalDoodler{}).Doodle(context.Background(), knowledge, class, diagram.New(diagram.Options{}))
	assert.ErrorIs(t, err, ErrNoPrettyName)
}

func TestIsIPCSymbol(t *testing.T) {
	knowledge := kb.New(newMapSearcher(), kb.Options{})
	ctx := context.Background()

	send := knowledge.LookupRawSymbol(ctx, "_Z1", 0, "mozilla::dom::PContentParent::RecvInit", nil)
	gen := knowledge.LookupRawSymbol(ctx, "_Z2", 0, "x", &kb.LookupOptions{SourcePath: "__GENERATED__/ipc/ipdl/X.cpp"})
	plain := knowledge.LookupRawSymbol(ctx, "_Z3", 0, "mozilla::dom::ContentParent::RecvInit", nil)

	assert.True(t, IsIPCSymbol(send))
	assert.True(t, IsIPCSymbol(gen))
	assert.False(t, IsIPCSymbol(plain))
	assert.False(t, IsIPCSymbol(nil))
}
