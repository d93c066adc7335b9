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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
)

// fakeSearcher serves canned results and counts calls per query.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string]searchfox.SearchResults
	calls   map[string]int
	gate    chan struct{}
	started chan string
	err     error
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		results: make(map[string]searchfox.SearchResults),
		calls:   make(map[string]int),
	}
}

func (f *fakeSearcher) set(t *testing.T, query, body string) {
	t.Helper()
	res, err := searchfox.DecodeResults([]byte(body))
	require.NoError(t, err)
	f.mu.Lock()
	f.results[query] = res
	f.mu.Unlock()
}

func (f *fakeSearcher) Search(_ context.Context, query string) (searchfox.SearchResults, error) {
	f.mu.Lock()
	f.calls[query]++
	res := f.results[query]
	gate, started, err := f.gate, f.started, f.err
	f.mu.Unlock()

	if started != nil {
		started <- query
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return searchfox.SearchResults{}, nil
	}
	return res, nil
}

func (f *fakeSearcher) count(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

func (f *fakeSearcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

const fooBarResults = `{
  "_ZN3Foo3barEv": {
    "meta": {"syntax": "def,function", "pretty": "Foo::bar"},
    "consumes": [{"sym": "_ZN3Baz3quxEv", "pretty": "Baz::qux", "syntax": "function"}],
    "hits": {
      "normal": {
        "defs": [{"path": "dom/foo/Foo.cpp", "lines": [{"lno": 12, "line": "void Foo::bar() {"}]}],
        "decls": [{"path": "dom/foo/Foo.h", "lines": [{"lno": 3}, {"lno": 9}]}],
        "uses": [{"path": "dom/foo/Caller.cpp", "lines": [{"lno": 40, "contextsym": "_ZN6Caller3runEv", "context": "Caller::run"}]}]
      }
    }
  }
}`

func assertMirrored(t *testing.T, k *KnowledgeBase) {
	t.Helper()
	for _, a := range k.Symbols() {
		for _, b := range k.OutEdges(a) {
			assert.Contains(t, k.InEdges(b), a, "%s -> %s not mirrored", a.RawName, b.RawName)
		}
		for _, b := range k.InEdges(a) {
			assert.Contains(t, k.OutEdges(b), a, "%s <- %s not mirrored", a.RawName, b.RawName)
		}
	}
}

func TestLookupRawSymbol_Identity(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	ctx := context.Background()

	a := k.LookupRawSymbol(ctx, "_ZN1A1fEv", 0, "", nil)
	b := k.LookupRawSymbol(ctx, "_ZN1A1fEv", 0, "A::f", nil)
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.Equal(t, "A::f", a.PrettyName(), "pretty name is back-filled")

	c := k.LookupRawSymbol(ctx, "_ZN1A1fEv", 0, "Other", nil)
	assert.Same(t, a, c)
	assert.Equal(t, "A::f", c.PrettyName(), "existing pretty name is kept")
	assert.Len(t, k.Symbols(), 1)
}

func TestLookupRawSymbol_CommaDelimited(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	sym := k.LookupRawSymbol(context.Background(), "_ZFirst,_ZSecond", 0, "", nil)
	require.NotNil(t, sym)
	assert.Equal(t, "_ZFirst", sym.RawName)

	got, ok := k.Lookup("_ZFirst")
	require.True(t, ok)
	assert.Same(t, sym, got)
	_, ok = k.Lookup("_ZSecond")
	assert.False(t, ok)

	got, ok = k.Lookup(" _ZFirst,_ZSecond ")
	require.True(t, ok, "Lookup normalizes like LookupRawSymbol")
	assert.Same(t, sym, got)
}

func TestLookupRawSymbol_Empty(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	assert.Nil(t, k.LookupRawSymbol(context.Background(), "  ", 1, "", nil))
	assert.Nil(t, k.LookupRawSymbol(context.Background(), ",x", 1, "", nil))
}

func TestLookupRawSymbol_OptionsBindFiles(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	sym := k.LookupRawSymbol(context.Background(), "_ZX", 0, "X", &LookupOptions{
		Syntax:     SyntaxClass,
		SourcePath: "/a/x.cpp",
		DeclPath:   "a/x.h",
	})
	require.NotNil(t, sym)
	assert.Equal(t, SyntaxClass, sym.Syntax())
	require.NotNil(t, sym.SourceFile())
	assert.Equal(t, "a/x.cpp", sym.SourceFile().Path)
	assert.Equal(t, []*SymbolInfo{sym}, sym.SourceFile().Defines())
	assert.Equal(t, []*SymbolInfo{sym}, sym.DeclFile().Declares())
	assert.Equal(t, "a/x.cpp", sym.Path())
}

func TestScenario_LookupTwiceAnalyzesOnce(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	first := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", HopsDefault, "", nil)
	second := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", HopsDefault, "", nil)
	k.Wait()

	assert.Same(t, first, second)
	assert.Equal(t, 1, fs.count("symbol:_ZN3Foo3barEv"))
	assert.Equal(t, 1, fs.total(), "neighbors are not analyzed at hop budget 1")
	assert.Equal(t, StateAnalyzed, first.State())
	assert.Equal(t, 1, first.AnalyzedLevel())

	assert.Equal(t, "Foo::bar", first.PrettyName())
	assert.Equal(t, SyntaxFunction, first.Syntax())
	require.NotNil(t, first.SourceFile())
	assert.Equal(t, "dom/foo/Foo.cpp", first.SourceFile().Path)
	assert.Nil(t, first.DeclFile(), "declaration with two lines is not bound")

	baz, ok := k.Lookup("_ZN3Baz3quxEv")
	require.True(t, ok)
	caller, ok := k.Lookup("_ZN6Caller3runEv")
	require.True(t, ok)

	assert.Equal(t, []*SymbolInfo{baz}, k.OutEdges(first))
	assert.Equal(t, []*SymbolInfo{caller}, k.InEdges(first))
	assert.True(t, k.HasEdge(caller, first))
	assert.Equal(t, SyntaxFunction, caller.Syntax())
	assert.Equal(t, "Caller::run", caller.PrettyName())
	assert.Equal(t, StateUnanalyzed, baz.State())
	assertMirrored(t, k)
}

func TestClose_StopsBackgroundScheduling(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", HopsDefault, "", nil)
		}()
	}
	k.Close()
	wg.Wait()
	k.Wait()
	before := fs.total()

	sym := k.LookupRawSymbol(ctx, "_ZN6Other3runEv", HopsDefault, "", nil)
	k.Wait()
	require.NotNil(t, sym)
	assert.Equal(t, before, fs.total(), "no analysis is scheduled after Close")
	assert.Equal(t, StateUnanalyzed, sym.State())

	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzed, sym.State(), "explicit analysis still runs")
}

func TestEnsureSymbolAnalysis_SingleFlight(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	fs.gate = make(chan struct{})
	fs.started = make(chan string, 4)
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", 0, "", nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := k.EnsureSymbolAnalysis(ctx, sym, 1); err != nil {
				failures.Add(1)
			}
		}()
	}

	select {
	case <-fs.started:
	case <-time.After(2 * time.Second):
		t.Fatal("search never started")
	}
	assert.Equal(t, StateAnalyzing, sym.State())
	assert.Equal(t, []*SymbolInfo{sym}, k.AnalyzingSymbols())

	time.Sleep(20 * time.Millisecond)
	close(fs.gate)
	wg.Wait()
	k.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, fs.count("symbol:_ZN3Foo3barEv"))
	assert.Equal(t, StateAnalyzed, sym.State())
	assert.Empty(t, k.AnalyzingSymbols())
}

func TestEnsureSymbolAnalysis_HopClamp(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 10)
	require.NoError(t, err)
	k.Wait()

	assert.Equal(t, MaxHops, sym.AnalyzedLevel())

	// Budget 2 reaches direct neighbors at level 1 and no further.
	baz, _ := k.Lookup("_ZN3Baz3quxEv")
	caller, _ := k.Lookup("_ZN6Caller3runEv")
	assert.Equal(t, 1, baz.AnalyzedLevel())
	assert.Equal(t, 1, caller.AnalyzedLevel())
	assert.Equal(t, 3, fs.total())
	for _, s := range k.Symbols() {
		assert.LessOrEqual(t, s.AnalyzedLevel(), MaxHops)
	}
}

func TestEnsureSymbolAnalysis_ZeroHopsIsNoop(t *testing.T) {
	fs := newFakeSearcher()
	k := New(fs, Options{})
	sym := k.LookupRawSymbol(context.Background(), "_ZQ", 0, "", nil)

	got, err := k.EnsureSymbolAnalysis(context.Background(), sym, 0)
	require.NoError(t, err)
	assert.Same(t, sym, got)
	assert.Equal(t, StateUnanalyzed, sym.State())
	assert.Zero(t, fs.total())
}

func TestEnsureSymbolAnalysis_BumpCascadesWithoutRefetch(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.NoError(t, err)
	k.Wait()
	require.Equal(t, 1, fs.total())

	_, err = k.EnsureSymbolAnalysis(ctx, sym, 2)
	require.NoError(t, err)
	k.Wait()

	assert.Equal(t, 2, sym.AnalyzedLevel())
	assert.Equal(t, 1, fs.count("symbol:_ZN3Foo3barEv"), "bump must not re-fetch")
	assert.Equal(t, 1, fs.count("symbol:_ZN3Baz3quxEv"))
	assert.Equal(t, 1, fs.count("symbol:_ZN6Caller3runEv"))

	// Already at level 2: nothing else happens.
	_, err = k.EnsureSymbolAnalysis(ctx, sym, 2)
	require.NoError(t, err)
	k.Wait()
	assert.Equal(t, 3, fs.total())
}

func TestEnsureSymbolAnalysis_EdgeSanityLimit(t *testing.T) {
	var consumes []string
	for i := 0; i < DefaultEdgeSanityLimit+1; i++ {
		consumes = append(consumes, fmt.Sprintf(`{"sym": "_ZHub%d", "pretty": "hub%d"}`, i, i))
	}
	body := fmt.Sprintf(`{"_ZHub": {"consumes": [%s]}}`, strings.Join(consumes, ","))

	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZHub", body)
	k := New(fs, Options{})
	ctx := context.Background()

	hub := k.LookupRawSymbol(ctx, "_ZHub", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, hub, 1)
	require.NoError(t, err)
	require.Len(t, k.OutEdges(hub), DefaultEdgeSanityLimit+1)

	_, err = k.EnsureSymbolAnalysis(ctx, hub, 2)
	require.NoError(t, err)
	k.Wait()

	assert.Equal(t, 2, hub.AnalyzedLevel())
	assert.Equal(t, 1, fs.total(), "propagation over a dense symbol is skipped")
}

func TestAnalyzeSymbol_MismatchSkipped(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZX", `{
	  "_ZX": {"consumes": [{"sym": "_ZA"}]},
	  "_ZXfuzzy": {"consumes": [{"sym": "_ZB"}]}
	}`)
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZX", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.NoError(t, err)

	_, ok := k.Lookup("_ZA")
	assert.True(t, ok)
	_, ok = k.Lookup("_ZB")
	assert.False(t, ok, "mismatched entry must be skipped")
	_, ok = k.Lookup("_ZXfuzzy")
	assert.False(t, ok)
}

func TestAnalyzeSymbol_SearchError(t *testing.T) {
	boom := errors.New("backend down")
	fs := newFakeSearcher()
	fs.err = boom
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZE", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateUnanalyzed, sym.State())
	assert.Empty(t, k.AnalyzingSymbols())
}

func TestEnsureSymbolAnalysis_InvalidSymbol(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	other := New(newFakeSearcher(), Options{})
	ctx := context.Background()

	_, err := k.EnsureSymbolAnalysis(ctx, nil, 1)
	assert.ErrorIs(t, err, ErrNilSymbol)

	foreign := other.LookupRawSymbol(ctx, "_ZF", 0, "", nil)
	_, err = k.EnsureSymbolAnalysis(ctx, foreign, 1)
	assert.ErrorIs(t, err, ErrForeignSymbol)
}

func TestSubscribe(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	unsubscribe := k.Subscribe(func(s *SymbolInfo) {
		mu.Lock()
		seen[s.RawName]++
		mu.Unlock()
	})

	sym := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.NoError(t, err)

	mu.Lock()
	assert.Positive(t, seen["_ZN3Foo3barEv"])
	assert.Positive(t, seen["_ZN3Baz3quxEv"], "edge endpoints are marked dirty")
	before := len(seen)
	mu.Unlock()
	assert.Positive(t, sym.Serial())

	unsubscribe()
	k.LookupRawSymbol(ctx, "_ZNew", 0, "New", nil)
	k.LookupRawSymbol(ctx, "_ZN3Baz3quxEv", 0, "ignored", nil)
	mu.Lock()
	assert.Equal(t, before, len(seen))
	mu.Unlock()
}

func TestFindSymbolsGivenID(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "id:Foo::bar", `{
	  "_ZN3Foo3barEv": {"meta": {"syntax": "def,function", "pretty": "Foo::bar"}},
	  "_ZN3Foo3barEi": {"meta": {"syntax": "def,function", "pretty": "Foo::bar"}}
	}`)
	k := New(fs, Options{})

	syms, err := k.FindSymbolsGivenID(context.Background(), "Foo::bar")
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "_ZN3Foo3barEi", syms[0].RawName)
	assert.Equal(t, "Foo::bar", syms[0].PrettyName())
	assert.Equal(t, SyntaxFunction, syms[1].Syntax())
	assert.Equal(t, StateUnanalyzed, syms[1].State())

	none, err := k.FindSymbolsGivenID(context.Background(), "Nope")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, int64(2), k.Searches())
}

func TestEnsureFileAnalysis_Idempotent(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	a := k.EnsureFileAnalysis("/dom/a.cpp")
	b := k.EnsureFileAnalysis("dom/./a.cpp")
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.Equal(t, "dom", a.Dir())
	assert.False(t, a.Analyzed())
	assert.Nil(t, k.EnsureFileAnalysis(""))

	got, ok := k.File("dom/a.cpp")
	assert.True(t, ok)
	assert.Same(t, a, got)
}

func TestSymbolsWithPrettyPrefix(t *testing.T) {
	k := New(newFakeSearcher(), Options{})
	ctx := context.Background()
	m1 := k.LookupRawSymbol(ctx, "_Z1", 0, "ns::Foo::a", nil)
	m2 := k.LookupRawSymbol(ctx, "_Z2", 0, "ns::Foo::b", nil)
	k.LookupRawSymbol(ctx, "_Z3", 0, "ns::FooBar::c", nil)
	k.LookupRawSymbol(ctx, "_Z4", 0, "ns::Foo", nil)

	assert.Equal(t, []*SymbolInfo{m1, m2}, k.SymbolsWithPrettyPrefix("ns::Foo"))
	assert.Nil(t, k.SymbolsWithPrettyPrefix(""))
}

func TestSnapshotAndStats(t *testing.T) {
	fs := newFakeSearcher()
	fs.set(t, "symbol:_ZN3Foo3barEv", fooBarResults)
	k := New(fs, Options{})
	ctx := context.Background()

	sym := k.LookupRawSymbol(ctx, "_ZN3Foo3barEv", 0, "", nil)
	_, err := k.EnsureSymbolAnalysis(ctx, sym, 1)
	require.NoError(t, err)

	snap := k.Snapshot(sym)
	assert.Equal(t, "Foo::bar", snap.PrettyName)
	assert.Equal(t, "analyzed", snap.State)
	assert.Equal(t, 1, snap.Level)
	assert.Equal(t, "dom/foo/Foo.cpp", snap.SourcePath)
	assert.Equal(t, []string{"_ZN3Baz3quxEv"}, snap.OutEdges)
	assert.Equal(t, []string{"_ZN6Caller3runEv"}, snap.InEdges)

	stats := k.Stats()
	assert.Equal(t, 3, stats.Symbols)
	assert.Equal(t, 2, stats.Edges)
	assert.Equal(t, 1, stats.Analyzed)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, int64(1), stats.Searches)
}

func TestParseSyntax(t *testing.T) {
	tests := []struct {
		in   string
		want SyntaxKind
	}{
		{"def,function", SyntaxFunction},
		{"decl,class", SyntaxClass},
		{"struct", SyntaxClass},
		{"def,field", SyntaxField},
		{"variable", SyntaxVariable},
		{"namespace", SyntaxNamespace},
		{"enum", SyntaxEnum},
		{"def", SyntaxUnknown},
		{"", SyntaxUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSyntax(tt.in))
		})
	}
}

func TestClampHops(t *testing.T) {
	assert.Equal(t, 0, ClampHops(-3))
	assert.Equal(t, 1, ClampHops(1))
	assert.Equal(t, 2, ClampHops(10))
}
