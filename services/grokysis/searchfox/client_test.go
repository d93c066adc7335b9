// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchfox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResults = `{
  "*title*": "Search for symbol:_ZN3Foo3barEv",
  "_ZN3Foo3barEv": {
    "meta": {"syntax": "def,function", "pretty": "Foo::bar"},
    "consumes": [{"sym": "_ZN3Baz3quxEv", "pretty": "Baz::qux", "syntax": "function"}],
    "hits": {
      "normal": {
        "defs": [{"path": "dom/foo/Foo.cpp", "lines": [{"lno": 12, "line": "void Foo::bar() {"}]}],
        "uses": [{"path": "dom/foo/Caller.cpp", "lines": [{"lno": 40, "contextsym": "_ZN6Caller3runEv", "context": "Caller::run"}]}]
      }
    }
  }
}`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.Tree = "test-tree"
	cfg.RequestsPerSecond = 0
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestDecodeResults(t *testing.T) {
	results, err := DecodeResults([]byte(sampleResults))
	require.NoError(t, err)

	require.Len(t, results, 1, "bookkeeping keys must be skipped")
	hits := results["_ZN3Foo3barEv"]
	require.NotNil(t, hits)
	assert.Equal(t, "def,function", hits.Meta.Syntax)
	assert.Equal(t, "Baz::qux", hits.Consumes[0].Pretty)
	assert.Equal(t, []string{"normal"}, hits.PathKinds())

	uses := hits.Hits["normal"][UseUses]
	require.Len(t, uses, 1)
	assert.Equal(t, "_ZN6Caller3runEv", uses[0].Lines[0].ContextSym)
}

func TestDecodeResults_Invalid(t *testing.T) {
	_, err := DecodeResults([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestClient_Search(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/test-tree/search", r.URL.Path)
		assert.Equal(t, "symbol:_ZN3Foo3barEv", r.URL.Query().Get("q"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResults))
	}))

	ctx := context.Background()
	results, err := c.Search(ctx, SymbolQuery("_ZN3Foo3barEv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"_ZN3Foo3barEv"}, results.SymbolNames())

	// Second identical query is served from the cache.
	_, err = c.Search(ctx, SymbolQuery("_ZN3Foo3barEv"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Search_BadStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	_, err := c.Search(context.Background(), "symbol:x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadStatus))
}

func TestClient_Search_EmptyQuery(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.Search(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestClient_FetchFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test-tree/raw-analysis/dom/foo/Foo.cpp", r.URL.Path)
		_, _ = w.Write([]byte("{\"loc\":\"00001:0\",\"sym\":\"a\"}\n\nnot json\n{\"loc\":\"00002:4\",\"sym\":\"b\"}\n"))
	}))

	records, err := c.FetchFile(context.Background(), "/dom/foo/Foo.cpp")
	require.NoError(t, err)
	require.Len(t, records, 2, "blank and malformed lines are skipped")
	assert.JSONEq(t, `{"loc":"00002:4","sym":"b"}`, string(records[1]))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "https://searchfox.org"})
	assert.Error(t, err, "tree is required")

	_, err = NewClient(ClientConfig{BaseURL: "::bad", Tree: "t"})
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	assert.Equal(t, "symbol:abc", SymbolQuery("abc"))
	assert.Equal(t, "id:Foo::bar", IdentifierQuery("Foo::bar"))
}
