// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooBar = `{"_ZN3Foo3barEv": {
  "meta": {"syntax": "def,function", "pretty": "Foo::bar"},
  "consumes": [{"sym": "_ZN3Baz3quxEv", "pretty": "Baz::qux", "syntax": "function"}]
}}`

// fakeSearchfox answers search requests for one symbol.
func fakeSearchfox(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test-tree/search" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("q") == "symbol:_ZN3Foo3barEv" {
			fmt.Fprint(w, fooBar)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("searchfox:\n  base_url: %s\n  tree: test-tree\nlogging:\n  level: error\n", baseURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--personality", "machine"}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestLookupCommand(t *testing.T) {
	cfg := writeConfig(t, fakeSearchfox(t).URL)

	out, _, err := run(t, "-c", cfg, "lookup", "_ZN3Foo3barEv")
	require.NoError(t, err)
	assert.Contains(t, out, "Foo::bar [function]")
	assert.Contains(t, out, "calls (1)")
	assert.Contains(t, out, "Baz::qux")
	assert.Contains(t, out, "called by (0)")

	out, _, err = run(t, "-c", cfg, "lookup", "_ZN3Foo3barEv", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"out_edges": [`)
	assert.Contains(t, out, `"_ZN3Baz3quxEv"`)
}

func TestDoodleCommand(t *testing.T) {
	cfg := writeConfig(t, fakeSearchfox(t).URL)
	dest := filepath.Join(t.TempDir(), "calls.mmd")

	out, _, err := run(t, "-c", cfg, "doodle", "_ZN3Foo3barEv", "-f", "mermaid", "-o", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "written to "+dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "flowchart"))

	_, _, err = run(t, "-c", cfg, "doodle", "_ZN3Foo3barEv", "-d", "sideways")
	assert.Error(t, err)
}

func TestGenerateCommand(t *testing.T) {
	cfg := writeConfig(t, fakeSearchfox(t).URL)
	ws := filepath.Join(t.TempDir(), "workspace.json")
	require.NoError(t, os.WriteFile(ws, []byte(`{
	  "blocks": {"blocks": [{
	    "type": "cluster_process",
	    "fields": {"NAME": "Parent"},
	    "inputs": {"CHILDREN": {"block": {"type": "node_class", "fields": {"IDENTIFIER": {"id": "v1"}}}}}
	  }]},
	  "variables": [{"id": "v1", "name": "Unknowable", "type": "identifier"}]
	}`), 0o644))

	out, errOut, err := run(t, "-c", cfg, "generate", ws, "-f", "dot")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph Diagram {")
	assert.Contains(t, out, "Unknowable")
	assert.Contains(t, errOut, "WARN: unresolved identifier: Unknowable")

	_, _, err = run(t, "-c", cfg, "generate", ws, "-f", "png")
	assert.Error(t, err)

	_, _, err = run(t, "-c", cfg, "generate", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, _, err := run(t, "config", "init", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: config at "+dest)
	_, err = os.Stat(dest)
	require.NoError(t, err)

	out, _, err = run(t, "-c", dest, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1:8642")
	assert.Contains(t, out, "tree: mozilla-central")
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  gin_mode: chaotic\n"), 0o644))
	_, _, err := run(t, "-c", path, "config", "show")
	assert.Error(t, err)
}
