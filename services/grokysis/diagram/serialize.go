// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagram

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

// serializedVersion is bumped when the blob layout changes.
const serializedVersion = 1

type wireNode struct {
	Name     string       `json:"name"`
	Kind     NodeKind     `json:"kind"`
	Semantic SemanticKind `json:"semantic,omitempty"`
	Symbol   string       `json:"symbol,omitempty"`
	Group    string       `json:"group,omitempty"`
	Styling  string       `json:"styling,omitempty"`
	Kids     []wireNode   `json:"kids,omitempty"`
}

type wireEdge struct {
	From []string `json:"from"`
	To   []string `json:"to"`
	Kind EdgeKind `json:"kind"`
}

type wireGroup struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type wireDiagram struct {
	Version  int               `json:"version"`
	Root     wireNode          `json:"root"`
	Edges    []wireEdge        `json:"edges,omitempty"`
	Groups   []wireGroup       `json:"groups,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Serialize encodes the diagram as an opaque JSON blob for RestoreDiagram.
//
// Symbols are stored by raw name and edges by node path, so the blob is
// independent of the knowledge base instance it was built against.
func (d *Diagram) Serialize() ([]byte, error) {
	d.mu.Lock()
	w := wireDiagram{
		Version:  serializedVersion,
		Root:     toWire(d.root),
		Settings: make(map[string]string, len(d.settings)),
	}
	for k, v := range d.settings {
		w.Settings[k] = v
	}
	for _, g := range d.groups {
		w.Groups = append(w.Groups, wireGroup{Name: g.Name, Color: g.Color})
	}
	sort.Slice(w.Groups, func(i, j int) bool { return w.Groups[i].Name < w.Groups[j].Name })
	d.root.walk(func(n *HierNode) {
		for _, e := range n.edges {
			w.Edges = append(w.Edges, wireEdge{From: e.From.Path(), To: e.To.Path(), Kind: e.Kind})
		}
	})
	d.mu.Unlock()

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serialize diagram: %w", err)
	}
	return data, nil
}

func toWire(n *HierNode) wireNode {
	w := wireNode{
		Name:     n.Name,
		Kind:     n.Kind,
		Semantic: n.Semantic,
		Styling:  n.Styling,
	}
	if n.Symbol != nil {
		w.Symbol = n.Symbol.RawName
	}
	if n.InstanceGroup != nil {
		w.Group = n.InstanceGroup.Name
	}
	for _, k := range n.kids {
		w.Kids = append(w.Kids, toWire(k))
	}
	return w
}

// RestoreDiagram rebuilds a diagram from Serialize output.
//
// Description:
//
//	An empty or nil blob yields a fresh empty diagram. Symbols are
//	resolved through knowledge (without analysis). Edges whose endpoints
//	cannot be found are logged and dropped.
//
// Inputs:
//
//	ctx - Context passed to symbol lookups.
//	knowledge - Knowledge base that owns the restored symbols. May be nil
//	  only when the blob references no symbols.
//	data - Serialized diagram or nil.
//	opts - Diagram options.
//
// Outputs:
//
//	*Diagram - The restored diagram.
//	error - Non-nil if the blob is not a diagram.
func RestoreDiagram(ctx context.Context, knowledge *kb.KnowledgeBase, data []byte, opts Options) (*Diagram, error) {
	d := New(opts)
	if len(data) == 0 {
		return d, nil
	}

	var w wireDiagram
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("restore diagram: %w", err)
	}
	if w.Version != serializedVersion {
		return nil, fmt.Errorf("restore diagram: unsupported version %d", w.Version)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, v := range w.Settings {
		d.settings[k] = v
	}
	for _, g := range w.Groups {
		info := NewInstanceGroup(g.Name)
		info.Color = g.Color
		d.groups[g.Name] = info
	}

	d.root.Styling = w.Root.Styling
	for _, kid := range w.Root.Kids {
		if err := d.restoreNode(ctx, knowledge, d.root, kid); err != nil {
			return nil, err
		}
	}

	for _, e := range w.Edges {
		from, okFrom := d.nodeAtPath(e.From)
		to, okTo := d.nodeAtPath(e.To)
		if !okFrom || !okTo {
			d.logger.Warn("dropping edge with unknown endpoint", "from", e.From, "to", e.To)
			continue
		}
		if err := d.addEdgeLocked(from, to, e.Kind); err != nil {
			d.logger.Warn("dropping edge", "from", e.From, "to", e.To, "error", err)
		}
	}
	return d, nil
}

func (d *Diagram) restoreNode(ctx context.Context, knowledge *kb.KnowledgeBase, parent *HierNode, w wireNode) error {
	n := d.getOrCreateKidLocked(parent, w.Name)
	n.Kind = w.Kind
	n.Semantic = w.Semantic
	if n.Semantic == "" {
		n.Semantic = SemanticUnknown
	}
	n.Styling = w.Styling
	if w.Group != "" {
		g, ok := d.groups[w.Group]
		if !ok {
			g = NewInstanceGroup(w.Group)
			d.groups[w.Group] = g
		}
		n.InstanceGroup = g
	}
	if w.Symbol != "" {
		if knowledge == nil {
			return fmt.Errorf("restore diagram: symbol %q needs a knowledge base", w.Symbol)
		}
		sym := knowledge.LookupRawSymbol(ctx, w.Symbol, 0, "", nil)
		if sym != nil {
			n.Symbol = sym
			if n.InstanceGroup != nil {
				n.InstanceGroup.Bind(sym, n)
			} else if _, ok := d.nodesBySym[sym]; !ok {
				d.nodesBySym[sym] = n
			}
		}
	}
	for _, kid := range w.Kids {
		if err := d.restoreNode(ctx, knowledge, n, kid); err != nil {
			return err
		}
	}
	return nil
}

func (d *Diagram) nodeAtPath(path []string) (*HierNode, bool) {
	cur := d.root
	for _, name := range path {
		next, ok := cur.kidNames[name]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
