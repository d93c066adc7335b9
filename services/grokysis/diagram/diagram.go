// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagram maintains renderable hierarchical diagrams of symbols.
//
// A Diagram is a tree of HierNode values plus edges. Each edge is stored on
// the lowest common ancestor of its endpoints so that a renderer can emit
// it inside the innermost cluster that contains both ends.
package diagram

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

var (
	// ErrDisjointNodes is returned when two nodes share no ancestor.
	ErrDisjointNodes = errors.New("nodes have no common ancestor")

	// ErrNilNode is returned when a nil node is passed in.
	ErrNilNode = errors.New("node is nil")
)

// InstanceGroupInfo tags nodes that are distinct instances of the same
// class. Each group keeps its own symbol→node map.
type InstanceGroupInfo struct {
	Name  string
	Color string

	nodes map[*kb.SymbolInfo]*HierNode
}

// NewInstanceGroup creates an empty instance group.
func NewInstanceGroup(name string) *InstanceGroupInfo {
	return &InstanceGroupInfo{Name: name, nodes: make(map[*kb.SymbolInfo]*HierNode)}
}

// NodeFor returns the node instantiated for sym within this group.
func (g *InstanceGroupInfo) NodeFor(sym *kb.SymbolInfo) (*HierNode, bool) {
	n, ok := g.nodes[sym]
	return n, ok
}

// Bind records node as sym's instance in this group. The first binding wins.
func (g *InstanceGroupInfo) Bind(sym *kb.SymbolInfo, node *HierNode) {
	if sym == nil || node == nil {
		return
	}
	if _, ok := g.nodes[sym]; !ok {
		g.nodes[sym] = node
	}
}

// Options configures a Diagram.
type Options struct {
	Logger *slog.Logger
}

// Diagram is a mutable node tree with LCA-anchored edges.
//
// Thread Safety:
//
//	All methods are safe for concurrent use; mutations are serialized by
//	an internal mutex. Read node fields from inside View while other
//	goroutines may be mutating the diagram.
type Diagram struct {
	mu     sync.Mutex
	logger *slog.Logger

	root       *HierNode
	nextID     int
	nodesBySym map[*kb.SymbolInfo]*HierNode
	groups     map[string]*InstanceGroupInfo
	settings   map[string]string

	serial uint64
	dirty  bool
}

// New creates an empty diagram with a root cluster.
func New(opts Options) *Diagram {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Diagram{
		logger:     logger.With("component", "diagram"),
		nodesBySym: make(map[*kb.SymbolInfo]*HierNode),
		groups:     make(map[string]*InstanceGroupInfo),
		settings:   make(map[string]string),
	}
	d.root = d.allocNode(nil, "")
	d.root.Kind = KindGroup
	d.root.Action = ActionCluster
	return d
}

func (d *Diagram) allocNode(parent *HierNode, name string) *HierNode {
	n := newNode(d.nextID, parent, name)
	d.nextID++
	return n
}

// Root returns the root node.
func (d *Diagram) Root() *HierNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// View runs fn with the diagram locked.
func (d *Diagram) View(fn func(root *HierNode)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
}

// GetOrCreateKid returns parent's child called name, appending a new one
// when absent.
func (d *Diagram) GetOrCreateKid(parent *HierNode, name string) *HierNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getOrCreateKidLocked(parent, name)
}

func (d *Diagram) getOrCreateKidLocked(parent *HierNode, name string) *HierNode {
	if parent == nil {
		parent = d.root
	}
	if kid, ok := parent.kidNames[name]; ok {
		return kid
	}
	kid := d.allocNode(parent, name)
	parent.kids = append(parent.kids, kid)
	parent.kidNames[name] = kid
	d.markDirtyLocked()
	return kid
}

// AddEdge stores from→to on their lowest common ancestor.
//
// Returns ErrDisjointNodes when the nodes are not in the same tree; the
// edge is dropped and the caller decides whether to warn.
func (d *Diagram) AddEdge(from, to *HierNode, kind EdgeKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addEdgeLocked(from, to, kind)
}

func (d *Diagram) addEdgeLocked(from, to *HierNode, kind EdgeKind) error {
	if from == nil || to == nil {
		return ErrNilNode
	}
	anchor := FindCommonAncestor(from, to)
	if anchor == nil {
		return ErrDisjointNodes
	}
	anchor.edges = append(anchor.edges, &Edge{From: from, To: to, Kind: kind})
	from.incident++
	if to != from {
		to.incident++
	}
	d.markDirtyLocked()
	return nil
}

// NodeForSymbol returns the global (non-instanced) node for sym.
func (d *Diagram) NodeForSymbol(sym *kb.SymbolInfo) (*HierNode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodesBySym[sym]
	return n, ok
}

// BindSymbol binds sym to node and, unless the node belongs to an
// instance group, registers it as sym's global node. The first global
// binding wins.
func (d *Diagram) BindSymbol(node *HierNode, sym *kb.SymbolInfo) {
	if node == nil || sym == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	node.Symbol = sym
	if node.InstanceGroup != nil {
		node.InstanceGroup.Bind(sym, node)
	} else if _, ok := d.nodesBySym[sym]; !ok {
		d.nodesBySym[sym] = node
	}
	d.markDirtyLocked()
}

// EnsureNodeForSymbol returns sym's node, creating it under a chain of
// namespace/class groups derived from its pretty name.
//
// Description:
//
//	"ns::Foo::bar" for a function becomes root → ns (namespace) →
//	Foo (class) → bar (method). Existing intermediate nodes are reused so
//	that members of one class share a parent.
func (d *Diagram) EnsureNodeForSymbol(sym *kb.SymbolInfo) *HierNode {
	if sym == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureNodeForSymbolLocked(sym)
}

func (d *Diagram) ensureNodeForSymbolLocked(sym *kb.SymbolInfo) *HierNode {
	if n, ok := d.nodesBySym[sym]; ok {
		return n
	}

	parts := splitQualified(sym.DisplayName())
	if len(parts) == 0 {
		parts = []string{sym.RawName}
	}
	syntax := sym.Syntax()
	member := syntax == kb.SyntaxFunction || syntax == kb.SyntaxField

	parent := d.root
	for i, part := range parts[:len(parts)-1] {
		group := d.getOrCreateKidLocked(parent, part)
		group.Kind = KindGroup
		if group.Semantic == SemanticUnknown {
			if member && i == len(parts)-2 {
				group.Semantic = SemanticClass
			} else {
				group.Semantic = SemanticNamespace
			}
		}
		parent = group
	}

	// Overloads share a pretty name and therefore a node.
	node := d.getOrCreateKidLocked(parent, parts[len(parts)-1])
	if node.Symbol == nil {
		node.Symbol = sym
	}
	switch syntax {
	case kb.SyntaxFunction:
		node.Semantic = SemanticMethod
	case kb.SyntaxField, kb.SyntaxVariable:
		node.Semantic = SemanticField
	case kb.SyntaxClass, kb.SyntaxEnum:
		node.Kind = KindGroup
		node.Semantic = SemanticClass
	case kb.SyntaxNamespace:
		node.Kind = KindGroup
		node.Semantic = SemanticNamespace
	}
	d.nodesBySym[sym] = node
	d.markDirtyLocked()
	return node
}

// EnsureEdge draws a call edge between the nodes for two symbols,
// creating the nodes as needed.
//
// Duplicate edges between the same pair are kept; deduplication is left
// to callers that need it.
func (d *Diagram) EnsureEdge(from, to *kb.SymbolInfo) error {
	if from == nil || to == nil {
		return ErrNilNode
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fromNode := d.ensureNodeForSymbolLocked(from)
	toNode := d.ensureNodeForSymbolLocked(to)
	return d.addEdgeLocked(fromNode, toNode, EdgeCall)
}

// StyleNode merges styling into sym's node, creating the node if needed.
func (d *Diagram) StyleNode(sym *kb.SymbolInfo, styling string) {
	if sym == nil || strings.TrimSpace(styling) == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	node := d.ensureNodeForSymbolLocked(sym)
	node.Styling = mergeStyling(node.Styling, styling)
	d.markDirtyLocked()
}

func mergeStyling(existing, add string) string {
	add = strings.TrimSpace(add)
	switch {
	case existing == "":
		return add
	case strings.Contains(existing, add):
		return existing
	default:
		return existing + ", " + add
	}
}

// EnsureInstanceGroup returns the instance group called name.
func (d *Diagram) EnsureInstanceGroup(name string) *InstanceGroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[name]
	if !ok {
		g = NewInstanceGroup(name)
		d.groups[name] = g
		d.markDirtyLocked()
	}
	return g
}

// SetGroupColor sets an instance group's fill color. Last write wins.
func (d *Diagram) SetGroupColor(name, color string) *InstanceGroupInfo {
	g := d.EnsureInstanceGroup(name)
	d.mu.Lock()
	g.Color = color
	d.markDirtyLocked()
	d.mu.Unlock()
	return g
}

// InstanceGroups returns all instance groups sorted by name.
func (d *Diagram) InstanceGroups() []*InstanceGroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InstanceGroupInfo, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetSetting stores a diagram-wide setting such as "rankdir".
func (d *Diagram) SetSetting(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings[key] = value
	d.markDirtyLocked()
}

// Setting returns a diagram-wide setting.
func (d *Diagram) Setting(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.settings[key]
	return v, ok
}

// Edges returns every edge in the diagram, parents' edges first.
func (d *Diagram) Edges() []*Edge {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Edge
	d.root.walk(func(n *HierNode) {
		out = append(out, n.edges...)
	})
	return out
}

// NodeCount returns the number of nodes including the root.
func (d *Diagram) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	d.root.walk(func(*HierNode) { count++ })
	return count
}

// MarkDirty flags the diagram as changed.
func (d *Diagram) MarkDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markDirtyLocked()
}

func (d *Diagram) markDirtyLocked() {
	d.serial++
	d.dirty = true
}

// Serial increments on every mutation.
func (d *Diagram) Serial() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serial
}

// ConsumeDirty reports whether the diagram changed since the last call
// and clears the flag.
func (d *Diagram) ConsumeDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.dirty
	d.dirty = false
	return was
}

// DetermineNodeActions decides how every node renders.
//
// Description:
//
//	Must run after the tree is fully populated. The root is always a
//	cluster. A table node renders as a table. A node with no symbol, no
//	edges of its own and at most one kid is flattened into its parent.
//	Any other node with kids is a cluster; the rest are plain nodes.
func (d *Diagram) DetermineNodeActions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.determineNodeActionsLocked()
}

func (d *Diagram) determineNodeActionsLocked() {
	d.root.walk(func(n *HierNode) {
		n.Action = decideAction(n, n == d.root)
	})
}

func decideAction(n *HierNode, isRoot bool) Action {
	switch {
	case isRoot:
		return ActionCluster
	case n.Kind == KindTable:
		return ActionTable
	case n.Symbol == nil && n.incident == 0 && len(n.kids) <= 1:
		return ActionFlatten
	case len(n.kids) > 0:
		return ActionCluster
	default:
		return ActionNode
	}
}
