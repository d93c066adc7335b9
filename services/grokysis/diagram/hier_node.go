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
	"strings"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

// NodeKind is the structural kind of a HierNode.
type NodeKind string

const (
	KindGroup NodeKind = "group"
	KindNode  NodeKind = "node"
	KindTable NodeKind = "table"
)

// SemanticKind is what a HierNode represents.
type SemanticKind string

const (
	SemanticUnknown   SemanticKind = "unknown"
	SemanticProcess   SemanticKind = "process"
	SemanticThread    SemanticKind = "thread"
	SemanticClient    SemanticKind = "client"
	SemanticServer    SemanticKind = "server"
	SemanticClass     SemanticKind = "class"
	SemanticInstance  SemanticKind = "instance"
	SemanticMethod    SemanticKind = "method"
	SemanticField     SemanticKind = "field"
	SemanticNamespace SemanticKind = "namespace"
	SemanticFile      SemanticKind = "file"
)

// Action is the rendering mode chosen by DetermineNodeActions.
type Action string

const (
	// ActionNone means actions have not been determined yet.
	ActionNone    Action = ""
	ActionFlatten Action = "flatten"
	ActionCluster Action = "cluster"
	ActionNode    Action = "node"
	ActionTable   Action = "table"
)

// EdgeKind labels an Edge.
type EdgeKind string

const (
	EdgeCall EdgeKind = "call"
	EdgeUse  EdgeKind = "use"
)

// Edge connects two nodes and is stored on their lowest common ancestor.
type Edge struct {
	From *HierNode
	To   *HierNode
	Kind EdgeKind
}

// HierNode is one node of a diagram tree.
//
// The exported fields may be set by the goroutine building a diagram;
// once a Diagram is shared, change them only through Diagram methods.
// Kids are keyed by name and kept in insertion order.
type HierNode struct {
	Name          string
	Kind          NodeKind
	Semantic      SemanticKind
	Symbol        *kb.SymbolInfo
	InstanceGroup *InstanceGroupInfo
	Styling       string
	Action        Action

	id       int
	parent   *HierNode
	kids     []*HierNode
	kidNames map[string]*HierNode
	edges    []*Edge
	incident int
}

func newNode(id int, parent *HierNode, name string) *HierNode {
	return &HierNode{
		Name:     name,
		Kind:     KindNode,
		Semantic: SemanticUnknown,
		id:       id,
		parent:   parent,
		kidNames: make(map[string]*HierNode),
	}
}

// ID is unique within the owning diagram.
func (n *HierNode) ID() int { return n.id }

// Parent returns nil for the root.
func (n *HierNode) Parent() *HierNode { return n.parent }

// Kids returns the children in insertion order.
func (n *HierNode) Kids() []*HierNode {
	out := make([]*HierNode, len(n.kids))
	copy(out, n.kids)
	return out
}

// Kid returns the child called name.
func (n *HierNode) Kid(name string) (*HierNode, bool) {
	k, ok := n.kidNames[name]
	return k, ok
}

// Edges returns the edges anchored at this node.
func (n *HierNode) Edges() []*Edge {
	out := make([]*Edge, len(n.edges))
	copy(out, n.edges)
	return out
}

// IncidentEdges is the number of edges that start or end at this node.
func (n *HierNode) IncidentEdges() int { return n.incident }

// Depth is 0 for the root.
func (n *HierNode) Depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Path returns the names from the root's child down to n.
func (n *HierNode) Path() []string {
	var rev []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		rev = append(rev, cur.Name)
	}
	out := make([]string, len(rev))
	for i, name := range rev {
		out[len(rev)-1-i] = name
	}
	return out
}

// Label is the display label: the node name, or the symbol's name.
func (n *HierNode) Label() string {
	if n.Name != "" {
		return n.Name
	}
	if n.Symbol != nil {
		return n.Symbol.DisplayName()
	}
	return ""
}

// walk visits n and its descendants depth-first, parents first.
func (n *HierNode) walk(fn func(*HierNode)) {
	fn(n)
	for _, k := range n.kids {
		k.walk(fn)
	}
}

// FindCommonAncestor returns the lowest node that is an ancestor of (or
// equal to) both a and b, or nil when they are in disjoint trees.
func FindCommonAncestor(a, b *HierNode) *HierNode {
	if a == nil || b == nil {
		return nil
	}
	seen := make(map[*HierNode]struct{})
	for cur := a; cur != nil; cur = cur.parent {
		seen[cur] = struct{}{}
	}
	for cur := b; cur != nil; cur = cur.parent {
		if _, ok := seen[cur]; ok {
			return cur
		}
	}
	return nil
}

// splitQualified splits a pretty name on "::" outside of template and
// argument brackets.
func splitQualified(pretty string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(pretty); i++ {
		switch pretty[i] {
		case '<', '(', '[':
			depth++
		case '>', ')', ']':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 && i+1 < len(pretty) && pretty[i+1] == ':' {
				if part := strings.TrimSpace(pretty[start:i]); part != "" {
					parts = append(parts, part)
				}
				i++
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(pretty[start:]); part != "" {
		parts = append(parts, part)
	}
	return parts
}
