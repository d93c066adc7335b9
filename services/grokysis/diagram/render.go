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
	"errors"
	"fmt"
	"html"
	"strings"
)

// ErrUnknownFormat is returned for an unsupported output format.
var ErrUnknownFormat = errors.New("unsupported format")

// Format is a diagram output format.
type Format string

const (
	FormatDOT     Format = "dot"
	FormatMermaid Format = "mermaid"
	FormatJSON    Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatDOT, FormatMermaid, FormatJSON:
		return f, nil
	case "":
		return FormatDOT, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, s)
	}
}

// Render produces the diagram in the requested format.
func (d *Diagram) Render(format Format) (string, error) {
	switch format {
	case FormatDOT:
		return d.RenderDOT(), nil
	case FormatMermaid:
		return d.RenderMermaid(), nil
	case FormatJSON:
		data, err := d.Serialize()
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// RenderDOT renders the diagram as a Graphviz digraph.
//
// Node actions are recomputed first. Clusters become "cluster_" subgraphs,
// flattened nodes contribute only their kids (a flattened leaf is drawn
// as a plain node), and edges are written in the
// scope of their anchor.
func (d *Diagram) RenderDOT() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.determineNodeActionsLocked()

	rankdir := d.settings["rankdir"]
	if rankdir == "" {
		rankdir = "LR"
	}

	var sb strings.Builder
	sb.WriteString("digraph Diagram {\n")
	sb.WriteString("    compound=true;\n")
	sb.WriteString(fmt.Sprintf("    rankdir=%s;\n", rankdir))
	sb.WriteString("    node [shape=box, style=filled, fillcolor=\"#ffffff\"];\n")
	for _, kid := range d.root.kids {
		writeDOTNode(&sb, kid, 1)
	}
	writeDOTEdges(&sb, d.root, 1)
	sb.WriteString("}\n")
	return sb.String()
}

func writeDOTNode(sb *strings.Builder, n *HierNode, depth int) {
	indent := strings.Repeat("    ", depth)
	switch n.Action {
	case ActionFlatten:
		if len(n.kids) == 0 {
			writeDOTPlainNode(sb, n, depth)
			return
		}
		for _, kid := range n.kids {
			writeDOTNode(sb, kid, depth)
		}
		writeDOTEdges(sb, n, depth)
	case ActionCluster:
		sb.WriteString(fmt.Sprintf("%ssubgraph \"cluster_n%d\" {\n", indent, n.id))
		sb.WriteString(fmt.Sprintf("%s    label=\"%s\";\n", indent, escapeDOTLabel(n.Label())))
		if color := fillColor(n); color != "" {
			sb.WriteString(fmt.Sprintf("%s    style=filled;\n%s    fillcolor=\"%s\";\n", indent, indent, escapeDOTLabel(color)))
		}
		// Edges cannot attach to a subgraph, so bound or connected
		// clusters get an anchor node of their own.
		if n.Symbol != nil || n.incident > 0 {
			sb.WriteString(fmt.Sprintf("%s    %s [label=\"%s\", shape=plaintext%s];\n",
				indent, dotID(n), escapeDOTLabel(n.Label()), dotAttrs(n.Styling)))
		}
		for _, kid := range n.kids {
			writeDOTNode(sb, kid, depth+1)
		}
		writeDOTEdges(sb, n, depth+1)
		sb.WriteString(indent + "}\n")
	case ActionTable:
		sb.WriteString(fmt.Sprintf("%s%s [shape=none, label=<%s>%s];\n", indent, dotID(n), dotTable(n), dotAttrs(n.Styling)))
		writeDOTEdges(sb, n, depth)
	default:
		writeDOTPlainNode(sb, n, depth)
	}
}

// writeDOTPlainNode draws n as a single box in its parent's scope. A
// flattened leaf is drawn this way too, so unbound blocks stay visible.
func writeDOTPlainNode(sb *strings.Builder, n *HierNode, depth int) {
	indent := strings.Repeat("    ", depth)
	attrs := ""
	if color := fillColor(n); color != "" {
		attrs = fmt.Sprintf(", fillcolor=\"%s\"", escapeDOTLabel(color))
	}
	sb.WriteString(fmt.Sprintf("%s%s [label=\"%s\"%s%s];\n",
		indent, dotID(n), escapeDOTLabel(n.Label()), attrs, dotAttrs(n.Styling)))
	writeDOTEdges(sb, n, depth)
}

func writeDOTEdges(sb *strings.Builder, n *HierNode, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, e := range n.edges {
		label := ""
		if e.Kind != "" && e.Kind != EdgeCall {
			label = fmt.Sprintf(" [label=\"%s\"]", escapeDOTLabel(string(e.Kind)))
		}
		sb.WriteString(fmt.Sprintf("%s%s -> %s%s;\n", indent, dotRef(e.From), dotRef(e.To), label))
	}
}

func dotTable(n *HierNode) string {
	var sb strings.Builder
	sb.WriteString(`<table border="0" cellborder="1" cellspacing="0">`)
	sb.WriteString(fmt.Sprintf(`<tr><td><b>%s</b></td></tr>`, html.EscapeString(n.Label())))
	for _, kid := range n.kids {
		sb.WriteString(fmt.Sprintf(`<tr><td port="p%d">%s</td></tr>`, kid.id, html.EscapeString(kid.Label())))
	}
	sb.WriteString(`</table>`)
	return sb.String()
}

func dotID(n *HierNode) string {
	return fmt.Sprintf("\"n%d\"", n.id)
}

// dotRef addresses a node, using a table port for rows of a table.
func dotRef(n *HierNode) string {
	if p := n.parent; p != nil && p.Action == ActionTable {
		return fmt.Sprintf("%s:\"p%d\"", dotID(p), n.id)
	}
	return dotID(n)
}

func dotAttrs(styling string) string {
	styling = strings.TrimSpace(styling)
	if styling == "" {
		return ""
	}
	return ", " + styling
}

func fillColor(n *HierNode) string {
	if n.InstanceGroup != nil {
		return n.InstanceGroup.Color
	}
	return ""
}

// RenderMermaid renders the diagram as a Mermaid flowchart.
func (d *Diagram) RenderMermaid() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.determineNodeActionsLocked()

	direction := strings.ToUpper(d.settings["rankdir"])
	switch direction {
	case "TB", "BT", "LR", "RL":
	default:
		direction = "LR"
	}

	var sb strings.Builder
	var styles []string
	sb.WriteString(fmt.Sprintf("flowchart %s\n", direction))
	for _, kid := range d.root.kids {
		writeMermaidNode(&sb, kid, 1, &styles)
	}

	sb.WriteString("\n")
	d.root.walk(func(n *HierNode) {
		for _, e := range n.edges {
			arrow := "-->"
			if e.Kind != "" && e.Kind != EdgeCall {
				arrow = fmt.Sprintf("-- %s -->", e.Kind)
			}
			sb.WriteString(fmt.Sprintf("    %s %s %s\n", mermaidRef(e.From), arrow, mermaidRef(e.To)))
		}
	})

	if len(styles) > 0 {
		sb.WriteString("\n")
		for _, s := range styles {
			sb.WriteString("    " + s + "\n")
		}
	}
	return sb.String()
}

func writeMermaidNode(sb *strings.Builder, n *HierNode, depth int, styles *[]string) {
	indent := strings.Repeat("    ", depth)
	id := mermaidID(n)
	styleTarget := id
	switch n.Action {
	case ActionFlatten:
		if len(n.kids) == 0 {
			sb.WriteString(fmt.Sprintf("%s%s[\"%s\"]\n", indent, id, escapeMermaidLabel(n.Label())))
			break
		}
		for _, kid := range n.kids {
			writeMermaidNode(sb, kid, depth, styles)
		}
		return
	case ActionCluster:
		sb.WriteString(fmt.Sprintf("%ssubgraph %s_g[\"%s\"]\n", indent, id, escapeMermaidLabel(n.Label())))
		if n.Symbol != nil || n.incident > 0 {
			sb.WriteString(fmt.Sprintf("%s    %s([\"%s\"])\n", indent, id, escapeMermaidLabel(n.Label())))
		} else {
			styleTarget = id + "_g"
		}
		for _, kid := range n.kids {
			writeMermaidNode(sb, kid, depth+1, styles)
		}
		sb.WriteString(indent + "end\n")
	case ActionTable:
		rows := []string{"<b>" + escapeMermaidLabel(n.Label()) + "</b>"}
		for _, kid := range n.kids {
			rows = append(rows, escapeMermaidLabel(kid.Label()))
		}
		sb.WriteString(fmt.Sprintf("%s%s[\"%s\"]\n", indent, id, strings.Join(rows, "<br/>")))
	default:
		sb.WriteString(fmt.Sprintf("%s%s[\"%s\"]\n", indent, id, escapeMermaidLabel(n.Label())))
	}

	if style := mermaidStyle(n); style != "" {
		*styles = append(*styles, fmt.Sprintf("style %s %s", styleTarget, style))
	}
}

func mermaidID(n *HierNode) string {
	return fmt.Sprintf("n%d", n.id)
}

func mermaidRef(n *HierNode) string {
	if p := n.parent; p != nil && p.Action == ActionTable {
		return mermaidID(p)
	}
	return mermaidID(n)
}

// mermaidStyle maps DOT-style annotations onto Mermaid style properties.
func mermaidStyle(n *HierNode) string {
	attrs := parseStyling(n.Styling)
	if color := fillColor(n); color != "" {
		if _, ok := attrs["fillcolor"]; !ok {
			attrs["fillcolor"] = color
		}
	}
	var props []string
	if v, ok := attrs["fillcolor"]; ok {
		props = append(props, "fill:"+v)
	}
	if v, ok := attrs["color"]; ok {
		props = append(props, "stroke:"+v)
	}
	if v, ok := attrs["penwidth"]; ok {
		props = append(props, "stroke-width:"+v+"px")
	}
	return strings.Join(props, ",")
}

// parseStyling reads a comma-separated list of key=value or key="value"
// pairs. Unparseable entries are ignored.
func parseStyling(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"")
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func escapeMermaidLabel(s string) string {
	replacer := strings.NewReplacer(
		"\"", "#quot;",
		"<", "&lt;",
		">", "&gt;",
	)
	return replacer.Replace(s)
}

func escapeDOTLabel(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"\n", "\\n",
	)
	return replacer.Replace(s)
}
