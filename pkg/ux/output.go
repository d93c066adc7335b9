// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the grokysis CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
)

var (
	ColorBright  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorDeep    = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	Branch    lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorDeep).
		Padding(0, 1),
	Branch: lipgloss.NewStyle().Foreground(ColorDeep),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output honoring the personality level.
type Printer struct {
	Out io.Writer
	Err io.Writer
}

// Success prints a success line.
func (p Printer) Success(text string) {
	switch Level() {
	case PersonalityMachine:
		fmt.Fprintf(p.Out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning line.
func (p Printer) Warning(text string) {
	switch Level() {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error line.
func (p Printer) Error(text string) {
	switch Level() {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Box prints content in a rounded box under a title.
func (p Printer) Box(title, content string) {
	if Level() == PersonalityMachine {
		fmt.Fprintf(p.Out, "%s:\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Plain writes text unstyled, for piping diagram output.
func (p Printer) Plain(text string) {
	fmt.Fprint(p.Out, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(p.Out)
	}
}

// Branch is one labeled subtree of a SymbolTree.
type Branch struct {
	Label string
	Items []string
}

// SymbolTree renders a symbol with labeled lists beneath it, e.g. its
// callers and callees. Empty branches are shown as "(none)".
func SymbolTree(root string, branches ...Branch) string {
	t := tree.Root(root)
	if Level() != PersonalityMachine {
		t = t.RootStyle(Styles.Highlight).
			EnumeratorStyle(Styles.Branch).
			Enumerator(tree.RoundedEnumerator)
	}
	for _, b := range branches {
		sub := tree.Root(fmt.Sprintf("%s (%d)", b.Label, len(b.Items)))
		if len(b.Items) == 0 {
			sub.Child(Styles.Muted.Render("(none)"))
		}
		for _, item := range b.Items {
			sub.Child(item)
		}
		t.Child(sub)
	}
	return t.String()
}
