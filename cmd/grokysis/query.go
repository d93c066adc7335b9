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
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/grokysis/pkg/ux"
	"github.com/AleutianAI/grokysis/services/grokysis"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

func newLookupCmd(c *cli) *cobra.Command {
	var (
		hops   int
		pretty string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "lookup [raw-symbol]",
		Short: "Analyze a symbol and show its callers and callees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := rt.svc.LookupSymbol(cmd.Context(), args[0], pretty, hops)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			c.printer(cmd).Plain(symbolTree(rt.svc.KB(), snap))
			return nil
		},
	}
	cmd.Flags().IntVar(&hops, "hops", kb.HopsDefault, "analysis depth (0-2)")
	cmd.Flags().StringVar(&pretty, "pretty", "", "display name to record for the symbol")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the symbol snapshot as JSON")
	return cmd
}

// symbolTree renders snap with its neighbors by display name.
func symbolTree(knowledge *kb.KnowledgeBase, snap kb.SymbolSnapshot) string {
	names := func(raws []string) []string {
		out := make([]string, 0, len(raws))
		for _, raw := range raws {
			if sym, ok := knowledge.Lookup(raw); ok {
				out = append(out, sym.DisplayName())
			} else {
				out = append(out, raw)
			}
		}
		return out
	}
	title := snap.RawName
	if snap.PrettyName != "" {
		title = fmt.Sprintf("%s [%s]", snap.PrettyName, snap.Syntax)
	}
	return ux.SymbolTree(title,
		ux.Branch{Label: "calls", Items: names(snap.OutEdges)},
		ux.Branch{Label: "called by", Items: names(snap.InEdges)},
	)
}

// diagramFlags are shared by doodle, generate and watch.
type diagramFlags struct {
	format string
	output string
}

func (f *diagramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "format", "f", "dot", "output format: dot, mermaid or json")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the diagram to a file instead of stdout")
}

// emit writes the rendered diagram and a summary line.
func (f *diagramFlags) emit(p ux.Printer, resp *grokysis.DiagramResponse) error {
	if f.output == "" {
		p.Plain(resp.Output)
	} else if err := os.WriteFile(f.output, []byte(resp.Output), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.output, err)
	}
	for _, bad := range resp.BadIdentifiers {
		p.Warning("unresolved identifier: " + bad)
	}
	if len(resp.Truncated) > 0 {
		p.Warning(fmt.Sprintf("%d symbols not expanded past the branching limit", len(resp.Truncated)))
	}
	if f.output != "" {
		p.Success(fmt.Sprintf("%d nodes, %d edges written to %s", resp.Nodes, resp.Edges, f.output))
	}
	return nil
}

func newDoodleCmd(c *cli) *cobra.Command {
	var (
		flags diagramFlags
		req   grokysis.DoodleRequest
	)
	cmd := &cobra.Command{
		Use:   "doodle [raw-symbol]",
		Short: "Draw the call graph reachable from a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			req.Symbol = args[0]
			req.Format = flags.format
			resp, err := rt.svc.Doodle(cmd.Context(), req)
			if err != nil {
				return err
			}
			return flags.emit(c.printer(cmd), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&req.Doodler, "doodler", "d", grokysis.DoodlerCallsOut, "calls_out, calls_in or internal")
	cmd.Flags().BoolVar(&req.LimitToModule, "limit-to-module", false, "stay within the root symbol's directory")
	cmd.Flags().IntVar(&req.MaxBranching, "max-branching", 0, "do not expand symbols with more edges than this (0 uses config)")
	return cmd
}

func newGenerateCmd(c *cli) *cobra.Command {
	var flags diagramFlags
	cmd := &cobra.Command{
		Use:   "generate [workspace.json]",
		Short: "Compile a Blockly workspace into a diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			return generateFile(cmd.Context(), rt.svc, args[0], &flags, c.printer(cmd))
		},
	}
	flags.register(cmd)
	return cmd
}

func generateFile(ctx context.Context, svc *grokysis.Service, path string, flags *diagramFlags, p ux.Printer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	resp, err := svc.Generate(ctx, grokysis.GenerateRequest{Workspace: data, Format: flags.format})
	if err != nil {
		return err
	}
	return flags.emit(p, resp)
}
