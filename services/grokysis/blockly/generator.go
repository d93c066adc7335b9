// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blockly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
)

// DefaultConcurrency bounds parallel identifier lookups.
const DefaultConcurrency = 8

// ErrNilProgram is returned when Generate is called without a program.
var ErrNilProgram = errors.New("program is nil")

var tracer = otel.Tracer("grokysis.blockly")

// Generator compiles a Program into a diagram.
//
// Thread Safety:
//
//	A Generator holds no per-run state and may be shared.
type Generator struct {
	KB *kb.KnowledgeBase

	// Concurrency overrides DefaultConcurrency when positive.
	Concurrency int

	Logger *slog.Logger
}

// Result is the output of one generation pass.
type Result struct {
	Diagram *diagram.Diagram

	// BadIdentifiers lists identifier variable names that resolved to no
	// symbol, sorted.
	BadIdentifiers []string

	// DroppedEdges counts call blocks whose target could not be placed.
	DroppedEdges int
}

// pendingCall is a call block waiting for the full tree to exist.
type pendingCall struct {
	from   *diagram.HierNode
	target string
	group  *diagram.InstanceGroupInfo
}

// run carries the state of one generation pass.
type run struct {
	gen      *Generator
	prog     *Program
	d        *diagram.Diagram
	logger   *slog.Logger
	resolved map[string]*kb.SymbolInfo
	pending  []pendingCall
}

// Generate compiles prog.
//
// Description:
//
//	Phase 0 resolves every referenced identifier variable concurrently
//	and waits for all of them; unresolved ones are reported in
//	BadIdentifiers. Phase 1 applies all setting blocks, wherever they
//	appear, so a later write to the same instance group wins. Phase 2
//	builds the node tree, deferring call blocks; deferred calls are then
//	resolved against their instance group and, failing that, the global
//	symbol map. Node actions are computed last.
//
// Outputs:
//
//	*Result - Diagram and partial-failure report.
//	error - ErrNilProgram or a wrapped ErrUnsupportedBlock.
func (g *Generator) Generate(ctx context.Context, prog *Program) (*Result, error) {
	if prog == nil {
		return nil, ErrNilProgram
	}
	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &run{
		gen:      g,
		prog:     prog,
		d:        diagram.New(diagram.Options{Logger: logger}),
		logger:   logger.With("component", "blockly"),
		resolved: make(map[string]*kb.SymbolInfo),
	}

	bad, err := r.resolveIdentifiers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := r.applySettings(prog.Blocks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := r.buildStructure(r.d.Root(), prog.Blocks, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	dropped := r.resolveCalls()
	r.d.DetermineNodeActions()

	span.SetAttributes(
		attribute.Int("blockly.bad_identifiers", len(bad)),
		attribute.Int("blockly.dropped_edges", dropped),
	)
	return &Result{Diagram: r.d, BadIdentifiers: bad, DroppedEdges: dropped}, nil
}

// resolveIdentifiers is phase 0.
func (r *run) resolveIdentifiers(ctx context.Context) ([]string, error) {
	ids := make(map[string]struct{})
	if err := collectIdentifiers(r.prog.Blocks, ids); err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		bad []string
	)
	markBad := func(name string) {
		mu.Lock()
		bad = append(bad, name)
		mu.Unlock()
	}

	concurrency := r.gen.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for id := range ids {
		v, ok := r.prog.Variables[id]
		if !ok || v.Type != VarIdentifier {
			r.logger.Warn("block references unknown identifier variable", "variable", id)
			markBad(id)
			continue
		}
		if r.gen.KB == nil {
			markBad(v.Name)
			continue
		}
		eg.Go(func() error {
			syms, err := r.gen.KB.FindSymbolsGivenID(egCtx, v.Name)
			if err != nil {
				r.logger.Warn("identifier lookup failed", "identifier", v.Name, "error", err)
				markBad(v.Name)
				return nil
			}
			if len(syms) == 0 {
				r.logger.Warn("identifier resolved to no symbol", "identifier", v.Name)
				markBad(v.Name)
				return nil
			}
			mu.Lock()
			r.resolved[id] = syms[0]
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Strings(bad)
	return bad, nil
}

func collectIdentifiers(blocks []Block, ids map[string]struct{}) error {
	for _, b := range blocks {
		switch b := b.(type) {
		case *ClusterBlock:
			if err := collectIdentifiers(b.Children, ids); err != nil {
				return err
			}
		case *ClassBlock:
			if b.Identifier != "" {
				ids[b.Identifier] = struct{}{}
			}
			if err := collectIdentifiers(b.Children, ids); err != nil {
				return err
			}
		case *InstanceBlock:
			if b.Identifier != "" {
				ids[b.Identifier] = struct{}{}
			}
			if err := collectIdentifiers(b.Children, ids); err != nil {
				return err
			}
		case *CallBlock:
			if b.Target != "" {
				ids[b.Target] = struct{}{}
			}
		case *InstanceGroupSettingBlock, *DiagramSettingBlock:
		default:
			return unsupported(b)
		}
	}
	return nil
}

// applySettings is phase 1.
func (r *run) applySettings(blocks []Block) error {
	for _, b := range blocks {
		switch b := b.(type) {
		case *InstanceGroupSettingBlock:
			name, ok := r.groupName(b.Group)
			if !ok {
				continue
			}
			r.d.SetGroupColor(name, b.Color)
		case *DiagramSettingBlock:
			if b.Key == "" {
				r.logger.Warn("diagram setting without key")
				continue
			}
			r.d.SetSetting(b.Key, b.Value)
		case *ClusterBlock:
			if err := r.applySettings(b.Children); err != nil {
				return err
			}
		case *ClassBlock:
			if err := r.applySettings(b.Children); err != nil {
				return err
			}
		case *InstanceBlock:
			if err := r.applySettings(b.Children); err != nil {
				return err
			}
		case *CallBlock:
		default:
			return unsupported(b)
		}
	}
	return nil
}

// buildStructure is phase 2.
func (r *run) buildStructure(parent *diagram.HierNode, blocks []Block, inherited *diagram.InstanceGroupInfo) error {
	for _, b := range blocks {
		switch b := b.(type) {
		case *ClusterBlock:
			group := r.group(b.InstanceGroup, inherited)
			node := r.d.GetOrCreateKid(parent, b.Name)
			node.Kind = diagram.KindGroup
			node.Semantic = b.Semantic()
			if b.InstanceGroup != "" {
				node.InstanceGroup = group
			}
			if err := r.buildStructure(node, b.Children, group); err != nil {
				return err
			}
		case *ClassBlock:
			if err := r.placeSymbolNode(parent, b.Identifier, b.Label, b.InstanceGroup, diagram.SemanticClass, b.Children, inherited); err != nil {
				return err
			}
		case *InstanceBlock:
			if err := r.placeSymbolNode(parent, b.Identifier, b.Label, b.InstanceGroup, diagram.SemanticInstance, b.Children, inherited); err != nil {
				return err
			}
		case *CallBlock:
			r.pending = append(r.pending, pendingCall{
				from:   parent,
				target: b.Target,
				group:  r.group(b.InstanceGroup, inherited),
			})
		case *InstanceGroupSettingBlock, *DiagramSettingBlock:
		default:
			return unsupported(b)
		}
	}
	return nil
}

func (r *run) placeSymbolNode(parent *diagram.HierNode, identifier, label, groupVar string, semantic diagram.SemanticKind, children []Block, inherited *diagram.InstanceGroupInfo) error {
	group := r.group(groupVar, inherited)
	name := label
	if name == "" {
		name = r.variableName(identifier)
	}

	node := r.d.GetOrCreateKid(parent, name)
	node.Semantic = semantic
	node.InstanceGroup = group
	if sym := r.resolved[identifier]; sym != nil {
		r.d.BindSymbol(node, sym)
	}
	return r.buildStructure(node, children, group)
}

// resolveCalls turns deferred call blocks into edges. Returns the number
// of dropped calls.
func (r *run) resolveCalls() int {
	dropped := 0
	for _, call := range r.pending {
		sym := r.resolved[call.target]
		if sym == nil {
			r.logger.Warn("dropping call to unresolved identifier", "variable", r.variableName(call.target))
			dropped++
			continue
		}

		var to *diagram.HierNode
		if call.group != nil {
			to, _ = call.group.NodeFor(sym)
		}
		if to == nil {
			to, _ = r.d.NodeForSymbol(sym)
		}
		if to == nil {
			r.logger.Warn("dropping call to symbol with no node", "symbol", sym.RawName)
			dropped++
			continue
		}
		if err := r.d.AddEdge(call.from, to, diagram.EdgeCall); err != nil {
			r.logger.Warn("dropping call edge", "symbol", sym.RawName, "error", err)
			dropped++
		}
	}
	return dropped
}

func (r *run) group(varID string, inherited *diagram.InstanceGroupInfo) *diagram.InstanceGroupInfo {
	if varID == "" {
		return inherited
	}
	name, ok := r.groupName(varID)
	if !ok {
		return inherited
	}
	return r.d.EnsureInstanceGroup(name)
}

func (r *run) groupName(varID string) (string, bool) {
	v, ok := r.prog.Variables[varID]
	if !ok || v.Type != VarInstanceGroup {
		r.logger.Warn("unknown instance-group variable", "variable", varID)
		return "", false
	}
	return v.Name, true
}

func (r *run) variableName(varID string) string {
	if v, ok := r.prog.Variables[varID]; ok && v.Name != "" {
		return v.Name
	}
	return varID
}

func unsupported(b Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrUnsupportedBlock)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedBlock, b.Type())
}
