// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grokysis serves the knowledge-base explorer over HTTP.
//
// The Service binds one session.SessionManager (and so one knowledge base)
// to the doodlers and the block generator; Handlers expose it under
// /v1/grokysis with gin.
package grokysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/grokysis/services/grokysis/blockly"
	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/doodle"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ErrInvalidDiagram indicates a serialized diagram could not be restored.
var ErrInvalidDiagram = errors.New("invalid serialized diagram")

// ServiceConfig tunes diagram construction.
type ServiceConfig struct {
	// MaxBranching is the default doodle cutoff. Zero uses the doodle
	// package default.
	MaxBranching int

	// Concurrency bounds parallel analyses in doodlers and the generator.
	Concurrency int

	// Files serves raw file records. Optional.
	Files searchfox.FileFetcher

	Logger *slog.Logger
}

// Service implements the grokysis operations independent of transport.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	manager *session.SessionManager
	cfg     ServiceConfig
	logger  *slog.Logger
}

// NewService creates a service over manager.
func NewService(manager *session.SessionManager, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: manager, cfg: cfg, logger: logger}
}

// Manager returns the session manager.
func (s *Service) Manager() *session.SessionManager { return s.manager }

// KB returns the session's knowledge base.
func (s *Service) KB() *kb.KnowledgeBase { return s.manager.KB() }

// LookupSymbol resolves rawName and analyzes it to hops.
//
// Description:
//
//	Concurrent lookups of the same symbol share one search. A search
//	failure is returned and leaves the symbol unanalyzed.
//
// Outputs:
//
//	kb.SymbolSnapshot - The symbol after analysis.
//	error - ErrInvalidSymbol for an empty name, or the search error.
func (s *Service) LookupSymbol(ctx context.Context, rawName, pretty string, hops int) (kb.SymbolSnapshot, error) {
	knowledge := s.KB()
	sym := knowledge.LookupRawSymbol(ctx, rawName, 0, pretty, nil)
	if sym == nil {
		return kb.SymbolSnapshot{}, ErrInvalidSymbol
	}
	if _, err := knowledge.EnsureSymbolAnalysis(ctx, sym, hops); err != nil {
		return knowledge.Snapshot(sym), fmt.Errorf("analyze %s: %w", sym.RawName, err)
	}
	return knowledge.Snapshot(sym), nil
}

// GetSymbol returns an already-known symbol without searching.
func (s *Service) GetSymbol(rawName string) (kb.SymbolSnapshot, error) {
	knowledge := s.KB()
	sym, ok := knowledge.Lookup(rawName)
	if !ok {
		return kb.SymbolSnapshot{}, ErrSymbolNotFound
	}
	return knowledge.Snapshot(sym), nil
}

// Doodle draws the requested traversal around a symbol.
func (s *Service) Doodle(ctx context.Context, req DoodleRequest) (*DiagramResponse, error) {
	format, err := diagram.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	knowledge := s.KB()
	root := knowledge.LookupRawSymbol(ctx, req.Symbol, 0, "", nil)
	if root == nil {
		return nil, ErrInvalidSymbol
	}

	var doodler doodle.Doodler
	switch req.Doodler {
	case "", DoodlerCallsOut, DoodlerCallsIn:
		maxBranching := req.MaxBranching
		if maxBranching <= 0 {
			maxBranching = s.cfg.MaxBranching
		}
		doodler = &doodle.TransitiveCallDoodler{
			CallsOut:      req.Doodler != DoodlerCallsIn,
			LimitToModule: req.LimitToModule,
			MaxBranching:  maxBranching,
			Concurrency:   s.cfg.Concurrency,
			Logger:        s.logger,
		}
	case DoodlerInternal:
		doodler = &doodle.InternalDoodler{Concurrency: s.cfg.Concurrency, Logger: s.logger}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDoodler, req.Doodler)
	}

	d, err := diagram.RestoreDiagram(ctx, knowledge, req.Diagram, diagram.Options{Logger: s.logger})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDiagram, err)
	}

	result, err := doodler.Doodle(ctx, knowledge, root, d)
	if err != nil {
		return nil, err
	}

	resp, err := render(d, format)
	if err != nil {
		return nil, err
	}
	resp.Visited = result.Visited
	resp.Edges = result.Edges
	resp.Truncated = result.TruncatedNames()
	return resp, nil
}

// Generate compiles a Blockly workspace into a diagram.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*DiagramResponse, error) {
	format, err := diagram.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	prog, err := blockly.DecodeProgram(req.Workspace)
	if err != nil {
		return nil, err
	}

	gen := &blockly.Generator{KB: s.KB(), Concurrency: s.cfg.Concurrency, Logger: s.logger}
	result, err := gen.Generate(ctx, prog)
	if err != nil {
		return nil, err
	}

	resp, err := render(result.Diagram, format)
	if err != nil {
		return nil, err
	}
	resp.Edges = len(result.Diagram.Edges())
	resp.BadIdentifiers = result.BadIdentifiers
	resp.DroppedEdges = result.DroppedEdges
	return resp, nil
}

// FileRecords returns the raw analysis records of path.
func (s *Service) FileRecords(ctx context.Context, path string) (*FileResponse, error) {
	if s.cfg.Files == nil {
		return nil, ErrNoFileFetcher
	}
	path = kb.NormalizePath(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	records, err := s.cfg.Files.FetchFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	s.KB().EnsureFileAnalysis(path)
	return &FileResponse{Path: path, Records: records}, nil
}

func render(d *diagram.Diagram, format diagram.Format) (*DiagramResponse, error) {
	d.DetermineNodeActions()
	out, err := d.Render(format)
	if err != nil {
		return nil, err
	}
	serialized, err := d.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize diagram: %w", err)
	}
	return &DiagramResponse{
		Format:  string(format),
		Output:  out,
		Diagram: serialized,
		Nodes:   d.NodeCount(),
	}, nil
}
