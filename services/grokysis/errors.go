// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grokysis

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/grokysis/services/grokysis/blockly"
	"github.com/AleutianAI/grokysis/services/grokysis/diagram"
	"github.com/AleutianAI/grokysis/services/grokysis/doodle"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
)

// Sentinel errors for the grokysis service.
var (
	// ErrSymbolNotFound indicates the symbol is not in the knowledge base.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrInvalidSymbol indicates an empty or unusable raw symbol name.
	ErrInvalidSymbol = errors.New("invalid symbol name")

	// ErrUnknownDoodler indicates an unrecognized doodler name.
	ErrUnknownDoodler = errors.New("unknown doodler")

	// ErrInvalidPath indicates an empty file path.
	ErrInvalidPath = errors.New("invalid file path")

	// ErrNoFileFetcher indicates file records were requested from a
	// service configured without a fetcher.
	ErrNoFileFetcher = errors.New("file fetching not configured")
)

// classifyError maps an error to an HTTP status and error code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSymbolNotFound):
		return http.StatusNotFound, "SYMBOL_NOT_FOUND"
	case errors.Is(err, session.ErrThingNotFound):
		return http.StatusNotFound, "THING_NOT_FOUND"
	case errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, kb.ErrNilSymbol):
		return http.StatusBadRequest, "INVALID_SYMBOL"
	case errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest, "INVALID_PATH"
	case errors.Is(err, ErrInvalidDiagram):
		return http.StatusBadRequest, "INVALID_DIAGRAM"
	case errors.Is(err, ErrUnknownDoodler):
		return http.StatusBadRequest, "UNKNOWN_DOODLER"
	case errors.Is(err, diagram.ErrUnknownFormat):
		return http.StatusBadRequest, "UNKNOWN_FORMAT"
	case errors.Is(err, blockly.ErrInvalidWorkspace):
		return http.StatusBadRequest, "INVALID_WORKSPACE"
	case errors.Is(err, blockly.ErrUnsupportedBlock):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_BLOCK"
	case errors.Is(err, doodle.ErrNoPrettyName):
		return http.StatusUnprocessableEntity, "NO_PRETTY_NAME"
	case errors.Is(err, session.ErrInvalidThing):
		return http.StatusBadRequest, "INVALID_THING"
	case errors.Is(err, ErrNoFileFetcher):
		return http.StatusNotImplemented, "NOT_CONFIGURED"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "SESSION_CLOSED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return 499, "CANCELLED"
	default:
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
}
