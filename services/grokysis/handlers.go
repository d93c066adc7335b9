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
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
	"github.com/AleutianAI/grokysis/services/grokysis/telemetry"
)

// Handlers contains the HTTP handlers for grokysis.
type Handlers struct {
	svc    *Service
	events *EventHub
	logger *slog.Logger
}

// NewHandlers creates handlers for svc. events may be nil, in which case
// /events is not routed.
func NewHandlers(svc *Service, events *EventHub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, events: events, logger: logger}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	logger := h.logger.With("request_id", requestID, "handler", handler)
	if traceID := telemetry.TraceID(c.Request.Context()); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "code", code)
	} else {
		logger.Warn("request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}

// HandleHealth handles GET /v1/grokysis/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleReady handles GET /v1/grokysis/ready.
//
// Response:
//
//	200 OK: ReadyResponse with knowledge base statistics.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, ReadyResponse{Ready: true, Stats: h.svc.KB().Stats()})
}

// HandleLookup handles POST /v1/grokysis/symbols/lookup.
//
// Description:
//
//	Resolves a raw symbol and analyzes it to the requested depth. The
//	request blocks until the analysis (shared with any concurrent
//	request for the same symbol) completes.
//
// Response:
//
//	200 OK: SymbolResponse
//	400 Bad Request: missing or empty raw_name
//	502 Bad Gateway: the search backend failed
func (h *Handlers) HandleLookup(c *gin.Context) {
	logger := h.requestLogger(c, "HandleLookup")

	var req LookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	hops := kb.HopsDefault
	if req.Hops != nil {
		hops = *req.Hops
	}

	snap, err := h.svc.LookupSymbol(c.Request.Context(), req.RawName, req.PrettyName, hops)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Debug("symbol looked up", "symbol", snap.RawName, "level", snap.Level)
	c.JSON(http.StatusOK, SymbolResponse{Symbol: snap})
}

// HandleGetSymbol handles GET /v1/grokysis/symbols/:raw.
func (h *Handlers) HandleGetSymbol(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetSymbol")
	snap, err := h.svc.GetSymbol(c.Param("raw"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SymbolResponse{Symbol: snap})
}

// HandleDoodle handles POST /v1/grokysis/diagrams/doodle.
//
// Response:
//
//	200 OK: DiagramResponse
//	400 Bad Request: bad symbol, doodler, format or diagram
//	422 Unprocessable Entity: internal doodle of a class with no pretty name
func (h *Handlers) HandleDoodle(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDoodle")

	var req DoodleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}

	resp, err := h.svc.Doodle(c.Request.Context(), req)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("doodle complete",
		"symbol", req.Symbol, "doodler", req.Doodler,
		"nodes", resp.Nodes, "edges", resp.Edges, "truncated", len(resp.Truncated))
	c.JSON(http.StatusOK, resp)
}

// HandleGenerate handles POST /v1/grokysis/diagrams/generate.
//
// Response:
//
//	200 OK: DiagramResponse, with bad_identifiers for unresolved names
//	422 Unprocessable Entity: the workspace has an unsupported block
func (h *Handlers) HandleGenerate(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGenerate")

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}

	resp, err := h.svc.Generate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if len(resp.BadIdentifiers) > 0 {
		logger.Warn("unresolved identifiers", "identifiers", resp.BadIdentifiers)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListThings handles GET /v1/grokysis/tracks/:track/things.
func (h *Handlers) HandleListThings(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListThings")
	name := c.Param("track")
	track, err := h.svc.Manager().Track(name)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ThingsResponse{Track: name, Things: track.Things()})
}

// HandleAddThing handles POST /v1/grokysis/tracks/:track/things.
//
// Response:
//
//	201 Created: the stored SessionThing with its allocated id
func (h *Handlers) HandleAddThing(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddThing")

	var req ThingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}

	thing, err := h.svc.Manager().AddThing(c.Request.Context(), c.Param("track"), req.Type, req.Title, req.State, index)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, thing)
}

// HandleDeleteThing handles DELETE /v1/grokysis/tracks/:track/things/:id.
//
// Response:
//
//	204 No Content
//	400 Bad Request: id is not a UUID
//	404 Not Found: unknown track or thing
func (h *Handlers) HandleDeleteThing(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteThing")
	id := c.Param("id")
	if !strfmt.IsUUID(id) {
		h.fail(c, logger, fmt.Errorf("%w: id %q is not a uuid", session.ErrInvalidThing, id))
		return
	}
	if err := h.svc.Manager().RemoveThing(c.Request.Context(), c.Param("track"), id); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleFile handles GET /v1/grokysis/files/*path.
func (h *Handlers) HandleFile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleFile")
	resp, err := h.svc.FileRecords(c.Request.Context(), strings.TrimPrefix(c.Param("path"), "/"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
