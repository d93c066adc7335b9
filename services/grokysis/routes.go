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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/grokysis/services/grokysis/telemetry"
)

// RegisterRoutes registers all grokysis routes with the router.
//
// Endpoints:
//
//	GET    /v1/grokysis/health
//	GET    /v1/grokysis/ready
//	POST   /v1/grokysis/symbols/lookup
//	GET    /v1/grokysis/symbols/:raw
//	POST   /v1/grokysis/diagrams/doodle
//	POST   /v1/grokysis/diagrams/generate
//	GET    /v1/grokysis/tracks/:track/things
//	POST   /v1/grokysis/tracks/:track/things
//	DELETE /v1/grokysis/tracks/:track/things/:id
//	GET    /v1/grokysis/files/*path
//	GET    /v1/grokysis/events (websocket)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	g := rg.Group("/grokysis")
	{
		g.GET("/health", handlers.HandleHealth)
		g.GET("/ready", handlers.HandleReady)

		g.POST("/symbols/lookup", handlers.HandleLookup)
		g.GET("/symbols/:raw", handlers.HandleGetSymbol)

		g.POST("/diagrams/doodle", handlers.HandleDoodle)
		g.POST("/diagrams/generate", handlers.HandleGenerate)

		g.GET("/tracks/:track/things", handlers.HandleListThings)
		g.POST("/tracks/:track/things", handlers.HandleAddThing)
		g.DELETE("/tracks/:track/things/:id", handlers.HandleDeleteThing)

		g.GET("/files/*path", handlers.HandleFile)

		if handlers.events != nil {
			g.GET("/events", handlers.events.HandleEvents)
		}
	}
}

// NewRouter builds the gin engine: recovery, OTel tracing, /metrics and
// the /v1 routes.
func NewRouter(handlers *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
