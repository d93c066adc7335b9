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
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/grokysis/services/grokysis"
	"github.com/AleutianAI/grokysis/services/grokysis/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grokysis HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				c.cfg.Server.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "host:port to listen on (overrides config)")
	return cmd
}

// serve runs the server until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.logger.Slog()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = grokysis.ServiceVersion
	tcfg.Environment = cfg.Telemetry.Environment
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	rt, err := c.newRuntime(true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()
	if err := rt.manager.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	logger.Info("session restored", "tracks", len(rt.manager.TrackNames()))

	gin.SetMode(cfg.Server.GinMode)
	events := grokysis.NewEventHub(rt.manager, logger)
	defer events.Close()
	router := grokysis.NewRouter(grokysis.NewHandlers(rt.svc, events, logger), tcfg.ServiceName)

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: router}
	errc := make(chan error, 1)
	go func() {
		logger.Info("starting grokysis server",
			"address", cfg.Server.Listen,
			"tree", cfg.Searchfox.Tree,
			"persistent", rt.db != nil)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down grokysis server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Close websocket streams first; Shutdown does not wait on hijacked
	// connections.
	events.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
