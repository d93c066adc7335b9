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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/grokysis/services/grokysis/watch"
)

func newWatchCmd(c *cli) *cobra.Command {
	var flags diagramFlags
	cmd := &cobra.Command{
		Use:   "watch [workspace.json]",
		Short: "Regenerate a diagram whenever a Blockly workspace file changes",
		Long: `watch compiles the workspace once, then again after every save. The
knowledge base is kept between runs, so only new identifiers are searched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := c.printer(cmd)
			regenerate := func(ctx context.Context, path string) {
				if err := generateFile(ctx, rt.svc, path, &flags, p); err != nil {
					p.Error(err.Error())
				}
			}

			w, err := watch.New(args[0], regenerate, watch.Options{Logger: c.logger.Slog()})
			if err != nil {
				return err
			}
			regenerate(ctx, w.Path())
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop()

			<-ctx.Done()
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
