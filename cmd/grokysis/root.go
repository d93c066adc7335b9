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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/grokysis/pkg/logging"
	"github.com/AleutianAI/grokysis/pkg/ux"
	"github.com/AleutianAI/grokysis/services/grokysis"
	"github.com/AleutianAI/grokysis/services/grokysis/config"
	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/searchfox"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
	badgerstore "github.com/AleutianAI/grokysis/services/grokysis/storage/badger"
)

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	configPath  string
	personality string

	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "grokysis",
		Short: "Explore a searchfox-indexed codebase as call graphs and diagrams",
		Long: `grokysis builds a lazily-populated knowledge base of symbols from a
searchfox server and draws call-graph diagrams from it, either by walking
calls from a symbol or by compiling a Blockly workspace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.personality != "" {
				ux.SetLevel(ux.ParseLevel(c.personality))
			} else {
				ux.Init()
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.logger != nil {
				return c.logger.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&c.personality, "personality", "", "output style: standard, minimal or machine")

	root.AddCommand(
		newServeCmd(c),
		newLookupCmd(c),
		newDoodleCmd(c),
		newGenerateCmd(c),
		newWatchCmd(c),
		newConfigCmd(c),
	)
	return root
}

func (c *cli) printer(cmd *cobra.Command) ux.Printer {
	return ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatAuto
	switch cfg.Format {
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "grokysis",
		Format:  format,
	}), nil
}

// runtime is the wired object graph behind a command.
type runtime struct {
	client  *searchfox.Client
	db      *badgerstore.DB
	manager *session.SessionManager
	svc     *grokysis.Service
}

// newRuntime wires the searchfox client, optional session store, session
// manager and service from c.cfg. persist opens the badger store when a
// data directory is configured.
func (c *cli) newRuntime(persist bool) (*runtime, error) {
	cfg := c.cfg
	slogger := c.logger.Slog()

	client, err := searchfox.NewClient(searchfox.ClientConfig{
		BaseURL:           cfg.Searchfox.BaseURL,
		Tree:              cfg.Searchfox.Tree,
		RequestsPerSecond: cfg.Searchfox.RequestsPerSecond,
		Burst:             cfg.Searchfox.Burst,
		CacheSize:         cfg.Searchfox.CacheSize,
		Timeout:           cfg.Searchfox.Timeout,
		Logger:            slogger,
	})
	if err != nil {
		return nil, fmt.Errorf("searchfox client: %w", err)
	}

	rt := &runtime{client: client}
	opts := session.Options{
		KB:     kb.Options{Logger: slogger, EdgeSanityLimit: cfg.KB.EdgeSanityLimit},
		Logger: slogger,
	}
	if persist && cfg.Storage.DataDir != "" {
		dbCfg := badgerstore.DefaultConfig()
		dbCfg.Path = cfg.Storage.DataDir
		dbCfg.GCInterval = cfg.Storage.GCInterval
		dbCfg.Logger = slogger
		db, err := badgerstore.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		rt.db = db
		opts.Store = badgerstore.NewThingStore(db, badgerstore.DefaultThingPrefix)
	}

	rt.manager = session.NewManager(client, opts)
	rt.svc = grokysis.NewService(rt.manager, grokysis.ServiceConfig{
		MaxBranching: cfg.Doodle.MaxBranching,
		Concurrency:  cfg.Doodle.Concurrency,
		Files:        client,
		Logger:       slogger,
	})
	return rt, nil
}

// Close releases the manager and then the store it writes to.
func (rt *runtime) Close() error {
	var errs []error
	if rt.manager != nil {
		errs = append(errs, rt.manager.Close())
	}
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	return errors.Join(errs...)
}
