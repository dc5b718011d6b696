// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imgkit/bulkfetch/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	def := server.DefaultConfig()
	cfg := def

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for API-driven batches",
		Long: `Start an HTTP server that provides:
  - REST API for batch management
  - WebSocket for live progress updates
  - Prometheus metrics on /metrics

Batch paths are resolved below --metadata-root and --output-root; requests
that point outside them are rejected.

Example:
  bulkfetch serve
  bulkfetch serve --port 3000
  bulkfetch serve --metadata-root ./metadata --output-root ./dataset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Workers < 1 {
				return fmt.Errorf("--thread must be >= 1 (got %d)", cfg.Workers)
			}
			logger, err := newLogger(ro, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg.Version = cmd.Root().Version

			srv := server.New(cfg, logger)
			return srv.ListenAndServe(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", def.Addr, "Address to bind to")
	f.IntVar(&cfg.Port, "port", def.Port, "Port to listen on")
	f.StringVar(&cfg.MetadataRoot, "metadata-root", def.MetadataRoot, "Directory batch sources are resolved under")
	f.StringVar(&cfg.OutputRoot, "output-root", def.OutputRoot, "Directory batch destinations are resolved under")
	f.IntVarP(&cfg.Workers, "thread", "t", def.Workers, "Default workers per batch")
	f.StringVar(&cfg.Timeout, "timeout", def.Timeout, "Per-request timeout, e.g. 60s")
	f.StringVar(&cfg.UserAgent, "user-agent", def.UserAgent, "User-Agent sent with every request")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", nil, "CORS/WebSocket origins allowed (default any)")

	return cmd
}
