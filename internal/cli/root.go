// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/imgkit/bulkfetch/internal/logging"
	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogLevel string
	NoColor  bool
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := newRootCmd(ctx, version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRootCmd(ctx context.Context, version string) *cobra.Command {
	ro := &RootOpts{}

	root := &cobra.Command{
		Use:           "bulkfetch",
		Short:         "Bulk image fetcher for scraped booru/waifuc metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (warnings and errors only)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&ro.NoColor, "no-color", false, "Disable coloured log levels")

	// fetch is also the default command, so the root carries its flags too.
	opts := defaultFetchOptions()
	fetchCmd := newFetchCmd(ctx, ro, opts)
	bindFetchFlags(root, opts)
	root.PreRunE = fetchCmd.PreRunE
	root.RunE = fetchCmd.RunE

	root.AddCommand(fetchCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd(ro))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

// newLogger builds the process logger from the global flags.
func newLogger(ro *RootOpts, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(ro.LogLevel)
	if err != nil {
		return nil, err
	}
	switch {
	case ro.Verbose:
		level = slog.LevelDebug
	case ro.Quiet:
		level = slog.LevelWarn
	}
	return logging.New(logging.Options{
		Name:    "bulkfetch",
		Level:   level,
		JSON:    ro.JSONOut,
		NoColor: ro.NoColor || os.Getenv("NO_COLOR") != "" || !isTerminal(w),
		Writer:  w,
	}), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) bulkfetch.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev bulkfetch.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
