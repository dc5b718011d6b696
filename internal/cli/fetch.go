// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/imgkit/bulkfetch/internal/logging"
	"github.com/imgkit/bulkfetch/internal/tui"
	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// fetchOptions are the flags of the fetch command.
type fetchOptions struct {
	Source     string
	Dest       string
	Workers    int
	NoCaption  bool
	ReDownload bool
	Timeout    string
	Progress   string
	UserAgent  string
	DryRun     bool
}

func defaultFetchOptions() *fetchOptions {
	d := bulkfetch.DefaultSettings()
	return &fetchOptions{
		Workers:   d.Workers,
		Progress:  "log",
		UserAgent: d.UserAgent,
	}
}

// fetchFlagNames lists the flags that config files and env vars may set.
var fetchFlagNames = []string{"path", "dl-path", "thread", "no-caption", "re-download", "timeout", "progress", "user-agent"}

var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func newFetchCmd(ctx context.Context, ro *RootOpts, opts *fetchOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every image referenced by a metadata directory",
		Long: `Scan a directory of waifuc/booru JSON metadata files and fetch every
referenced image into the destination directory, writing the tag string of
each post as a "<name>.txt" caption next to the image.

Files that already exist are skipped unless --re-download is set.`,
		Example: `  bulkfetch -p ./metadata -o ./dataset
  bulkfetch fetch -p ./metadata -o ./dataset -t 32 --progress live
  bulkfetch fetch -p ./metadata -o ./dataset --no-caption --dry-run`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(ctx, cmd, ro, opts)
		},
	}
	bindFetchFlags(cmd, opts)
	return cmd
}

func bindFetchFlags(cmd *cobra.Command, opts *fetchOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.Source, "path", "p", opts.Source, "Directory of JSON metadata files (searched recursively)")
	f.StringVarP(&opts.Dest, "dl-path", "o", opts.Dest, "Destination directory for images and captions")
	f.IntVarP(&opts.Workers, "thread", "t", opts.Workers, "Number of concurrent fetch workers")
	f.BoolVar(&opts.NoCaption, "no-caption", opts.NoCaption, "Do not write .txt caption sidecars")
	f.BoolVar(&opts.ReDownload, "re-download", opts.ReDownload, "Fetch even when the image already exists")
	f.StringVar(&opts.Timeout, "timeout", opts.Timeout, "Per-request timeout, e.g. 60s (default none)")
	f.StringVar(&opts.Progress, "progress", opts.Progress, "Progress display: log|live|bar")
	f.StringVar(&opts.UserAgent, "user-agent", opts.UserAgent, "User-Agent sent with every request")
	f.BoolVar(&opts.DryRun, "dry-run", false, "Plan only: print the jobs and exit")
}

func runFetch(ctx context.Context, cmd *cobra.Command, ro *RootOpts, opts *fetchOptions) error {
	out := cmd.OutOrStdout()

	if opts.Source == "" || opts.Dest == "" {
		if !stdinIsTerminal() {
			return errors.New("missing --path and/or --dl-path (metadata directory and destination)")
		}
		askWorkers := !cmd.Flags().Changed("thread")
		askCaption := !cmd.Flags().Changed("no-caption")
		if err := promptMissing(cmd.InOrStdin(), out, opts, askWorkers, askCaption); err != nil {
			return err
		}
	}
	if err := validateFetchOptions(opts); err != nil {
		return err
	}

	// JSON events own stdout; logs move to stderr.
	logOut := out
	if ro.JSONOut {
		logOut = cmd.ErrOrStderr()
	}
	logger, err := newLogger(ro, logOut)
	if err != nil {
		return err
	}

	var events bulkfetch.ProgressFunc
	if ro.JSONOut {
		events = jsonProgress(out)
	}

	jobs, err := bulkfetch.ScanMetadata(ctx, opts.Source, opts.Dest, opts.NoCaption, func(ev bulkfetch.ProgressEvent) {
		if ev.Event == "scan_error" {
			logger.Warn("skipping metadata file", "file", ev.Path, "err", ev.Message)
		}
		if events != nil {
			events(ev)
		}
	})
	if err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}

	if opts.DryRun {
		return printPlan(out, ro.JSONOut, opts, jobs)
	}

	logger.Info(fmt.Sprintf("Loaded %d jobs from %s", len(jobs), opts.Source))
	logger.Info("Destination: " + opts.Dest)
	logger.Info(fmt.Sprintf("Workers: %d", opts.Workers))
	logger.Info("Caption export: " + onOff(!opts.NoCaption))

	settings := bulkfetch.Settings{
		Workers:     opts.Workers,
		SkipCaption: opts.NoCaption,
		ReDownload:  opts.ReDownload,
		Timeout:     opts.Timeout,
		UserAgent:   opts.UserAgent,
		Logger:      logger,
	}

	progress := events
	var closeUI func()
	if !ro.JSONOut {
		if settings.Logger, err = poolLogger(ro, opts.Progress, logger, cmd.ErrOrStderr()); err != nil {
			return err
		}
		switch strings.ToLower(opts.Progress) {
		case "live":
			ui := tui.NewLiveRenderer(tui.Header{
				Source:  opts.Source,
				Dest:    opts.Dest,
				Workers: opts.Workers,
				Caption: !opts.NoCaption,
			})
			progress, closeUI = ui.Handler(), ui.Close
		case "bar":
			bar := tui.NewBarRenderer(len(jobs), cmd.ErrOrStderr())
			progress, closeUI = bar.Handler(), bar.Close
		}
	}

	sum, err := bulkfetch.Run(ctx, jobs, settings, progress)
	if closeUI != nil {
		closeUI()
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("interrupted", "attempted", sum.Attempted, "of", len(jobs))
		}
		return err
	}

	logger.Info(fmt.Sprintf("Fetch completed. Images saved to %s", opts.Dest),
		"attempted", sum.Attempted,
		"downloaded", sum.Downloaded,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	return nil
}

// poolLogger returns the logger used while jobs run. The live renderer redraws
// stdout, so job warnings go to errOut instead; renderers only let warnings through.
func poolLogger(ro *RootOpts, mode string, base *slog.Logger, errOut io.Writer) (*slog.Logger, error) {
	switch strings.ToLower(mode) {
	case "live":
		l, err := newLogger(ro, errOut)
		if err != nil {
			return nil, err
		}
		return logging.WithMinLevel(l, slog.LevelWarn), nil
	case "bar":
		return logging.WithMinLevel(base, slog.LevelWarn), nil
	}
	return base, nil
}

func validateFetchOptions(opts *fetchOptions) error {
	if opts.Workers < 1 {
		return fmt.Errorf("%w (got %d)", bulkfetch.ErrInvalidWorkers, opts.Workers)
	}
	switch strings.ToLower(opts.Progress) {
	case "", "log", "live", "bar":
	default:
		return fmt.Errorf("unknown --progress %q (want log, live or bar)", opts.Progress)
	}
	if opts.Timeout != "" {
		if _, err := time.ParseDuration(opts.Timeout); err != nil {
			return fmt.Errorf("invalid --timeout %q: %w", opts.Timeout, err)
		}
	}
	return nil
}

func printPlan(w io.Writer, asJSON bool, opts *fetchOptions, jobs []bulkfetch.Job) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"source": opts.Source,
			"dest":   opts.Dest,
			"jobs":   jobs,
			"count":  len(jobs),
		})
	}
	fmt.Fprintf(w, "Plan for %s (%d jobs):\n", opts.Source, len(jobs))
	for _, j := range jobs {
		name, err := bulkfetch.FileNameFromURL(j.URL)
		if err != nil {
			name = "?"
		}
		fmt.Fprintf(w, "  %s -> %s  caption=%t\n", j.URL, filepath.Join(j.Dest, name), j.HasCaption())
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
