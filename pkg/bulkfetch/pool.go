// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// fetchFunc fetches one job. It matches (*Fetcher).Fetch so tests can swap
// in an instantaneous or failing fetch.
type fetchFunc func(ctx context.Context, job Job, reDownload bool, emit func(ProgressEvent)) (string, bool, error)

// pool holds the state shared by all workers of one Run.
type pool struct {
	cfg      Settings
	fetch    fetchFunc
	progress *Progress
	emit     func(ProgressEvent)
	log      *slog.Logger
}

// Run fetches every job with cfg.Workers concurrent workers and blocks until
// the queue is drained.
//
// A failing job (network error, bad status, hash mismatch, write error) is
// logged and counted as completed; it never stops the other workers. Errors
// returned by Run are startup errors (invalid settings, a destination that
// cannot be created) or ctx cancellation.
//
// Cancellation: once ctx is done no further jobs are handed out and in-flight
// requests are aborted.
func Run(ctx context.Context, jobs []Job, cfg Settings, progress ProgressFunc) (Summary, error) {
	if err := validate(cfg); err != nil {
		return Summary{}, err
	}
	f, err := NewFetcher(cfg)
	if err != nil {
		return Summary{}, err
	}
	return run(ctx, jobs, cfg, f.Fetch, progress)
}

func run(ctx context.Context, jobs []Job, cfg Settings, fetch fetchFunc, progress ProgressFunc) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validate(cfg); err != nil {
		return Summary{}, err
	}
	if err := prepareDestinations(jobs); err != nil {
		return Summary{}, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &pool{
		cfg:      cfg,
		fetch:    fetch,
		progress: NewProgress(len(jobs)),
		log:      logger,
	}
	p.emit = func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		progress(ev)
	}

	queue := make(chan Job, cfg.Workers)

	var g errgroup.Group
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			p.worker(ctx, queue)
			return nil
		})
	}

LOOP:
	for _, job := range jobs {
		p.emit(ProgressEvent{Event: "plan_item", URL: job.URL, Path: displayName(job)})
		select {
		case queue <- job:
		case <-ctx.Done():
			break LOOP
		}
	}
	close(queue)
	_ = g.Wait()

	snap := p.progress.Snapshot()
	sum := Summary{
		Attempted:  snap.Completed,
		Downloaded: snap.Downloaded,
		Skipped:    snap.Skipped,
		Failed:     snap.Failed,
		Elapsed:    snap.Elapsed,
	}

	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	p.emit(ProgressEvent{
		Event:    "done",
		Message:  fmt.Sprintf("fetch complete (attempted %d, downloaded %d, skipped %d, failed %d)", sum.Attempted, sum.Downloaded, sum.Skipped, sum.Failed),
		Snapshot: &snap,
	})
	return sum, nil
}

// worker consumes jobs until the queue is closed or ctx is done.
func (p *pool) worker(ctx context.Context, queue <-chan Job) {
	for job := range queue {
		if ctx.Err() != nil {
			return
		}
		outcome := p.process(ctx, job)
		snap := p.progress.Done(outcome)
		p.log.Info(snap.String())
		p.emit(ProgressEvent{Event: "progress", URL: job.URL, Path: displayName(job), Snapshot: &snap})
	}
}

// process runs one job to completion. Every error stops here.
func (p *pool) process(ctx context.Context, job Job) Outcome {
	name := displayName(job)
	p.emit(ProgressEvent{Event: "file_start", URL: job.URL, Path: name})

	dst, skipped, err := p.fetchOne(ctx, job)
	if err != nil {
		ferr := &FetchError{URL: job.URL, Err: err}
		p.log.Error("fetch failed", "url", job.URL, "kind", ErrorKind(err), "err", err)
		p.emit(ProgressEvent{Level: "error", Event: "error", URL: job.URL, Path: name, Message: ferr.Error(), Kind: ErrorKind(err)})
		return OutcomeFailed
	}

	if job.HasCaption() && !p.cfg.SkipCaption {
		if _, cerr := WriteCaption(filepath.Dir(dst), filepath.Base(dst), *job.Caption); cerr != nil {
			p.log.Error("writing caption failed", "url", job.URL, "file", filepath.Base(dst), "err", cerr)
			p.emit(ProgressEvent{Level: "error", Event: "caption_error", URL: job.URL, Path: name, Message: cerr.Error()})
		}
	}

	if skipped {
		p.log.Debug("already present", "file", dst)
		p.emit(ProgressEvent{Event: "file_done", URL: job.URL, Path: name, Message: "skip (exists)"})
		return OutcomeSkipped
	}
	p.emit(ProgressEvent{Event: "file_done", URL: job.URL, Path: name})
	return OutcomeDownloaded
}

// fetchOne validates the job and guards against a panicking fetch.
func (p *pool) fetchOne(ctx context.Context, job Job) (dst string, skipped bool, err error) {
	if job.URL == "" {
		return "", false, ErrMissingURL
	}
	if job.Dest == "" {
		return "", false, ErrNoDestination
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.fetch(ctx, job, p.cfg.ReDownload, p.emit)
}

// validate checks the settings.
func validate(cfg Settings) error {
	if cfg.Workers < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidWorkers, cfg.Workers)
	}
	return nil
}

// prepareDestinations creates every distinct destination directory up front.
func prepareDestinations(jobs []Job) error {
	seen := make(map[string]struct{})
	for _, j := range jobs {
		if j.Dest == "" {
			continue
		}
		if _, ok := seen[j.Dest]; ok {
			continue
		}
		seen[j.Dest] = struct{}{}
		if err := os.MkdirAll(j.Dest, 0o755); err != nil {
			return fmt.Errorf("create destination %s: %w", j.Dest, err)
		}
	}
	return nil
}

// displayName is the name shown for a job in progress output.
func displayName(job Job) string {
	if name, err := fileNameFor(job); err == nil {
		return name
	}
	return job.URL
}
