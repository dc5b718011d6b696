// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"log/slog"
	"time"
)

// Job is one resource to fetch plus its optional caption.
//
// Jobs are usually produced by ScanMetadata, one per metadata record, and are
// never modified after they are handed to Run.
//
// Example:
//
//	tags := "1girl solo_focus red_hair"
//	job := bulkfetch.Job{
//	    URL:     "https://files.yande.re/image/abc/123.jpg",
//	    Dest:    "./dataset",
//	    Caption: &tags,
//	}
type Job struct {
	// URL is the resource to fetch. Required.
	URL string `json:"url"`

	// Dest is the directory the file is written to. Required.
	Dest string `json:"dest"`

	// Caption holds the raw tag string. When non-nil and non-empty a sidecar
	// "<stem>.txt" is written next to the fetched file.
	Caption *string `json:"caption,omitempty"`

	// FileName overrides the name derived from the URL path.
	FileName string `json:"fileName,omitempty"`

	// SHA256Prefix, when set, must prefix the hex SHA-256 of the fetched
	// content or the job fails and nothing is published under the final name.
	SHA256Prefix string `json:"sha256,omitempty"`
}

// HasCaption reports whether a sidecar caption should be written.
func (j Job) HasCaption() bool {
	return j.Caption != nil && *j.Caption != ""
}

// Settings configures a fetch run.
//
// Example:
//
//	cfg := bulkfetch.DefaultSettings()
//	cfg.Workers = 8
//	cfg.Logger = logger
type Settings struct {
	// Workers is the number of concurrent fetch workers. Must be >= 1.
	Workers int `json:"thread"`

	// SkipCaption disables sidecar caption export. Honoured by ScanMetadata
	// and by Run (captions on jobs are ignored when set).
	SkipCaption bool `json:"noCaption"`

	// ReDownload forces a fetch even when the final file already exists.
	ReDownload bool `json:"reDownload"`

	// Timeout bounds a single HTTP exchange, e.g. "60s". Empty means none.
	Timeout string `json:"timeout,omitempty"`

	// UserAgent is sent with every request.
	UserAgent string `json:"userAgent,omitempty"`

	// Logger receives per-job failures and one progress line per finished job.
	// Nil discards.
	Logger *slog.Logger `json:"-"`
}

// DefaultSettings returns Settings with defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		Workers:   16,
		Timeout:   "",
		UserAgent: "bulkfetch/1",
	}
}

// ProgressEvent reports what the pool is doing.
//
// Event types:
//   - "scan_start": metadata scanning has begun
//   - "scan_error": a metadata file was skipped (Message holds the reason)
//   - "plan_item": a job has been queued
//   - "file_start": a worker picked up a job
//   - "file_progress": bytes streamed so far for Path
//   - "file_done": job finished (Message "skip (exists)" when nothing was fetched)
//   - "caption_error": the sidecar caption could not be written
//   - "error": the job failed
//   - "progress": aggregate snapshot after a job finished
//   - "done": every job has been processed
type ProgressEvent struct {
	Time       time.Time `json:"time"`
	Level      string    `json:"level,omitempty"`
	Event      string    `json:"event"`
	URL        string    `json:"url,omitempty"`
	Path       string    `json:"path,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Message    string    `json:"message,omitempty"`
	Kind       string    `json:"kind,omitempty"` // error classification, see ErrorKind
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// ProgressFunc receives progress events. It is called from every worker
// goroutine and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// Summary is what Run reports once the queue is drained.
type Summary struct {
	Attempted  int           `json:"attempted"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
}
