// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package bulkfetch downloads images listed in scraped metadata files with a
// fixed pool of workers.
//
// # Quick Start
//
//	jobs, err := bulkfetch.ScanMetadata(ctx, "./waifuc", "./dataset", false, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sum, err := bulkfetch.Run(ctx, jobs, bulkfetch.DefaultSettings(), nil)
//
// # Metadata
//
// Each *.json file under the metadata root holds one post record under its
// first key:
//
//	{
//	  "yande_123": {
//	    "file_url": "https://files.yande.re/image/abc/123.jpg",
//	    "tag_string": "1girl solo_focus red_hair"
//	  }
//	}
//
// Unreadable or malformed files are reported through the progress callback
// and skipped.
//
// # Files on disk
//
// The file name is the last segment of the URL path. Content is streamed to
// "<name>.tmp" and renamed when complete. A file that already exists under
// its final name is not fetched again unless Settings.ReDownload is set.
// When a job carries a caption, "<stem>.txt" receives the normalized tags
// (see NormalizeCaption).
//
// # Progress and failures
//
// Every finished job, successful or not, advances the shared counter once.
// Failures are logged to Settings.Logger and reported as "error" events; the
// remaining jobs keep going. After each job a "progress" event carries a
// Snapshot with percentage, throughput and ETA.
//
// # Concurrency
//
// ProgressFunc is called from worker goroutines and must be safe for
// concurrent use.
package bulkfetch
