// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

const barTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{rtime . "ETA %s"}} {{string . "suffix"}}`

// BarRenderer is a single-line job counter for terminals where the live
// table is too much.
type BarRenderer struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

// NewBarRenderer starts a bar over total jobs writing to w.
func NewBarRenderer(total int, w io.Writer) *BarRenderer {
	bar := pb.ProgressBarTemplate(barTemplate).New(total)
	bar.SetWriter(w)
	bar.SetRefreshRate(200 * time.Millisecond)
	bar.Set("prefix", "fetch ")
	bar.Start()
	return &BarRenderer{bar: bar}
}

// Handler returns a ProgressFunc that moves the bar on every finished job.
func (b *BarRenderer) Handler() bulkfetch.ProgressFunc {
	return func(ev bulkfetch.ProgressEvent) {
		if ev.Snapshot == nil {
			return
		}
		switch ev.Event {
		case "progress", "done":
		default:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		// Snapshots can arrive out of order across workers.
		if c := int64(ev.Snapshot.Completed); c > b.bar.Current() {
			b.bar.SetCurrent(c)
		}
		if ev.Snapshot.Failed > 0 {
			b.bar.Set("suffix", "failed: "+strconv.Itoa(ev.Snapshot.Failed))
		}
	}
}

// Current reports the number of finished jobs shown.
func (b *BarRenderer) Current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bar.Current()
}

// Close finishes the bar.
func (b *BarRenderer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Finish()
}
