// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"fmt"
	"sync"
	"time"
)

// Outcome is how a single job ended.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is the shared job counter. All mutation goes through Done.
type Progress struct {
	mu         sync.Mutex
	total      int
	completed  int
	downloaded int
	skipped    int
	failed     int
	start      time.Time
	now        func() time.Time
}

// NewProgress starts counting total jobs from now.
func NewProgress(total int) *Progress {
	return &Progress{total: total, start: time.Now(), now: time.Now}
}

// Done records one finished job and returns the resulting snapshot.
// Completed never passes total.
func (p *Progress) Done(o Outcome) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed < p.total {
		p.completed++
		switch o {
		case OutcomeDownloaded:
			p.downloaded++
		case OutcomeSkipped:
			p.skipped++
		case OutcomeFailed:
			p.failed++
		}
	}
	return p.snapshotLocked()
}

// Snapshot returns the current state without changing it.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Progress) snapshotLocked() Snapshot {
	s := Snapshot{
		Total:      p.total,
		Completed:  p.completed,
		Downloaded: p.downloaded,
		Skipped:    p.skipped,
		Failed:     p.failed,
		Elapsed:    p.now().Sub(p.start),
	}
	if s.Completed > 0 && s.Elapsed > 0 {
		s.Rate = float64(s.Completed) / s.Elapsed.Seconds()
	}
	if s.Rate > 0 {
		s.ETA = time.Duration(float64(s.Total-s.Completed) / s.Rate * float64(time.Second))
		s.ETAKnown = true
	}
	return s
}

// Snapshot is an immutable view of Progress.
type Snapshot struct {
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
	Rate       float64       `json:"rate"` // jobs per second
	ETA        time.Duration `json:"eta"`
	ETAKnown   bool          `json:"etaKnown"`
}

// Percent is the completed share in [0, 100].
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// String renders the progress line, e.g.
// "Progress: 42.00% | 42/100 [00:00:10<00:00:13, 4.20it/s]".
func (s Snapshot) String() string {
	eta := "N/A"
	if s.ETAKnown {
		eta = FormatClock(s.ETA)
	}
	return fmt.Sprintf("Progress: %.2f%% | %d/%d [%s<%s, %.2fit/s]",
		s.Percent(), s.Completed, s.Total, FormatClock(s.Elapsed), eta, s.Rate)
}

// FormatClock renders d as HH:MM:SS.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
