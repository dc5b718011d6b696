// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/VividCortex/ewma"
	"golang.org/x/term"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// Header is the run description shown at the top of the live view.
type Header struct {
	Source  string
	Dest    string
	Workers int
	Caption bool
}

// LiveRenderer renders an adaptive, colourful progress table.
//   - Uses ANSI when available; plain text fallback otherwise.
//   - Adapts to terminal width/height.
//   - Shows totals, throughput, ETA and active/recent files.
type LiveRenderer struct {
	hdr Header
	out io.Writer

	mu       sync.Mutex
	events   chan bulkfetch.ProgressEvent
	done     chan struct{}
	finished chan struct{}
	stopped  bool
	hideCur  bool
	supports bool // ANSI + interactive
	noColor  bool

	snap  bulkfetch.Snapshot
	total int
	files map[string]*fileState

	// byte throughput, smoothed
	speed     ewma.MovingAverage
	lastBytes int64
	lastTick  time.Time
}

type fileState struct {
	name   string
	total  int64
	bytes  int64
	status string // "queued","downloading","done","skip","error"
	err    string
	seen   time.Time
}

// speedAge gives the moving average a decay of 2/(age+1) ≈ 0.3.
const speedAge = 5.67

// NewLiveRenderer starts a renderer writing to stdout.
func NewLiveRenderer(hdr Header) *LiveRenderer {
	lr := newLiveRenderer(hdr, os.Stdout, isInteractive() && ansiOkay())
	if lr.supports && !lr.noColor {
		fmt.Fprint(lr.out, "\x1b[?25l")
		lr.hideCur = true
	}
	go lr.loop()
	return lr
}

func newLiveRenderer(hdr Header, out io.Writer, supports bool) *LiveRenderer {
	return &LiveRenderer{
		hdr:      hdr,
		out:      out,
		events:   make(chan bulkfetch.ProgressEvent, 2048),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		supports: supports,
		noColor:  os.Getenv("NO_COLOR") != "",
		files:    map[string]*fileState{},
		speed:    ewma.NewMovingAverage(speedAge),
	}
}

// Close stops the renderer, draws the final frame and restores the terminal.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	close(lr.done)
	lr.mu.Unlock()

	<-lr.finished
	if lr.hideCur {
		fmt.Fprint(lr.out, "\x1b[?25h")
	}
	fmt.Fprintln(lr.out)
}

// Handler returns a ProgressFunc that feeds events to the renderer.
func (lr *LiveRenderer) Handler() bulkfetch.ProgressFunc {
	return func(ev bulkfetch.ProgressEvent) {
		select {
		case lr.events <- ev:
		default:
			// Drop events if the UI is congested; progress snapshots are cumulative.
		}
	}
}

func (lr *LiveRenderer) loop() {
	defer close(lr.finished)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lr.done:
		DRAIN:
			for {
				select {
				case ev := <-lr.events:
					lr.apply(ev)
				default:
					break DRAIN
				}
			}
			lr.render(true)
			return
		case ev := <-lr.events:
			lr.apply(ev)
		case <-ticker.C:
			lr.render(false)
		}
	}
}

func (lr *LiveRenderer) apply(ev bulkfetch.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	switch ev.Event {
	case "plan_item":
		fs := lr.ensure(ev.Path)
		fs.status = "queued"
		lr.total++
	case "file_start":
		fs := lr.ensure(ev.Path)
		fs.status = "downloading"
		fs.seen = time.Now()
	case "file_progress":
		fs := lr.ensure(ev.Path)
		if ev.Total > 0 {
			fs.total = ev.Total
		}
		fs.bytes = ev.Downloaded
	case "file_done":
		fs := lr.ensure(ev.Path)
		if strings.HasPrefix(strings.ToLower(ev.Message), "skip") {
			fs.status = "skip"
		} else {
			fs.status = "done"
		}
		fs.seen = time.Now()
	case "error":
		fs := lr.ensure(ev.Path)
		fs.status = "error"
		fs.err = ev.Message
		fs.seen = time.Now()
	case "progress", "done":
		if ev.Snapshot != nil && ev.Snapshot.Completed >= lr.snap.Completed {
			lr.snap = *ev.Snapshot
		}
	}
}

func (lr *LiveRenderer) ensure(name string) *fileState {
	if fs, ok := lr.files[name]; ok {
		return fs
	}
	fs := &fileState{name: name}
	lr.files[name] = fs
	return fs
}

func (lr *LiveRenderer) render(final bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	w, h := termSize()
	if w < 70 {
		w = 70
	}
	if h < 12 {
		h = 12
	}

	var aggBytes int64
	var active, recent []*fileState
	for _, fs := range lr.files {
		aggBytes += fs.bytes
		switch fs.status {
		case "downloading":
			active = append(active, fs)
		case "done", "skip", "error":
			recent = append(recent, fs)
		}
	}

	now := time.Now()
	if !lr.lastTick.IsZero() {
		if dt := now.Sub(lr.lastTick).Seconds(); dt > 0.05 {
			if inst := float64(aggBytes-lr.lastBytes) / dt; inst >= 0 {
				lr.speed.Add(inst)
			}
			lr.lastTick, lr.lastBytes = now, aggBytes
		}
	} else {
		lr.lastTick, lr.lastBytes = now, aggBytes
	}

	total := lr.snap.Total
	if total == 0 {
		total = lr.total
	}
	prog := 0.0
	if total > 0 {
		prog = float64(lr.snap.Completed) / float64(total)
	}
	eta := "N/A"
	if lr.snap.ETAKnown {
		eta = bulkfetch.FormatClock(lr.snap.ETA)
	}

	if lr.supports {
		fmt.Fprint(lr.out, "\x1b[H\x1b[2J")
	}

	fmt.Fprintln(lr.out, lr.colorize(lr.bold(fmt.Sprintf("Source: %s   Dest: %s", lr.hdr.Source, lr.hdr.Dest)), "fg=cyan"))
	fmt.Fprintln(lr.out, lr.dim(fmt.Sprintf("Workers: %d   Captions: %v", lr.hdr.Workers, lr.hdr.Caption)))

	bar := renderBar(int(float64(w)*0.4), prog)
	fmt.Fprintf(lr.out, "%s  %s  %d/%d  %s  %.2f it/s  %s/s  ETA %s\n",
		lr.colorize(bar, "fg=green"),
		percent(prog),
		lr.snap.Completed, total,
		lr.counts(),
		lr.snap.Rate,
		humanBytes(int64(lr.speed.Value())),
		eta,
	)

	fmt.Fprintln(lr.out)
	fmt.Fprintln(lr.out, headerRow([]string{"Status", "File", "Progress"}, w, lr))

	maxRows := h - 8
	if maxRows < 3 {
		maxRows = 3
	}
	sort.Slice(active, func(i, j int) bool { return active[i].bytes > active[j].bytes })
	sort.Slice(recent, func(i, j int) bool { return recent[i].seen.After(recent[j].seen) })

	shown := 0
	for _, list := range [][]*fileState{active, recent} {
		for _, fs := range list {
			if shown >= maxRows {
				break
			}
			fmt.Fprintln(lr.out, lr.renderFileRow(fs, w))
			shown++
		}
	}

	if lr.supports && !final {
		fmt.Fprintln(lr.out, lr.dim(fmt.Sprintf("Press Ctrl+C to cancel • %s %s", runtime.GOOS, runtime.GOARCH)))
	}
}

func (lr *LiveRenderer) counts() string {
	return fmt.Sprintf("%s %s %s",
		lr.colorize(fmt.Sprintf("ok:%d", lr.snap.Downloaded), "fg=green"),
		lr.colorize(fmt.Sprintf("skip:%d", lr.snap.Skipped), "fg=blue"),
		lr.colorize(fmt.Sprintf("fail:%d", lr.snap.Failed), "fg=red"),
	)
}

func (lr *LiveRenderer) renderFileRow(fs *fileState, w int) string {
	statusW := 12
	remain := w - statusW - 4
	fileW := remain / 2
	if fileW < 18 {
		fileW = 18
	}
	progressW := remain - fileW

	var st, col string
	switch fs.status {
	case "downloading":
		st, col = "▶", "fg=yellow"
	case "done":
		st, col = "✓", "fg=green"
	case "skip":
		st, col = "•", "fg=blue"
	case "error":
		st, col = "×", "fg=red"
	default:
		st, col = "…", "fg=magenta"
	}
	status := pad(lr.colorize(st+" "+fs.status, col), statusW)
	name := ellipsizeMiddle(fs.name, fileW)

	var detail string
	switch {
	case fs.status == "error":
		detail = ellipsizeMiddle(fs.err, progressW)
	case fs.total > 0:
		p := float64(fs.bytes) / float64(fs.total)
		if p > 1 {
			p = 1
		}
		detail = renderBar(progressW-20, p) + fmt.Sprintf(" %s/%s", humanBytes(fs.bytes), humanBytes(fs.total))
	default:
		detail = humanBytes(fs.bytes)
	}
	if utf8.RuneCountInString(detail) > progressW {
		detail = string([]rune(detail)[:progressW])
	}
	return fmt.Sprintf("%s  %s  %s", status, name, detail)
}

func headerRow(cols []string, w int, lr *LiveRenderer) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = lr.bold(c)
	}
	return strings.Join(parts, "  ")
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return pad(s, w)
	}
	runes := []rune(s)
	half := (w - 3) / 2
	return pad(string(runes[:half])+"..."+string(runes[len(runes)-half:]), w)
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	if p < 0 {
		p = 0
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 5 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func ansiOkay() bool {
	return strings.ToLower(os.Getenv("TERM")) != "dumb"
}

func (lr *LiveRenderer) colorize(s, style string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	switch style {
	case "fg=green":
		return "\x1b[32m" + s + "\x1b[0m"
	case "fg=yellow":
		return "\x1b[33m" + s + "\x1b[0m"
	case "fg=red":
		return "\x1b[31m" + s + "\x1b[0m"
	case "fg=blue":
		return "\x1b[34m" + s + "\x1b[0m"
	case "fg=magenta":
		return "\x1b[35m" + s + "\x1b[0m"
	case "fg=cyan":
		return "\x1b[36m" + s + "\x1b[0m"
	default:
		return s
	}
}

func (lr *LiveRenderer) bold(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

func (lr *LiveRenderer) dim(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[2m" + s + "\x1b[0m"
}
