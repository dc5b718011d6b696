// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

func TestLiveRenderer_RenderPlain(t *testing.T) {
	var buf bytes.Buffer
	lr := newLiveRenderer(Header{Source: "meta", Dest: "out", Workers: 4, Caption: true}, &buf, false)

	lr.apply(bulkfetch.ProgressEvent{Event: "plan_item", Path: "a.jpg"})
	lr.apply(bulkfetch.ProgressEvent{Event: "plan_item", Path: "b.jpg"})
	lr.apply(bulkfetch.ProgressEvent{Event: "file_start", Path: "a.jpg"})
	lr.apply(bulkfetch.ProgressEvent{Event: "file_progress", Path: "a.jpg", Downloaded: 512, Total: 1024})
	lr.apply(bulkfetch.ProgressEvent{Event: "error", Path: "b.jpg", Message: "fetch https://x/b.jpg: 404 Not Found"})
	lr.apply(bulkfetch.ProgressEvent{Event: "progress", Snapshot: &bulkfetch.Snapshot{Total: 2, Completed: 1, Failed: 1}})

	lr.render(true)
	out := buf.String()

	for _, want := range []string{"Source: meta", "Dest: out", "Workers: 4", "1/2", "fail:1", "a.jpg", "b.jpg", "404 Not Found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output contains ANSI escapes")
	}
}

func TestLiveRenderer_IgnoresStaleSnapshot(t *testing.T) {
	lr := newLiveRenderer(Header{}, &bytes.Buffer{}, false)
	lr.apply(bulkfetch.ProgressEvent{Event: "progress", Snapshot: &bulkfetch.Snapshot{Total: 3, Completed: 2}})
	lr.apply(bulkfetch.ProgressEvent{Event: "progress", Snapshot: &bulkfetch.Snapshot{Total: 3, Completed: 1}})
	if lr.snap.Completed != 2 {
		t.Fatalf("completed = %d, want 2", lr.snap.Completed)
	}
}

func TestLiveRenderer_SkipStatus(t *testing.T) {
	lr := newLiveRenderer(Header{}, &bytes.Buffer{}, false)
	lr.apply(bulkfetch.ProgressEvent{Event: "file_done", Path: "a.jpg", Message: "skip (exists)"})
	lr.apply(bulkfetch.ProgressEvent{Event: "file_done", Path: "b.jpg"})
	if got := lr.files["a.jpg"].status; got != "skip" {
		t.Errorf("a.jpg status = %q", got)
	}
	if got := lr.files["b.jpg"].status; got != "done" {
		t.Errorf("b.jpg status = %q", got)
	}
}

func TestLiveRenderer_CloseDrains(t *testing.T) {
	var buf bytes.Buffer
	lr := newLiveRenderer(Header{Source: "s", Dest: "d"}, &buf, false)
	go lr.loop()

	h := lr.Handler()
	h(bulkfetch.ProgressEvent{Event: "done", Snapshot: &bulkfetch.Snapshot{Total: 5, Completed: 5, Downloaded: 5}})

	done := make(chan struct{})
	go func() {
		lr.Close()
		lr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if !strings.Contains(buf.String(), "5/5") {
		t.Errorf("final frame missing totals:\n%s", buf.String())
	}
}

func TestHelpers(t *testing.T) {
	if got := humanBytes(512); got != "512 B" {
		t.Errorf("humanBytes(512) = %q", got)
	}
	if got := humanBytes(1536); got != "1.5 KiB" {
		t.Errorf("humanBytes(1536) = %q", got)
	}
	if got := renderBar(10, 0.5); got != "█████░░░░░" {
		t.Errorf("renderBar = %q", got)
	}
	if got := ellipsizeMiddle("abcdefghijklmnop", 9); got != "abc...nop" {
		t.Errorf("ellipsizeMiddle = %q", got)
	}
	if got := percent(0.42); got != " 42%" {
		t.Errorf("percent = %q", got)
	}
}

func TestBarRenderer_TracksCompleted(t *testing.T) {
	var buf bytes.Buffer
	b := NewBarRenderer(3, &buf)
	h := b.Handler()

	h(bulkfetch.ProgressEvent{Event: "file_start"})
	h(bulkfetch.ProgressEvent{Event: "progress", Snapshot: &bulkfetch.Snapshot{Total: 3, Completed: 2}})
	h(bulkfetch.ProgressEvent{Event: "progress", Snapshot: &bulkfetch.Snapshot{Total: 3, Completed: 1}})
	if got := b.Current(); got != 2 {
		t.Fatalf("current = %d, want 2", got)
	}
	h(bulkfetch.ProgressEvent{Event: "done", Snapshot: &bulkfetch.Snapshot{Total: 3, Completed: 3, Failed: 1}})
	b.Close()
	if got := b.Current(); got != 3 {
		t.Fatalf("current = %d, want 3", got)
	}
}
