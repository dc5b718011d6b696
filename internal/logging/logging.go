// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configures New.
type Options struct {
	Name    string     // shown as "[name]"
	Level   slog.Level // minimum level
	JSON    bool       // emit slog JSON records instead of text
	NoColor bool       // disable level colouring
	Writer  io.Writer  // defaults to os.Stdout
}

// New returns a logger writing "[name]-|15:04:05|-LEVEL: message k=v" lines,
// or JSON records when opts.JSON is set.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	}
	return slog.New(NewHandler(w, opts))
}

// ParseLevel accepts debug, info, warn/warning, error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Handler is a slog.Handler for humans.
type Handler struct {
	w      io.Writer
	mu     *sync.Mutex
	name   string
	level  slog.Leveler
	colors map[slog.Level]*color.Color
	attrs  []slog.Attr
	group  string
	now    func() time.Time
}

// NewHandler creates a text handler writing to w.
func NewHandler(w io.Writer, opts Options) *Handler {
	h := &Handler{
		w:     w,
		mu:    &sync.Mutex{},
		name:  opts.Name,
		level: opts.Level,
		colors: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgCyan),
			slog.LevelInfo:  color.New(color.FgGreen),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed),
		},
		now: time.Now,
	}
	for _, c := range h.colors {
		if opts.NoColor {
			c.DisableColor()
		}
	}
	return h
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.name != "" {
		b.WriteString("[" + h.name + "]-")
	}
	ts := r.Time
	if ts.IsZero() {
		ts = h.now()
	}
	b.WriteString("|" + ts.Format("15:04:05") + "|-")
	b.WriteString(h.levelLabel(r.Level))
	b.WriteString(": ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func (h *Handler) levelLabel(l slog.Level) string {
	var c *color.Color
	switch {
	case l >= slog.LevelError:
		c = h.colors[slog.LevelError]
	case l >= slog.LevelWarn:
		c = h.colors[slog.LevelWarn]
	case l >= slog.LevelInfo:
		c = h.colors[slog.LevelInfo]
	default:
		c = h.colors[slog.LevelDebug]
	}
	return c.Sprint(l.String())
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteString(" " + key + "=" + val)
}

// WithMinLevel returns a logger that drops records below min, whatever the
// level of l.
func WithMinLevel(l *slog.Logger, min slog.Level) *slog.Logger {
	return slog.New(&minLevelHandler{Handler: l.Handler(), min: min})
}

type minLevelHandler struct {
	slog.Handler
	min slog.Level
}

func (h *minLevelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.Handler.Enabled(ctx, l)
}

func (h *minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *minLevelHandler) WithGroup(name string) slog.Handler {
	return &minLevelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
