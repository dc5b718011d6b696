// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imgkit/bulkfetch/internal/metrics"
	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// BatchStatus represents the state of a batch.
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "queued"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// maxFailures bounds the failures kept per batch.
const maxFailures = 100

var (
	// ErrPathEscape is returned when a requested path leaves its root.
	ErrPathEscape = errors.New("path escapes configured root")
	// ErrSourceNotFound is returned when the metadata directory does not exist.
	ErrSourceNotFound = errors.New("metadata directory not found")
)

// Batch is one metadata directory fetched into one destination.
type Batch struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Dest       string        `json:"dest"`
	NoCaption  bool          `json:"noCaption,omitempty"`
	ReDownload bool          `json:"reDownload,omitempty"`
	Workers    int           `json:"workers"`
	Status     BatchStatus   `json:"status"`
	Progress   BatchProgress `json:"progress"`
	Failures   []BatchError  `json:"failures,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`

	cancel context.CancelFunc
}

// BatchProgress holds aggregate progress info.
type BatchProgress struct {
	TotalJobs       int     `json:"totalJobs"`
	Completed       int     `json:"completed"`
	Downloaded      int     `json:"downloaded"`
	Skipped         int     `json:"skipped"`
	Failed          int     `json:"failed"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	Rate            float64 `json:"rate"`
	ETASeconds      float64 `json:"etaSeconds,omitempty"`
	Percent         float64 `json:"percent"`
}

// BatchError records one failed job.
type BatchError struct {
	URL     string `json:"url"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (b *Batch) active() bool {
	return b.Status == BatchStatusQueued || b.Status == BatchStatusRunning
}

// clone returns a copy safe to hand out while the batch keeps running.
func (b *Batch) clone() *Batch {
	c := *b
	c.Failures = append([]BatchError(nil), b.Failures...)
	c.cancel = nil
	return &c
}

type (
	scanFunc func(ctx context.Context, root, dest string, skipCaption bool, progress bulkfetch.ProgressFunc) ([]bulkfetch.Job, error)
	runFunc  func(ctx context.Context, jobs []bulkfetch.Job, cfg bulkfetch.Settings, progress bulkfetch.ProgressFunc) (bulkfetch.Summary, error)
)

// BatchManager runs batches and tracks their state.
type BatchManager struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	config  *Config
	cfgMu   *sync.RWMutex

	listeners  []chan *Batch
	listenerMu sync.RWMutex

	wsHub   *WSHub
	metrics *metrics.Collector
	log     *slog.Logger

	scan scanFunc
	run  runFunc
	wg   sync.WaitGroup
}

// NewBatchManager creates a batch manager. cfg is shared with the server and
// read under cfgMu.
func NewBatchManager(cfg *Config, cfgMu *sync.RWMutex, wsHub *WSHub, mc *metrics.Collector, logger *slog.Logger) *BatchManager {
	return &BatchManager{
		batches: make(map[string]*Batch),
		config:  cfg,
		cfgMu:   cfgMu,
		wsHub:   wsHub,
		metrics: mc,
		log:     logger,
		scan:    bulkfetch.ScanMetadata,
		run:     bulkfetch.Run,
	}
}

// CreateBatch validates req and starts a batch.
// Returns the existing batch if one with the same source and dest is active.
func (m *BatchManager) CreateBatch(req BatchRequest) (*Batch, bool, error) {
	m.cfgMu.RLock()
	cfg := *m.config
	m.cfgMu.RUnlock()

	source, err := resolveUnder(cfg.MetadataRoot, req.Source)
	if err != nil {
		return nil, false, fmt.Errorf("source: %w", err)
	}
	dest, err := resolveUnder(cfg.OutputRoot, req.Dest)
	if err != nil {
		return nil, false, fmt.Errorf("dest: %w", err)
	}
	if fi, err := os.Stat(source); err != nil || !fi.IsDir() {
		return nil, false, fmt.Errorf("%w: %s", ErrSourceNotFound, req.Source)
	}

	workers := req.Workers
	if workers == 0 {
		workers = cfg.Workers
	}
	if workers < 1 {
		return nil, false, fmt.Errorf("%w (got %d)", bulkfetch.ErrInvalidWorkers, workers)
	}

	m.mu.Lock()
	for _, existing := range m.batches {
		if existing.Source == source && existing.Dest == dest && existing.active() {
			c := existing.clone()
			m.mu.Unlock()
			return c, true, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batch{
		ID:         uuid.NewString(),
		Source:     source,
		Dest:       dest,
		NoCaption:  req.NoCaption,
		ReDownload: req.ReDownload,
		Workers:    workers,
		Status:     BatchStatusQueued,
		CreatedAt:  time.Now(),
		cancel:     cancel,
	}
	m.batches[b.ID] = b
	c := b.clone()
	m.mu.Unlock()

	settings := bulkfetch.Settings{
		Workers:     workers,
		SkipCaption: req.NoCaption,
		ReDownload:  req.ReDownload,
		Timeout:     cfg.Timeout,
		UserAgent:   cfg.UserAgent,
		Logger:      m.log.With("batch", b.ID),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runBatch(ctx, b, settings)
	}()

	return c, false, nil
}

// Plan scans a metadata directory without fetching anything.
func (m *BatchManager) Plan(ctx context.Context, req BatchRequest) ([]bulkfetch.Job, error) {
	m.cfgMu.RLock()
	cfg := *m.config
	m.cfgMu.RUnlock()

	source, err := resolveUnder(cfg.MetadataRoot, req.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dest, err := resolveUnder(cfg.OutputRoot, req.Dest)
	if err != nil {
		return nil, fmt.Errorf("dest: %w", err)
	}
	if fi, err := os.Stat(source); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, req.Source)
	}
	return m.scan(ctx, source, dest, req.NoCaption, nil)
}

// GetBatch retrieves a copy of a batch by ID.
func (m *BatchManager) GetBatch(id string) (*Batch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// ListBatches returns copies of all batches, oldest first.
func (m *BatchManager) ListBatches() []*Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelBatch cancels a running or queued batch.
func (m *BatchManager) CancelBatch(id string) bool {
	m.mu.Lock()
	b, ok := m.batches[id]
	if !ok || !b.active() {
		m.mu.Unlock()
		return false
	}
	b.cancel()
	b.Status = BatchStatusCancelled
	now := time.Now()
	b.EndedAt = &now
	c := b.clone()
	m.mu.Unlock()

	m.notifyListeners(c)
	return true
}

// Shutdown cancels every active batch and waits for them to stop.
func (m *BatchManager) Shutdown() {
	m.mu.Lock()
	for _, b := range m.batches {
		if b.active() {
			b.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Subscribe adds a listener for batch updates.
func (m *BatchManager) Subscribe() chan *Batch {
	ch := make(chan *Batch, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *BatchManager) Unsubscribe(ch chan *Batch) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *BatchManager) notifyListeners(b *Batch) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- b:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastBatch(b)
	}
}

func (m *BatchManager) runBatch(ctx context.Context, b *Batch, settings bulkfetch.Settings) {
	m.mu.Lock()
	if b.Status == BatchStatusCancelled {
		m.mu.Unlock()
		return
	}
	b.Status = BatchStatusRunning
	now := time.Now()
	b.StartedAt = &now
	c := b.clone()
	m.mu.Unlock()
	m.notifyListeners(c)

	var obs *metrics.Observer
	if m.metrics != nil {
		m.metrics.BatchStarted()
		defer m.metrics.BatchFinished()
		obs = m.metrics.Observer()
	}

	bytes := make(map[string]int64)
	progress := func(ev bulkfetch.ProgressEvent) {
		if obs != nil {
			obs.Handle(ev)
		}

		m.mu.Lock()
		switch ev.Event {
		case "plan_item":
			b.Progress.TotalJobs++
		case "file_progress":
			if d := ev.Downloaded - bytes[ev.URL]; d > 0 {
				b.Progress.DownloadedBytes += d
				bytes[ev.URL] = ev.Downloaded
			}
		case "file_done":
			delete(bytes, ev.URL)
		case "error":
			delete(bytes, ev.URL)
			if len(b.Failures) < maxFailures {
				b.Failures = append(b.Failures, BatchError{URL: ev.URL, Kind: ev.Kind, Message: ev.Message})
			}
		case "progress", "done":
			if ev.Snapshot != nil && ev.Snapshot.Completed >= b.Progress.Completed {
				applySnapshot(&b.Progress, *ev.Snapshot)
			}
		}
		c := b.clone()
		m.mu.Unlock() // Unlock before notifying to avoid deadlock

		switch ev.Event {
		case "file_progress", "plan_item":
			// Too chatty for listeners; picked up by the next update.
		default:
			m.notifyListeners(c)
		}
	}

	jobs, err := m.scan(ctx, b.Source, b.Dest, settings.SkipCaption, progress)
	var sum bulkfetch.Summary
	if err == nil {
		m.log.Info("batch started", "batch", b.ID, "jobs", len(jobs), "dest", b.Dest, "workers", settings.Workers)
		sum, err = m.run(ctx, jobs, settings, progress)
	}

	m.mu.Lock()
	end := time.Now()
	b.EndedAt = &end
	switch {
	case ctx.Err() != nil:
		b.Status = BatchStatusCancelled
	case err != nil:
		b.Status = BatchStatusFailed
		b.Error = err.Error()
	default:
		b.Status = BatchStatusCompleted
	}
	c = b.clone()
	m.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		m.log.Error("batch failed", "batch", b.ID, "err", err)
	} else {
		m.log.Info("batch finished", "batch", b.ID, "status", c.Status,
			"downloaded", sum.Downloaded, "skipped", sum.Skipped, "failed", sum.Failed)
	}
	m.notifyListeners(c)
}

func applySnapshot(p *BatchProgress, s bulkfetch.Snapshot) {
	p.TotalJobs = s.Total
	p.Completed = s.Completed
	p.Downloaded = s.Downloaded
	p.Skipped = s.Skipped
	p.Failed = s.Failed
	p.Rate = s.Rate
	p.Percent = s.Percent()
	p.ETASeconds = 0
	if s.ETAKnown {
		p.ETASeconds = s.ETA.Seconds()
	}
}

// resolveUnder joins rel onto root and rejects results outside root.
func resolveUnder(root, rel string) (string, error) {
	if root == "" {
		root = "."
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, rel)
	r, err := filepath.Rel(base, full)
	if err != nil {
		return "", err
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return full, nil
}
