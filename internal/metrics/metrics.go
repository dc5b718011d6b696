// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes fetch activity as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// Collector holds the bulkfetch metrics registered on one registry.
type Collector struct {
	jobsTotal     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	bytesTotal    prometheus.Counter
	fetchDuration prometheus.Histogram
	batchesActive prometheus.Gauge
}

// New creates and registers the collectors on reg.
//
// Metrics:
//   - bulkfetch_jobs_total{status}: finished jobs (downloaded, skipped, failed)
//   - bulkfetch_errors_total{kind}: failed jobs by error kind
//   - bulkfetch_bytes_total: bytes streamed to disk
//   - bulkfetch_fetch_duration_seconds: time from file_start to file_done/error
//   - bulkfetch_batches_active: batches currently running
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkfetch_jobs_total",
			Help: "Finished fetch jobs by status.",
		}, []string{"status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkfetch_errors_total",
			Help: "Failed fetch jobs by error kind.",
		}, []string{"kind"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkfetch_bytes_total",
			Help: "Bytes written to disk.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bulkfetch_fetch_duration_seconds",
			Help:    "Duration of single fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		batchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkfetch_batches_active",
			Help: "Batches currently running.",
		}),
	}
	reg.MustRegister(c.jobsTotal, c.errorsTotal, c.bytesTotal, c.fetchDuration, c.batchesActive)
	return c
}

// BatchStarted marks a batch as running.
func (c *Collector) BatchStarted() { c.batchesActive.Inc() }

// BatchFinished marks a batch as no longer running.
func (c *Collector) BatchFinished() { c.batchesActive.Dec() }

// Observer turns progress events of one run into metric updates.
// Safe for concurrent use.
type Observer struct {
	c       *Collector
	mu      sync.Mutex
	started map[string]time.Time
	bytes   map[string]int64
}

// Observer returns a fresh observer for one run.
func (c *Collector) Observer() *Observer {
	return &Observer{
		c:       c,
		started: make(map[string]time.Time),
		bytes:   make(map[string]int64),
	}
}

// Handle consumes one event.
func (o *Observer) Handle(ev bulkfetch.ProgressEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Event {
	case "file_start":
		o.started[ev.URL] = eventTime(ev)
		o.bytes[ev.URL] = 0
	case "file_progress":
		// Downloaded is cumulative per file, only count the delta.
		if d := ev.Downloaded - o.bytes[ev.URL]; d > 0 {
			o.c.bytesTotal.Add(float64(d))
			o.bytes[ev.URL] = ev.Downloaded
		}
	case "file_done":
		status := "downloaded"
		if ev.Message != "" {
			status = "skipped"
		}
		o.c.jobsTotal.WithLabelValues(status).Inc()
		o.finish(ev)
	case "error":
		o.c.jobsTotal.WithLabelValues("failed").Inc()
		kind := ev.Kind
		if kind == "" {
			kind = "unknown"
		}
		o.c.errorsTotal.WithLabelValues(kind).Inc()
		o.finish(ev)
	}
}

func (o *Observer) finish(ev bulkfetch.ProgressEvent) {
	if st, ok := o.started[ev.URL]; ok {
		o.c.fetchDuration.Observe(eventTime(ev).Sub(st).Seconds())
	}
	delete(o.started, ev.URL)
	delete(o.bytes, ev.URL)
}

func eventTime(ev bulkfetch.ProgressEvent) time.Time {
	if ev.Time.IsZero() {
		return time.Now()
	}
	return ev.Time
}
