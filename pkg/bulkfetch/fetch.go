// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	url        string
	path       string
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, total int64, rawURL, path string, emit func(ProgressEvent)) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		url:      rawURL,
		path:     path,
		emit:     emit,
		lastEmit: time.Now(),
		interval: 200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	pr.downloaded += int64(n)
	// Always report EOF so the last update carries the full size.
	if (n > 0 && time.Since(pr.lastEmit) >= pr.interval) || err == io.EOF {
		pr.emit(ProgressEvent{
			Event:      "file_progress",
			URL:        pr.url,
			Path:       pr.path,
			Downloaded: pr.downloaded,
			Total:      pr.total,
		})
		pr.lastEmit = time.Now()
	}
	return n, err
}

// Fetcher streams single resources to disk.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewFetcher builds a Fetcher from settings.
func NewFetcher(cfg Settings) (*Fetcher, error) {
	httpc := buildHTTPClient()
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		httpc.Timeout = d
	}
	return &Fetcher{Client: httpc, UserAgent: defaultString(cfg.UserAgent, "bulkfetch/1")}, nil
}

// buildHTTPClient creates an HTTP client with sensible defaults.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// Fetch downloads job.URL into job.Dest and returns the final path.
//
// The body is streamed to "<name>.tmp" and renamed once complete, so a
// half-written file never appears under the final name. An existing final
// file is kept and reported as skipped unless reDownload is set. When the job
// carries a hash prefix the temporary file is checked first and removed on
// mismatch.
func (f *Fetcher) Fetch(ctx context.Context, job Job, reDownload bool, emit func(ProgressEvent)) (string, bool, error) {
	if emit == nil {
		emit = func(ProgressEvent) {}
	}
	name, err := fileNameFor(job)
	if err != nil {
		return "", false, err
	}
	dst := filepath.Join(job.Dest, name)

	if !reDownload && alreadyFetched(dst) {
		return dst, true, nil
	}
	if err := os.MkdirAll(job.Dest, 0o755); err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", f.UserAgent)

	httpc := f.Client
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: job.URL}
	}

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", false, err
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	pr := newProgressReader(resp.Body, total, job.URL, name, emit)
	_, cerr := io.Copy(out, pr)
	if err := out.Close(); cerr == nil {
		cerr = err
	}
	if cerr != nil {
		_ = os.Remove(tmp)
		return "", false, cerr
	}

	if job.SHA256Prefix != "" {
		if err := verifySHA256Prefix(tmp, job.SHA256Prefix); err != nil {
			_ = os.Remove(tmp)
			return "", false, err
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", false, err
	}
	return dst, false, nil
}

// fileNameFor picks the on-disk name: the override, else the URL path base.
func fileNameFor(job Job) (string, error) {
	if job.FileName != "" {
		name := filepath.Base(job.FileName)
		if !validFileName(name) {
			return "", fmt.Errorf("%w: %s", ErrNoFileName, job.FileName)
		}
		return name, nil
	}
	return FileNameFromURL(job.URL)
}

// validFileName reports whether name stays inside the directory it is joined to.
func validFileName(name string) bool {
	switch name {
	case "", ".", "..", "/":
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// FileNameFromURL returns the last segment of the URL path.
func FileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFileName, err)
	}
	name := path.Base(u.Path)
	if !validFileName(name) {
		return "", fmt.Errorf("%w: %s", ErrNoFileName, rawURL)
	}
	return name, nil
}

// defaultString returns s if non-empty, otherwise def.
func defaultString(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}
