// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrInvalidWorkers is returned when Settings.Workers is below 1.
	ErrInvalidWorkers = errors.New("worker count must be at least 1")

	// ErrMissingURL is returned for a job without a URL.
	ErrMissingURL = errors.New("missing job url")

	// ErrNoDestination is returned for a job without a destination directory.
	ErrNoDestination = errors.New("missing destination directory")

	// ErrNoFileName is returned when no file name can be derived from the URL.
	ErrNoFileName = errors.New("cannot derive file name from url")

	// ErrNotFound is matched by HTTP 404 responses.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized is matched by HTTP 401/403 responses.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is matched by HTTP 429 responses.
	ErrRateLimited = errors.New("rate limited: too many requests")
)

// FetchError wraps a per-job failure with the offending URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// VerificationError is returned when fetched content does not match the
// expected hash prefix.
type VerificationError struct {
	Path     string
	Expected string
	Actual   string
	Method   string // "sha256"
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected prefix %s, got %s)",
		e.Path, e.Method, e.Expected, e.Actual)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("bad status: %s", e.Status)
}

// Is implements errors.Is for common status comparisons.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return target == ErrUnauthorized
	case 404:
		return target == ErrNotFound
	case 429:
		return target == ErrRateLimited
	default:
		return false
	}
}

// MetadataError describes a metadata file that could not be used.
type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies a job error for reporting.
func ErrorKind(err error) string {
	var verr *VerificationError
	var herr *HTTPError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return "verification"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &herr):
		return "http_status"
	case errors.Is(err, ErrNoFileName), errors.Is(err, ErrMissingURL):
		return "invalid_job"
	default:
		return "network"
	}
}
