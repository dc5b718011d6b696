// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// metadataRecord is the part of a scraped post record we care about.
type metadataRecord struct {
	FileURL   string  `json:"file_url"`
	TagString *string `json:"tag_string"`
	SHA256    string  `json:"sha256,omitempty"`
}

// ScanMetadata walks root for *.json metadata files and returns one job per
// usable record, each targeting dest.
//
// A metadata file holds an object whose first key maps to the post record;
// the record must carry "file_url" and may carry "tag_string" (the caption)
// and "sha256" (used as the hash prefix). Files that cannot be read or parsed
// are reported as "scan_error" events and skipped. Only a missing or
// unreadable root is returned as an error.
func ScanMetadata(ctx context.Context, root, dest string, skipCaption bool, progress ProgressFunc) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	emit := func(ev ProgressEvent) {
		if progress != nil {
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			progress(ev)
		}
	}

	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("metadata path %s is not a directory", root)
	}

	emit(ProgressEvent{Event: "scan_start", Path: root, Message: "scanning metadata"})

	var jobs []Job
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if p == root {
				return werr
			}
			emit(ProgressEvent{Level: "warn", Event: "scan_error", Path: p, Message: werr.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".json") {
			return nil
		}

		rec, err := readMetadataFile(p)
		if err != nil {
			merr := &MetadataError{Path: p, Err: err}
			emit(ProgressEvent{Level: "warn", Event: "scan_error", Path: p, Message: merr.Error()})
			return nil
		}

		job := Job{URL: rec.FileURL, Dest: dest, SHA256Prefix: rec.SHA256}
		if !skipCaption && rec.TagString != nil {
			tags := *rec.TagString
			job.Caption = &tags
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// readMetadataFile parses one metadata file.
func readMetadataFile(p string) (metadataRecord, error) {
	f, err := os.Open(p)
	if err != nil {
		return metadataRecord{}, err
	}
	defer f.Close()
	return decodeMetadata(f)
}

// decodeMetadata reads the record stored under the first key of a JSON
// object, keeping document order (a map would lose it).
func decodeMetadata(r io.Reader) (metadataRecord, error) {
	var rec metadataRecord
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return rec, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return rec, errors.New("expected a JSON object")
	}
	if !dec.More() {
		return rec, errors.New("empty metadata object")
	}
	if _, err := dec.Token(); err != nil { // first key
		return rec, err
	}
	if err := dec.Decode(&rec); err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.FileURL) == "" {
		return rec, errors.New("record has no file_url")
	}
	rec.FileURL = strings.TrimSpace(rec.FileURL)
	return rec, nil
}
