// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// fileSHA256 computes the hex SHA-256 of a file.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifySHA256Prefix checks that the file hash starts with prefix
// (trimmed, case-insensitive).
func verifySHA256Prefix(path string, prefix string) error {
	sum, err := fileSHA256(path)
	if err != nil {
		return err
	}
	want := strings.ToLower(strings.TrimSpace(prefix))
	if !strings.HasPrefix(sum, want) {
		return &VerificationError{Path: path, Expected: want, Actual: sum, Method: "sha256"}
	}
	return nil
}

// alreadyFetched reports whether a regular file exists at dst.
func alreadyFetched(dst string) bool {
	fi, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}
