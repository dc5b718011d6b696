// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizeCaption turns a booru tag string into a caption: tags are split on
// whitespace, joined with ", " and underscores become spaces.
//
//	NormalizeCaption("1girl solo_focus red_hair") == "1girl, solo focus, red hair"
func NormalizeCaption(tags string) string {
	return strings.ReplaceAll(strings.Join(strings.Fields(tags), ", "), "_", " ")
}

// CaptionPath is the sidecar path for an image: same directory and stem, ".txt".
func CaptionPath(dir, imageName string) string {
	stem := strings.TrimSuffix(imageName, filepath.Ext(imageName))
	return filepath.Join(dir, stem+".txt")
}

// WriteCaption writes the normalized tags next to imageName and returns the
// sidecar path.
func WriteCaption(dir, imageName, tags string) (string, error) {
	p := CaptionPath(dir, imageName)
	if err := os.WriteFile(p, []byte(NormalizeCaption(tags)), 0o644); err != nil {
		return "", err
	}
	return p, nil
}
