// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package bulkfetch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeCaption(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1girl solo_focus red_hair", "1girl, solo focus, red hair"},
		{"  spaced\tout\n tags  ", "spaced, out, tags"},
		{"single", "single"},
		{"", ""},
		{"a__b", "a  b"},
	}
	for _, tc := range cases {
		if got := NormalizeCaption(tc.in); got != tc.want {
			t.Errorf("NormalizeCaption(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteCaption(t *testing.T) {
	dir := t.TempDir()
	p, err := WriteCaption(dir, "yande.re 123.jpg", "long_hair smile")
	if err != nil {
		t.Fatalf("WriteCaption failed: %v", err)
	}
	if p != filepath.Join(dir, "yande.re 123.txt") {
		t.Errorf("Unexpected sidecar path %s", p)
	}
	b, _ := os.ReadFile(p)
	if string(b) != "long hair, smile" {
		t.Errorf("Unexpected caption %q", b)
	}
}

func TestCaptionPath_NoExtension(t *testing.T) {
	if got := CaptionPath("d", "image"); got != filepath.Join("d", "image.txt") {
		t.Errorf("Unexpected path %s", got)
	}
}
