// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// isolate points HOME at an empty directory so no user config leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, name := range fetchFlagNames {
		t.Setenv(envPrefix+strings.ToUpper(strings.ReplaceAll(name, "-", "_")), "")
	}
	return home
}

func writeMeta(t *testing.T, dir, name, fileURL, tags string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"%s": {"file_url": %q, "tag_string": %q}}`, name, fileURL, tags)
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(context.Background(), "test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPromptMissing(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		start      fetchOptions
		askWorkers bool
		askCaption bool
		want       fetchOptions
		wantErr    bool
	}{
		{
			name:       "everything",
			input:      "meta\nout\n8\nYes\n",
			start:      fetchOptions{Workers: 16},
			askWorkers: true, askCaption: true,
			want: fetchOptions{Source: "meta", Dest: "out", Workers: 8},
		},
		{
			name:       "defaults and no captions",
			input:      "meta\nout\n\nnope\n",
			start:      fetchOptions{Workers: 16},
			askWorkers: true, askCaption: true,
			want: fetchOptions{Source: "meta", Dest: "out", Workers: 16, NoCaption: true},
		},
		{
			name:  "only missing dest",
			input: "out\n",
			start: fetchOptions{Source: "meta", Workers: 4},
			want:  fetchOptions{Source: "meta", Dest: "out", Workers: 4},
		},
		{
			name:       "bad worker count",
			input:      "meta\nout\nabc\n",
			start:      fetchOptions{Workers: 16},
			askWorkers: true,
			wantErr:    true,
		},
		{
			name:    "input ends early",
			input:   "meta\n",
			start:   fetchOptions{Workers: 16},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.start
			var out bytes.Buffer
			err := promptMissing(strings.NewReader(tt.input), &out, &opts, tt.askWorkers, tt.askCaption)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got opts %+v", opts)
				}
				return
			}
			if err != nil {
				t.Fatalf("promptMissing: %v", err)
			}
			if opts != tt.want {
				t.Errorf("got %+v, want %+v", opts, tt.want)
			}
		})
	}
}

func TestIsYes(t *testing.T) {
	for in, want := range map[string]bool{"y": true, "Y": true, "yes": true, " YES ": true, "n": false, "": false, "yep": false} {
		if got := isYes(in); got != want {
			t.Errorf("isYes(%q) = %v", in, got)
		}
	}
}

func TestApplySettingsDefaults_Precedence(t *testing.T) {
	isolate(t)
	t.Setenv("BULKFETCH_PATH", "/env/meta")
	t.Setenv("BULKFETCH_THREAD", "2")
	t.Setenv("BULKFETCH_TIMEOUT", "5s")

	cfgPath := filepath.Join(t.TempDir(), "bulkfetch.yaml")
	if err := os.WriteFile(cfgPath, []byte("dl-path: out\nthread: 4\npath: \"\"\nno-caption: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("config beats env", func(t *testing.T) {
		ro := &RootOpts{Config: cfgPath}
		opts := defaultFetchOptions()
		cmd := newFetchCmd(context.Background(), ro, opts)
		if err := cmd.ParseFlags(nil); err != nil {
			t.Fatal(err)
		}
		if err := applySettingsDefaults(cmd, ro); err != nil {
			t.Fatal(err)
		}
		if opts.Workers != 4 {
			t.Errorf("workers = %d, want 4 from config", opts.Workers)
		}
		if opts.Dest != "out" {
			t.Errorf("dest = %q", opts.Dest)
		}
		if opts.Source != "/env/meta" {
			t.Errorf("source = %q, want env value behind blank config entry", opts.Source)
		}
		if opts.Timeout != "5s" {
			t.Errorf("timeout = %q", opts.Timeout)
		}
		if !opts.NoCaption {
			t.Error("no-caption from config not applied")
		}
	})

	t.Run("flag beats config", func(t *testing.T) {
		ro := &RootOpts{Config: cfgPath}
		opts := defaultFetchOptions()
		cmd := newFetchCmd(context.Background(), ro, opts)
		if err := cmd.ParseFlags([]string{"--thread", "9", "-o", "flag-out"}); err != nil {
			t.Fatal(err)
		}
		if err := applySettingsDefaults(cmd, ro); err != nil {
			t.Fatal(err)
		}
		if opts.Workers != 9 || opts.Dest != "flag-out" {
			t.Errorf("got workers=%d dest=%q", opts.Workers, opts.Dest)
		}
	})

	t.Run("bad config value", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(bad, []byte(`{"thread": "many"}`), 0o644); err != nil {
			t.Fatal(err)
		}
		ro := &RootOpts{Config: bad}
		cmd := newFetchCmd(context.Background(), ro, defaultFetchOptions())
		if err := applySettingsDefaults(cmd, ro); err == nil {
			t.Fatal("expected error for non-numeric thread")
		}
	})
}

func TestConfigFilePath_SearchesHome(t *testing.T) {
	home := isolate(t)
	if got := configFilePath(&RootOpts{}); got != "" {
		t.Fatalf("expected no config, got %q", got)
	}
	p := filepath.Join(home, ".config", "bulkfetch.yml")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("thread: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := configFilePath(&RootOpts{}); got != p {
		t.Errorf("configFilePath = %q, want %q", got, p)
	}
	if got := configFilePath(&RootOpts{Config: "/x.json"}); got != "/x.json" {
		t.Errorf("explicit config ignored: %q", got)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	home := isolate(t)

	out, err := execute(t, "config", "init", "--yaml")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	p := filepath.Join(home, ".config", "bulkfetch.yaml")
	if !strings.Contains(out, p) {
		t.Errorf("init output %q does not name %s", out, p)
	}
	cfg, err := readConfigFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg["thread"] != 16 {
		t.Errorf("thread = %v", cfg["thread"])
	}

	if _, err := execute(t, "config", "init", "--yaml"); err == nil {
		t.Error("second init without --force should fail")
	}

	out, err = execute(t, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Config file: "+p) || !strings.Contains(out, "progress: log") {
		t.Errorf("unexpected show output:\n%s", out)
	}
}

func TestVersionShort(t *testing.T) {
	isolate(t)
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "test" {
		t.Errorf("version = %q", out)
	}
}

func TestJSONProgress(t *testing.T) {
	var buf bytes.Buffer
	p := jsonProgress(&buf)
	p(bulkfetch.ProgressEvent{Event: "file_done", URL: "https://x.test/a?b&c", Path: "a.jpg"})
	p(bulkfetch.ProgressEvent{Event: "error", Kind: "not_found", Message: "404"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"url":"https://x.test/a?b&c"`) {
		t.Errorf("HTML escaping should be off: %s", lines[0])
	}
	var ev bulkfetch.ProgressEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "not_found" {
		t.Errorf("kind = %q", ev.Kind)
	}
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "bytes of %s", r.URL.Path)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetch_EndToEnd(t *testing.T) {
	isolate(t)
	origin := newOrigin(t)
	meta := t.TempDir()
	dest := filepath.Join(t.TempDir(), "dataset")
	writeMeta(t, meta, "1", origin.URL+"/img/1.jpg", "1girl solo_focus red_hair")
	writeMeta(t, filepath.Join(meta, "sub"), "2", origin.URL+"/img/2.png", "")
	writeMeta(t, meta, "3", origin.URL+"/missing/3.jpg", "x")

	// Default command: no "fetch" subcommand needed.
	out, err := execute(t, "-p", meta, "-o", dest, "-t", "2", "--no-color")
	if err != nil {
		t.Fatalf("fetch: %v\n%s", err, out)
	}

	for _, want := range []string{
		"Loaded 3 jobs from " + meta,
		"Destination: " + dest,
		"Workers: 2",
		"Caption export: on",
		"Progress: 100.00% | 3/3",
		"fetch failed",
		"Fetch completed. Images saved to " + dest,
		"failed=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	caption, err := os.ReadFile(filepath.Join(dest, "1.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(caption) != "1girl, solo focus, red hair" {
		t.Errorf("caption = %q", caption)
	}
	if _, err := os.Stat(filepath.Join(dest, "2.png")); err != nil {
		t.Errorf("2.png missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "3.jpg")); !os.IsNotExist(err) {
		t.Errorf("failed job left a file: %v", err)
	}

	// Second run skips what is already there.
	out, err = execute(t, "fetch", "-p", meta, "-o", dest, "-t", "2", "--no-color")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "skipped=2") {
		t.Errorf("re-run should skip existing files:\n%s", out)
	}
}

func TestFetch_DryRunJSON(t *testing.T) {
	isolate(t)
	meta := t.TempDir()
	dest := t.TempDir()
	writeMeta(t, meta, "1", "https://files.example/a/1.jpg", "tag")

	out, err := execute(t, "fetch", "-p", meta, "-o", dest, "--dry-run", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var plan struct {
		Count int             `json:"count"`
		Jobs  []bulkfetch.Job `json:"jobs"`
	}
	// Scan events precede the plan document on stdout.
	idx := strings.Index(out, "{\n")
	if idx < 0 {
		t.Fatalf("no plan document in output:\n%s", out)
	}
	if err := json.Unmarshal([]byte(out[idx:]), &plan); err != nil {
		t.Fatalf("decode plan: %v\n%s", err, out)
	}
	if plan.Count != 1 || plan.Jobs[0].URL != "https://files.example/a/1.jpg" {
		t.Errorf("unexpected plan %+v", plan)
	}
	if entries, _ := os.ReadDir(dest); len(entries) != 0 {
		t.Errorf("dry run wrote %d entries", len(entries))
	}
}

func TestFetch_MissingPathsWithoutTerminal(t *testing.T) {
	isolate(t)
	old := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = old })

	_, err := execute(t, "fetch", "-o", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "--path") {
		t.Fatalf("expected missing path error, got %v", err)
	}
}

func TestFetch_PromptsOnTerminal(t *testing.T) {
	isolate(t)
	old := stdinIsTerminal
	stdinIsTerminal = func() bool { return true }
	t.Cleanup(func() { stdinIsTerminal = old })

	meta := t.TempDir()
	dest := t.TempDir()
	root := newRootCmd(context.Background(), "test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(meta + "\n" + dest + "\n3\nn\n"))
	root.SetArgs([]string{"--no-color"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v\n%s", err, out.String())
	}
	s := out.String()
	for _, want := range []string{"Enter the path of the metadata directory: ", "Workers: 3", "Caption export: off", "Loaded 0 jobs"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestValidateFetchOptions(t *testing.T) {
	base := fetchOptions{Source: "m", Dest: "d", Workers: 1, Progress: "log"}

	bad := []func(*fetchOptions){
		func(o *fetchOptions) { o.Workers = 0 },
		func(o *fetchOptions) { o.Progress = "fancy" },
		func(o *fetchOptions) { o.Timeout = "soon" },
	}
	for i, mutate := range bad {
		o := base
		mutate(&o)
		if err := validateFetchOptions(&o); err == nil {
			t.Errorf("case %d: expected error for %+v", i, o)
		}
	}
	if err := validateFetchOptions(&base); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
}

func TestPoolLogger_LiveWritesWarningsToStderr(t *testing.T) {
	ro := &RootOpts{NoColor: true}
	var stdout, stderr bytes.Buffer
	base, err := newLogger(ro, &stdout)
	if err != nil {
		t.Fatal(err)
	}

	l, err := poolLogger(ro, "live", base, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("job started")
	l.Warn("fetch failed", "url", "https://example.test/a.jpg")

	if stdout.Len() != 0 {
		t.Errorf("Expected nothing on stdout while live renderer runs, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "fetch failed") {
		t.Errorf("Expected warning on stderr, got %q", stderr.String())
	}
	if strings.Contains(stderr.String(), "job started") {
		t.Errorf("Expected info suppressed, got %q", stderr.String())
	}

	l, err = poolLogger(ro, "log", base, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if l != base {
		t.Error("Expected log mode to keep the base logger")
	}
}
