// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	configName = "bulkfetch"
	envPrefix  = "BULKFETCH_"
)

// DefaultConfig returns the default configuration. Keys are fetch flag names.
func DefaultConfig() map[string]any {
	return map[string]any{
		"path":        "",
		"dl-path":     "",
		"thread":      16,
		"no-caption":  false,
		"re-download": false,
		"timeout":     "",
		"progress":    "log",
		"user-agent":  "bulkfetch/1",
	}
}

// applySettingsDefaults fills fetch flags the user did not set.
// Precedence: flag > config file > environment (.env, BULKFETCH_*) > built-in.
func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts) error {
	if err := loadDotEnv(); err != nil {
		return err
	}
	values := envDefaults()

	if path := configFilePath(ro); path != "" {
		cfg, err := readConfigFile(path)
		if err != nil {
			return err
		}
		for k, v := range cfg {
			// Blank entries written by "config init" must not mask the environment.
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			values[k] = v
		}
	}

	for _, name := range fetchFlagNames {
		if cmd.Flags().Changed(name) {
			continue
		}
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		if err := cmd.Flags().Set(name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config value %s=%v: %w", name, v, err)
		}
	}
	return nil
}

// loadDotEnv loads ./.env when present. Variables already set win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// envDefaults maps BULKFETCH_DL_PATH style variables onto flag names.
func envDefaults() map[string]any {
	out := make(map[string]any)
	for _, name := range fetchFlagNames {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok && v != "" {
			out[name] = v
		}
	}
	return out
}

// configFilePath returns --config, or the first of
// ~/.config/bulkfetch.{json,yaml,yml} that exists, or "".
func configFilePath(ro *RootOpts) string {
	if ro.Config != "" {
		return ro.Config
	}
	for _, p := range configCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func configCandidates() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".config")
	return []string{
		filepath.Join(dir, configName+".json"),
		filepath.Join(dir, configName+".yaml"),
		filepath.Join(dir, configName+".yml"),
	}
}

func readConfigFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON config file: %w", err)
		}
	}
	return cfg, nil
}

func newConfigCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(ro))
	cmd.AddCommand(newConfigPathCmd(ro))

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/bulkfetch.json (or .yaml)

The configuration file sets default values for the fetch flags.
CLI flags always override config file values; config file values override
BULKFETCH_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates := configCandidates()
			if len(candidates) == 0 {
				return fmt.Errorf("could not find home directory")
			}
			configPath := candidates[0]
			if useYAML {
				configPath = candidates[1]
			}

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			var (
				data []byte
				err  error
			)
			if useYAML {
				data, err = yaml.Marshal(DefaultConfig())
			} else {
				data, err = json.MarshalIndent(DefaultConfig(), "", "  ")
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n\n", configPath)
			fmt.Fprintln(out, "Edit this file to set your defaults. For example:")
			fmt.Fprintln(out, "  - Default metadata and destination directories")
			fmt.Fprintln(out, "  - Worker count and request timeout")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")

	return cmd
}

func newConfigShowCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			configPath := configFilePath(ro)
			if configPath == "" {
				fmt.Fprintln(out, "No config file found.")
				if c := configCandidates(); len(c) > 0 {
					fmt.Fprintf(out, "Run 'bulkfetch config init' to create one at:\n  %s\n", c[0])
				}
				return nil
			}

			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Config file: %s\n\n", configPath)
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newConfigPathCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			p := configFilePath(ro)
			if p == "" {
				if c := configCandidates(); len(c) > 0 {
					p = c[0]
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
		},
	}
}
