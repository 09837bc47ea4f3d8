// Package config assembles the coordinator/worker CLI surface into a
// validated Config struct: its fields are bound to flags on a single Cobra
// command by Register, and an optional YAML file, applied after the flags
// are parsed, can override their values.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config holds every renderer/coordinator/worker/identity flag plus the
// ambient --log-level and --state-dir additions.
type Config struct {
	RendererPath              string
	RendererDockerTag         string
	RendererUnstablePath      string
	RendererUnstableDockerTag string

	WSPort         int
	CoordinatorURL string
	Jobs           int

	GitHubClientID string
	GitHubSecret   string

	LogLevel string
	StateDir string
}

// overlay is the shape of an optional YAML config file: a plain struct with
// yaml tags, unmarshaled into its own zero value; LoadOverlay then copies
// every field it sets onto a Config.
type overlay struct {
	RendererPath              string `yaml:"renderer_path"`
	RendererDockerTag         string `yaml:"renderer_docker_tag"`
	RendererUnstablePath      string `yaml:"renderer_unstable_path"`
	RendererUnstableDockerTag string `yaml:"renderer_unstable_docker_tag"`
	WSPort                    int    `yaml:"ws_port"`
	CoordinatorURL            string `yaml:"coordinator"`
	Jobs                      int    `yaml:"jobs"`
	GitHubClientID            string `yaml:"github_client_id"`
	GitHubSecret              string `yaml:"github_secret"`
	LogLevel                  string `yaml:"log_level"`
	StateDir                  string `yaml:"state_dir"`
}

// LoadOverlay reads a YAML file at path and applies any non-empty, non-zero
// fields it sets onto cfg, replacing whatever value cfg already holds for
// them (a flag default or a value given on the command line). An empty or
// missing path is not an error — the overlay is optional.
func LoadOverlay(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config overlay %s: %w", path, err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse config overlay %s: %w", path, err)
	}

	if o.RendererPath != "" {
		cfg.RendererPath = o.RendererPath
	}
	if o.RendererDockerTag != "" {
		cfg.RendererDockerTag = o.RendererDockerTag
	}
	if o.RendererUnstablePath != "" {
		cfg.RendererUnstablePath = o.RendererUnstablePath
	}
	if o.RendererUnstableDockerTag != "" {
		cfg.RendererUnstableDockerTag = o.RendererUnstableDockerTag
	}
	if o.WSPort != 0 {
		cfg.WSPort = o.WSPort
	}
	if o.CoordinatorURL != "" {
		cfg.CoordinatorURL = o.CoordinatorURL
	}
	if o.Jobs != 0 {
		cfg.Jobs = o.Jobs
	}
	if o.GitHubClientID != "" {
		cfg.GitHubClientID = o.GitHubClientID
	}
	if o.GitHubSecret != "" {
		cfg.GitHubSecret = o.GitHubSecret
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
	}
	return nil
}

// Register binds cfg's fields to cmd's flags and enforces
// --ws-port/--coordinator mutual exclusivity.
func Register(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	flags.StringVar(&cfg.RendererPath, "renderer-path", "", "path to the stable renderer executable")
	flags.StringVar(&cfg.RendererDockerTag, "renderer-docker-tag", "", "docker image tag for the stable renderer sandbox")
	flags.StringVar(&cfg.RendererUnstablePath, "renderer-unstable-path", "", "path to the unstable renderer executable")
	flags.StringVar(&cfg.RendererUnstableDockerTag, "renderer-unstable-docker-tag", "", "docker image tag for the unstable renderer sandbox")
	flags.IntVar(&cfg.WSPort, "ws-port", 0, "listen port for coordinator role")
	flags.StringVar(&cfg.CoordinatorURL, "coordinator", "", "coordinator URL for worker role")
	flags.IntVar(&cfg.Jobs, "jobs", 1, "number of local renderer slots")
	flags.StringVar(&cfg.GitHubClientID, "github-client-id", "", "GitHub OAuth app client id")
	flags.StringVar(&cfg.GitHubSecret, "github-secret", "", "GitHub OAuth app client secret")
	flags.StringVar(&cfg.LogLevel, "log-level", "progress", "log level: debug, info, progress, minimal, error")
	flags.StringVar(&cfg.StateDir, "state-dir", "", "directory reserved for future on-disk state")

	cmd.MarkFlagsMutuallyExclusive("ws-port", "coordinator")
	cmd.MarkFlagsOneRequired("ws-port", "coordinator")
}

// Validate applies the cross-flag checks Cobra's flag machinery can't
// express directly.
func (c *Config) Validate() error {
	if c.RendererUnstableDockerTag != "" && c.Jobs < 2 {
		return fmt.Errorf("--jobs must be >= 2 when --renderer-unstable-docker-tag is set")
	}
	if c.WSPort != 0 && c.WSPort < 0 {
		return fmt.Errorf("--ws-port must be positive")
	}
	if c.Jobs < 0 {
		return fmt.Errorf("--jobs must be >= 0")
	}
	return nil
}

// IsCoordinator reports whether this Config selects the coordinator role
// (--ws-port set) as opposed to the worker role (--coordinator set).
func (c *Config) IsCoordinator() bool {
	return c.WSPort != 0
}

// SlotVersions expands --jobs and the optional unstable tag into the
// version-per-slot list renderer.New expects. When an unstable tag is
// configured, slot i is unstable once i >= Jobs/2 (integer division),
// otherwise every slot is stable. That provisions ceil(Jobs/2) unstable
// slots: 1 of 2, 2 of 3, 2 of 4, matching how the original reserves the
// upper half of the pool for the unstable channel rather than a single slot.
func (c *Config) SlotVersions() []string {
	if c.Jobs <= 0 {
		return nil
	}
	unstable := c.RendererUnstableDockerTag != ""
	versions := make([]string, 0, c.Jobs)
	for i := 0; i < c.Jobs; i++ {
		if unstable && i >= c.Jobs/2 {
			versions = append(versions, "unstable")
		} else {
			versions = append(versions, "stable")
		}
	}
	return versions
}
