// internal/config/config.go
//
// This package handles configuration and the .strata directory structure.
// Every project that runs `strata` gets a .strata/ folder created in its root
// alongside the strata.yaml project file.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// StrataDir is the name of the working directory we create in each project.
	StrataDir = ".strata"

	// ProjectFile is the user-facing project configuration file.
	ProjectFile = "strata.yaml"

	defaultSiteTitle = "A Strata Site"
)

const defaultProjectYAML = `# strata project configuration
version: 1

site:
  title: A Strata Site

# Directories are relative to the project root.
paths:
  content: content
  source: src
  output: public

develop:
  # Webhook ingest endpoint for data refreshes (POST /__refresh).
  webhook:
    enabled: true
    host: 127.0.0.1
    port: 8671
  # Debounce window for file watch events, in milliseconds.
  watch_debounce_ms: 120
  # Worker pool size for query execution. 0 means match CPU count.
  workers: 0
`

// SiteConfig captures site-level metadata rendered into page artifacts.
type SiteConfig struct {
	Title string `yaml:"title"`
}

// PathsConfig declares the project-relative directory layout.
type PathsConfig struct {
	Content string `yaml:"content"`
	Source  string `yaml:"source"`
	Output  string `yaml:"output"`
}

// WebhookConfig controls the develop-session webhook ingest server.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DevelopConfig groups options that only apply to the live develop session.
type DevelopConfig struct {
	Webhook         WebhookConfig `yaml:"webhook"`
	WatchDebounceMS int           `yaml:"watch_debounce_ms"`
	Workers         int           `yaml:"workers"`
}

// ProjectConfig models strata.yaml.
type ProjectConfig struct {
	Version int           `yaml:"version"`
	Site    SiteConfig    `yaml:"site"`
	Paths   PathsConfig   `yaml:"paths"`
	Develop DevelopConfig `yaml:"develop"`
}

// Config holds the runtime configuration for a strata project.
type Config struct {
	// ProjectDir is the directory where the user ran `strata` from.
	ProjectDir string

	// StrataProjectDir is ProjectDir/.strata
	StrataProjectDir string

	Project ProjectConfig
}

// InitStrataDir creates the .strata directory structure in the given project
// directory. This is called on every startup and is idempotent.
//
// Structure created:
// .strata/
// ├── logs/      <- session logs and the develop journal
// ├── state/     <- crash-recovery snapshots
// ├── cache/     <- node store and query results
// │   └── queries/
// └── plugins/   <- source-plugin definitions (*.yaml, *.go)
func InitStrataDir(projectDir string) error {
	strataDir := filepath.Join(projectDir, StrataDir)

	dirs := []string{
		filepath.Join(strataDir, "logs"),
		filepath.Join(strataDir, "state"),
		filepath.Join(strataDir, "cache"),
		filepath.Join(strataDir, "cache", "queries"),
		filepath.Join(strataDir, "plugins"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return ensureProjectFile(filepath.Join(projectDir, ProjectFile))
}

// NewConfig creates a Config populated from strata.yaml, falling back to
// defaults when the file is absent.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:       projectDir,
		StrataProjectDir: filepath.Join(projectDir, StrataDir),
		Project:          defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ContentDir returns the directory holding content documents.
func (c *Config) ContentDir() string {
	return filepath.Join(c.ProjectDir, c.Project.Paths.Content)
}

// SourceDir returns the directory holding bundleable browser source.
func (c *Config) SourceDir() string {
	return filepath.Join(c.ProjectDir, c.Project.Paths.Source)
}

// OutputDir returns the directory page artifacts are written to.
func (c *Config) OutputDir() string {
	return filepath.Join(c.ProjectDir, c.Project.Paths.Output)
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StrataProjectDir, "logs")
}

// StateDir returns the path to the crash-recovery state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.StrataProjectDir, "state")
}

// CacheDir returns the path to the cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.StrataProjectDir, "cache")
}

// QueryResultsDir returns where executed query results are materialized.
func (c *Config) QueryResultsDir() string {
	return filepath.Join(c.StrataProjectDir, "cache", "queries")
}

// NodeStorePath returns the sqlite database backing the node store.
func (c *Config) NodeStorePath() string {
	return filepath.Join(c.StrataProjectDir, "cache", "nodes.db")
}

// PluginsDir returns the directory scanned for source-plugin definitions.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.StrataProjectDir, "plugins")
}

// ProjectFilePath returns the on-disk location of strata.yaml.
func (c *Config) ProjectFilePath() string {
	return filepath.Join(c.ProjectDir, ProjectFile)
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	merged := defaultProjectConfig()
	merged.apply(parsed)
	if err := merged.validate(); err != nil {
		return err
	}
	c.Project = merged
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Site:    SiteConfig{Title: defaultSiteTitle},
		Paths:   PathsConfig{Content: "content", Source: "src", Output: "public"},
		Develop: DevelopConfig{
			Webhook:         WebhookConfig{Enabled: true, Host: "127.0.0.1", Port: 8671},
			WatchDebounceMS: 120,
		},
	}
}

// apply overlays non-zero fields from parsed onto the defaults.
func (p *ProjectConfig) apply(parsed ProjectConfig) {
	if parsed.Version != 0 {
		p.Version = parsed.Version
	}
	if strings.TrimSpace(parsed.Site.Title) != "" {
		p.Site.Title = parsed.Site.Title
	}
	if strings.TrimSpace(parsed.Paths.Content) != "" {
		p.Paths.Content = parsed.Paths.Content
	}
	if strings.TrimSpace(parsed.Paths.Source) != "" {
		p.Paths.Source = parsed.Paths.Source
	}
	if strings.TrimSpace(parsed.Paths.Output) != "" {
		p.Paths.Output = parsed.Paths.Output
	}
	if parsed.Develop.Webhook.Port != 0 {
		p.Develop.Webhook = parsed.Develop.Webhook
	}
	if parsed.Develop.WatchDebounceMS > 0 {
		p.Develop.WatchDebounceMS = parsed.Develop.WatchDebounceMS
	}
	if parsed.Develop.Workers > 0 {
		p.Develop.Workers = parsed.Develop.Workers
	}
}

func (p ProjectConfig) validate() error {
	if p.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", p.Version)
	}
	for _, dir := range []string{p.Paths.Content, p.Paths.Source, p.Paths.Output} {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("config: project paths must not be empty")
		}
		if filepath.IsAbs(dir) {
			return fmt.Errorf("config: path %q must be project-relative", dir)
		}
		if strings.HasPrefix(dir, "..") {
			return fmt.Errorf("config: path %q escapes the project directory", dir)
		}
	}
	if p.Develop.Webhook.Enabled && (p.Develop.Webhook.Port <= 0 || p.Develop.Webhook.Port > 65535) {
		return fmt.Errorf("config: webhook port %d out of range", p.Develop.Webhook.Port)
	}
	return nil
}

func ensureProjectFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default %s: %w", path, err)
	}
	return nil
}
