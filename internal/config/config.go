// Package config loads lungmask settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gopkg.in/yaml.v3"

	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/logging"
	"github.com/mrsinham/lungmask/internal/metadata"
)

// Config is the full set of file-configurable options. Command-line flags
// override these values.
type Config struct {
	Inference inference.Config `yaml:"inference" toml:"inference"`
	Engine    EngineConfig     `yaml:"engine" toml:"engine"`
	Output    OutputConfig     `yaml:"output" toml:"output"`
	Loader    LoaderConfig     `yaml:"loader" toml:"loader"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Metadata  MetadataConfig   `yaml:"metadata" toml:"metadata"`
}

// EngineConfig locates the segmentation command.
type EngineConfig struct {
	Command string `yaml:"command" toml:"command"`
	TempDir string `yaml:"temp_dir" toml:"temp_dir"`
}

// OutputConfig selects what is written.
type OutputConfig struct {
	RemoveMetadata bool   `yaml:"remove_metadata" toml:"remove_metadata"`
	ApplyMask      bool   `yaml:"apply_mask" toml:"apply_mask"`
	Preview        string `yaml:"preview" toml:"preview"`
}

// LoaderConfig tunes DICOM directory parsing.
type LoaderConfig struct {
	Workers int `yaml:"workers" toml:"workers"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// MetadataConfig extends the default allow-list.
type MetadataConfig struct {
	// Preserve lists extra "gggg|eeee" keys to keep in single-volume outputs.
	Preserve []string `yaml:"preserve" toml:"preserve"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Inference: inference.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result. The format
// follows the extension: .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Engine.TempDir, err = expandPath(c.Engine.TempDir); err != nil {
		return err
	}
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return err
	}
	if c.Output.Preview, err = expandPath(c.Output.Preview); err != nil {
		return err
	}
	c.Engine.Command = strings.TrimSpace(c.Engine.Command)
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "console", "json":
	default:
		return fmt.Errorf("log format: unsupported value %q", c.Logging.Format)
	}
	if c.Loader.Workers < 0 {
		return fmt.Errorf("loader workers must not be negative, got %d", c.Loader.Workers)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy returns the default allow-list extended with Metadata.Preserve.
func (c *Config) Policy() (metadata.Policy, error) {
	if len(c.Metadata.Preserve) == 0 {
		return metadata.DefaultPolicy(), nil
	}
	base := metadata.DefaultPolicy()
	entries := base.Entries()
	for _, s := range c.Metadata.Preserve {
		e, err := metadata.Lookup(s)
		if err != nil {
			return metadata.Policy{}, fmt.Errorf("metadata preserve: %w", err)
		}
		if e.Key == metadata.KeyFromTag(tag.SeriesInstanceUID) || e.Key == metadata.KeyFromTag(tag.SOPInstanceUID) {
			return metadata.Policy{}, fmt.Errorf("metadata preserve: %s identifies a single series or image and cannot be preserved", e.Key)
		}
		if base.IsPreservable(e.Key) {
			continue
		}
		entries = append(entries, e)
	}
	return metadata.NewPolicy(entries), nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	return filepath.Clean(pathValue), nil
}
