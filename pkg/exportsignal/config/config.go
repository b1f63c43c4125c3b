// Package config loads exportsignal settings.
//
// Settings are resolved in order of precedence:
//   - command-line flags (applied by the CLI)
//   - EXPORTSIGNAL_* environment variables
//   - a TOML or YAML config file, chosen by extension
//   - built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ukaji3/exportsignal/pkg/exportsignal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXPORTSIGNAL_"

// Config holds the runtime configuration.
type Config struct {
	// Workbook is the path of the shared xlsx file.
	Workbook string `toml:"workbook" yaml:"workbook"`
	// Sheet and Cell address the control cell.
	Sheet string `toml:"sheet" yaml:"sheet"`
	Cell  string `toml:"cell" yaml:"cell"`
	// Mode is "legacy" or "await".
	Mode string `toml:"mode" yaml:"mode"`
	// PollInterval is the wait between control cell checks.
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	// Timeout bounds await mode (0 = no limit).
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
	// LogSheet names the run log sheet (empty disables the run log).
	LogSheet string `toml:"log_sheet" yaml:"log_sheet"`
	// Listen is the HTTP trigger address.
	Listen string `toml:"listen" yaml:"listen"`
	// LogFile receives process logs (empty = stderr).
	LogFile string `toml:"log_file" yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := exportsignal.DefaultOptions()
	return &Config{
		Workbook:     "control.xlsx",
		Sheet:        opts.Sheet,
		Cell:         opts.Cell,
		Mode:         string(opts.Mode),
		PollInterval: opts.PollInterval,
		LogSheet:     "Logs",
		Listen:       ":8080",
	}
}

// Load reads defaults, then the file at path (if non-empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides fields from EXPORTSIGNAL_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"WORKBOOK":  &c.Workbook,
		"SHEET":     &c.Sheet,
		"CELL":      &c.Cell,
		"MODE":      &c.Mode,
		"LOG_SHEET": &c.LogSheet,
		"LISTEN":    &c.Listen,
		"LOG_FILE":  &c.LogFile,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL": &c.PollInterval,
		"TIMEOUT":       &c.Timeout,
	}
	var errs []error
	for key, field := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
			continue
		}
		*field = d
	}
	return errors.Join(errs...)
}

// Options converts the config into signaler options.
func (c *Config) Options() (exportsignal.Options, error) {
	mode, err := exportsignal.ParseMode(c.Mode)
	if err != nil {
		return exportsignal.Options{}, err
	}
	return exportsignal.Options{
		Sheet:        c.Sheet,
		Cell:         c.Cell,
		Mode:         mode,
		PollInterval: c.PollInterval,
		Timeout:      c.Timeout,
	}, nil
}

// Validate checks the config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workbook) == "" {
		return errors.New("config: workbook path is required")
	}
	opts, err := c.Options()
	if err != nil {
		return err
	}
	return opts.Validate()
}
