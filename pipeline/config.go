// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mknyszek/leaktrace/internal/logging"
)

// DefaultPattern selects trace files in the traces directory when
// the configuration does not.
const DefaultPattern = "*.trace"

// Config is the pipeline configuration file.
type Config struct {
	General  GeneralConfig  `yaml:"general" toml:"general"`
	Input    InputConfig    `yaml:"input" toml:"input"`
	Analysis AnalysisConfig `yaml:"analysis" toml:"analysis"`
}

type GeneralConfig struct {
	Logger LoggerConfig `yaml:"logger" toml:"logger"`

	// Parallelism bounds the number of concurrent AddTrace calls
	// and trace loads. Zero means GOMAXPROCS.
	Parallelism int `yaml:"parallelism" toml:"parallelism"`
}

type LoggerConfig struct {
	LogLevel string `yaml:"log-level" toml:"log-level"`
	File     string `yaml:"file" toml:"file"`
}

type InputConfig struct {
	// Prefix is the trace file holding the shared prefix. Optional.
	Prefix string `yaml:"prefix" toml:"prefix"`

	// Traces is the directory holding one trace file per test case.
	Traces string `yaml:"traces" toml:"traces"`

	// Pattern is a filepath.Match pattern selecting trace files.
	Pattern string `yaml:"pattern" toml:"pattern"`
}

type AnalysisConfig struct {
	Modules []ModuleConfig `yaml:"modules" toml:"modules"`
}

// ModuleConfig selects one stage and its options.
type ModuleConfig struct {
	Module  string         `yaml:"module" toml:"module"`
	Options map[string]any `yaml:"module-options" toml:"module-options"`
}

// LoadConfig reads a YAML or TOML configuration file, chosen by
// extension. Relative input and log paths are resolved against the
// directory of the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "opening config")
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				// Stage options are free-form.
				if len(k) > 0 && k[0] == "analysis" {
					continue
				}
				keys = append(keys, k.String())
			}
			if len(keys) != 0 {
				return nil, errors.Errorf("parsing %s: unknown keys: %s", path, strings.Join(keys, ", "))
			}
		}
	default:
		return nil, errors.Errorf("unsupported config format %q (expected .yaml, .yml or .toml)", ext)
	}
	cfg.resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

func (c *Config) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Input.Prefix = abs(c.Input.Prefix)
	c.Input.Traces = abs(c.Input.Traces)
	c.General.Logger.File = abs(c.General.Logger.File)
	if c.Input.Pattern == "" {
		c.Input.Pattern = DefaultPattern
	}
}

// Validate checks the configuration for errors that do not depend
// on any particular stage.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.General.Logger.LogLevel); err != nil {
		return err
	}
	if c.General.Parallelism < 0 {
		return errors.New("general.parallelism must not be negative")
	}
	if c.Input.Traces == "" {
		return errors.New("input.traces is required")
	}
	if _, err := filepath.Match(c.Input.Pattern, ""); err != nil {
		return errors.Wrapf(err, "input.pattern %q", c.Input.Pattern)
	}
	if len(c.Analysis.Modules) == 0 {
		return errors.New("analysis.modules must name at least one stage")
	}
	for i, m := range c.Analysis.Modules {
		if strings.TrimSpace(m.Module) == "" {
			return errors.Errorf("analysis.modules[%d]: module name is required", i)
		}
	}
	return nil
}
