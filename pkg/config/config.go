// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads tracepoints from a local YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/deep-agent/pkg/hash"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

var ErrEmptyConfig = errors.New("empty config")

// Tracepoint is one tracepoint as written in the config file.
type Tracepoint struct {
	ID      string            `yaml:"id"`
	Path    string            `yaml:"path"`
	Line    int               `yaml:"line"`
	Args    map[string]string `yaml:"args,omitempty"`
	Watches []string          `yaml:"watches,omitempty"`
}

// Config holds the tracepoints installed from a file.
type Config struct {
	Tracepoints []Tracepoint `yaml:"tracepoints,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config. Unknown fields are rejected.
func Load(b []byte) (*Config, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks every tracepoint has a unique id and a location.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Tracepoints))
	for i, tp := range c.Tracepoints {
		if tp.ID == "" {
			errs = append(errs, fmt.Errorf("tracepoint %d: missing id", i))
		} else if _, ok := seen[tp.ID]; ok {
			errs = append(errs, fmt.Errorf("tracepoint %d: duplicate id %q", i, tp.ID))
		}
		seen[tp.ID] = struct{}{}
		if tp.Path == "" {
			errs = append(errs, fmt.Errorf("tracepoint %d: missing path", i))
		}
		if tp.Line <= 0 {
			errs = append(errs, fmt.Errorf("tracepoint %d: line must be positive", i))
		}
	}
	return errors.Join(errs...)
}

// TracepointConfigs parses the tracepoints and hashes the result. Malformed
// args fall back to their defaults and are reported in the error next to
// the usable configs.
func (c *Config) TracepointConfigs() ([]*tracepoint.Config, string, error) {
	cfgs := make([]*tracepoint.Config, 0, len(c.Tracepoints))
	var errs []error
	for _, tp := range c.Tracepoints {
		cfg, err := tracepoint.New(tp.ID, tp.Path, tp.Line, tp.Args, tp.Watches)
		if err != nil {
			errs = append(errs, err)
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, hash.Tracepoints(cfgs), errors.Join(errs...)
}
