// Copyright 2023 The Parca Authors
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

// Package settings holds the agent settings read from the environment of
// the host process.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/parca-dev/deep-agent/pkg/capture"
)

const (
	EvaluatorCUE  = "cue"
	EvaluatorNone = "none"
)

// DefaultPlugins are used when DEEP_PLUGINS is not set.
var DefaultPlugins = []string{"go", "process", "host", "otel"}

type Settings struct {
	Enabled bool `env:"DEEP_ENABLED,default=true"`

	ServiceName string `env:"DEEP_SERVICE_NAME,default=deep-agent"`
	// ServiceURL is the gRPC address of the collector. Empty disables
	// polling and snapshot shipping.
	ServiceURL       string        `env:"DEEP_SERVICE_URL"`
	ServiceInsecure  bool          `env:"DEEP_SERVICE_INSECURE,default=false"`
	ServiceAuthToken string        `env:"DEEP_SERVICE_AUTH_TOKEN"`
	ServiceTimeout   time.Duration `env:"DEEP_SERVICE_TIMEOUT,default=10s"`
	PollTimer        time.Duration `env:"DEEP_POLL_TIMER,default=10s"`

	Evaluator  string            `env:"DEEP_EVALUATOR,default=cue"`
	Plugins    []string          `env:"DEEP_PLUGINS"`
	Attributes map[string]string `env:"DEEP_ATTRIBUTES"`

	MaxVarDepth       int `env:"DEEP_MAX_VAR_DEPTH,default=5"`
	MaxVariables      int `env:"DEEP_MAX_VARIABLES,default=1000"`
	MaxCollectionSize int `env:"DEEP_MAX_COLLECTION_SIZE,default=10"`
	MaxStringLength   int `env:"DEEP_MAX_STRING_LENGTH,default=1024"`

	QueueSize     int           `env:"DEEP_SNAPSHOT_QUEUE_SIZE,default=1000"`
	BatchSize     int           `env:"DEEP_SNAPSHOT_BATCH_SIZE,default=50"`
	FlushInterval time.Duration `env:"DEEP_SNAPSHOT_FLUSH_INTERVAL,default=1s"`
	// SpoolPath is a SQLite database keeping snapshots the collector could
	// not take. Empty disables spooling.
	SpoolPath string `env:"DEEP_SPOOL_PATH"`

	LogLevel  string `env:"DEEP_LOG_LEVEL,default=info"`
	LogFormat string `env:"DEEP_LOG_FORMAT,default=logfmt"`
}

// FromEnv reads the settings from the process environment.
func FromEnv(ctx context.Context) (*Settings, error) {
	return Load(ctx, envconfig.OsLookuper())
}

// Load reads the settings from l.
func Load(ctx context.Context, l envconfig.Lookuper) (*Settings, error) {
	var s Settings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &s,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("failed to process settings: %w", err)
	}
	if len(s.Plugins) == 0 {
		s.Plugins = append([]string(nil), DefaultPlugins...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports every invalid setting.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Evaluator {
	case EvaluatorCUE, EvaluatorNone:
	default:
		errs = append(errs, fmt.Errorf("unknown evaluator %q", s.Evaluator))
	}
	if s.ServiceURL != "" {
		if strings.Contains(s.ServiceURL, "://") {
			if _, err := url.Parse(s.ServiceURL); err != nil {
				errs = append(errs, fmt.Errorf("invalid service url: %w", err))
			}
		}
		if s.PollTimer <= 0 {
			errs = append(errs, errors.New("poll timer must be positive"))
		}
	}
	for name, v := range map[string]int{
		"max var depth":       s.MaxVarDepth,
		"max variables":       s.MaxVariables,
		"max collection size": s.MaxCollectionSize,
		"max string length":   s.MaxStringLength,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.QueueSize <= 0 {
		errs = append(errs, errors.New("snapshot queue size must be positive"))
	}
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("snapshot batch size must be positive"))
	}
	return errors.Join(errs...)
}

// CaptureLimits are the default limits of every capture.
func (s *Settings) CaptureLimits() capture.Limits {
	return capture.Limits{
		MaxDepth:          s.MaxVarDepth,
		MaxNodes:          s.MaxVariables,
		MaxCollectionSize: s.MaxCollectionSize,
		MaxStringLength:   s.MaxStringLength,
	}
}

// Target returns the collector address in the form gRPC dials, without
// a scheme.
func (s *Settings) Target() string {
	if u, err := url.Parse(s.ServiceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return s.ServiceURL
}
