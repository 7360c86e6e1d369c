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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/deep-agent/pkg/hash"
)

// recheckInterval bounds how long a change can go unnoticed when the
// watcher misses an event.
const recheckInterval = time.Minute

// ComponentReloader is notified with every new valid config. An empty file
// is handed over as a Config without tracepoints.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// ConfigReloader watches a config file and hands every changed, valid
// version of it to the component reloaders.
type ConfigReloader struct {
	logger             log.Logger
	filename           string
	watcher            *fsnotify.Watcher
	componentReloaders []ComponentReloader

	lastHash string

	lastReloadSuccessful          prometheus.Gauge
	lastReloadSuccessfulTimestamp prometheus.Gauge
	reloadsTotal                  *prometheus.CounterVec
}

func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// The directory is watched instead of the file so that atomic renames
	// and swapped symlinks are seen.
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &ConfigReloader{
		logger:             log.With(logger, "component", "config_reloader", "file", filename),
		filename:           filename,
		watcher:            watcher,
		componentReloaders: reloaders,

		lastReloadSuccessful: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deep_config_last_reload_successful",
			Help: "Whether the last configuration reload attempt was successful.",
		}),
		lastReloadSuccessfulTimestamp: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deep_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
		reloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_config_reloads_total",
			Help: "Total number of configuration reload attempts by result.",
		}, []string{"result"}),
	}, nil
}

// Run loads the current config and then follows changes until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	level.Debug(r.logger).Log("msg", "starting config reloader")
	if err := r.reload(); err != nil {
		level.Error(r.logger).Log("msg", "failed to load initial config", "err", err)
	}

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			level.Debug(r.logger).Log("msg", "config directory changed", "event", event.String())
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			level.Warn(r.logger).Log("msg", "file watcher error", "err", err)
			continue
		case <-ticker.C:
		}

		if err := r.reload(); err != nil {
			level.Error(r.logger).Log("msg", "failed to reload config", "err", err)
		}
	}
}

func (r *ConfigReloader) reload() error {
	content, err := os.ReadFile(r.filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// In the middle of a swap.
			return nil
		}
		r.failed()
		return fmt.Errorf("reading config file: %w", err)
	}

	h := hash.Bytes(content)
	if h == r.lastHash {
		return nil
	}

	cfg, err := Load(content)
	switch {
	case errors.Is(err, ErrEmptyConfig):
		level.Info(r.logger).Log("msg", "config file is empty, removing all tracepoints")
		cfg = &Config{}
	case err != nil:
		r.lastHash = h
		r.failed()
		return err
	}

	var errs []error
	for _, cr := range r.componentReloaders {
		if err := cr.Reloader(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cr.Name, err))
		}
	}
	r.lastHash = h
	if err := errors.Join(errs...); err != nil {
		r.failed()
		return fmt.Errorf("reloading components: %w", err)
	}

	level.Info(r.logger).Log("msg", "config reloaded", "tracepoints", len(cfg.Tracepoints))
	r.reloadsTotal.WithLabelValues("success").Inc()
	r.lastReloadSuccessful.Set(1)
	r.lastReloadSuccessfulTimestamp.SetToCurrentTime()
	return nil
}

func (r *ConfigReloader) failed() {
	r.reloadsTotal.WithLabelValues("failure").Inc()
	r.lastReloadSuccessful.Set(0)
}
