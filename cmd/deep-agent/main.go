// Copyright 2022-2023 The Parca Authors
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
//

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"strings"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/deep-agent/flags"
	"github.com/parca-dev/deep-agent/pkg/agent"
	"github.com/parca-dev/deep-agent/pkg/buildinfo"
	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/config"
	deepgrpc "github.com/parca-dev/deep-agent/pkg/grpc"
	"github.com/parca-dev/deep-agent/pkg/template"
	"github.com/parca-dev/deep-agent/pkg/tracer"
)

const (
	programName = "deep-agent"

	embeddedCollectorSnapshots = 1000
)

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if f.Version {
		fmt.Fprintln(os.Stdout, version.Print(programName))
		os.Exit(0)
	}

	logger := f.Log.Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(strings.ReplaceAll(programName, "-", "_")),
	)

	intro := figure.NewColorFigure("Deep Agent ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		level.Debug(logger).Log("msg", "GOMEMLIMIT not set from cgroup", "err", err)
	} else {
		level.Info(logger).Log("msg", "GOMEMLIMIT set from cgroup", "limit", limit)
	}

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	ctx := context.Background()

	// Fetch build info such as the git revision we are based off
	buildInfo, err := buildinfo.FetchBuildInfo()
	if err != nil {
		level.Debug(logger).Log("msg", "failed to fetch build info", "err", err)
	} else {
		level.Debug(logger).Log("msg", "deep-agent initialized",
			"version", version.Version,
			"commit", buildInfo.VcsRevision,
			"date", buildInfo.VcsTime,
			"config", fmt.Sprintf("%+v", f),
			"arch", buildInfo.GoArch,
		)
	}

	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	var tp trace.TracerProvider = tracer.NewNoopTracerProvider()
	if f.OTLP.Address != "" || f.OTLP.Exporter == string(tracer.ExporterTypeStdout) {
		exporter, err := tracer.NewExporter(ctx, tracer.ExporterType(f.OTLP.Exporter), f.OTLP.Address, f.OTLP.Insecure, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to create tracing exporter: %w", err)
		}
		provider, err := tracer.NewProvider(ctx, programName, version.Version, exporter)
		if err != nil {
			return fmt.Errorf("failed to create tracing provider: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				level.Warn(logger).Log("msg", "failed to flush traces", "err", err)
			}
		}()
		tp = provider
	}

	s, err := f.Settings()
	if err != nil {
		return err
	}

	var g okrun.Group

	var embedded *collector.Memory
	if f.Collector.Embedded {
		embedded = collector.NewMemory(embeddedCollectorSnapshots)
		srv, err := deepgrpc.NewServer(logger, reg, tp)
		if err != nil {
			return err
		}
		collector.RegisterServer(srv, embedded)

		lis, err := net.Listen("tcp", f.Collector.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen for the embedded collector: %w", err)
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: embedded collector", "address", lis.Addr())
			defer level.Debug(logger).Log("msg", "stopped: embedded collector")
			return srv.Serve(lis)
		}, func(error) {
			srv.GracefulStop()
		})
	}

	a, err := agent.New(logger, reg, tp, s, agent.Options{})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: agent")
			defer level.Debug(logger).Log("msg", "stopped: agent")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "agent"), func(ctx context.Context) {
				err = a.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	if !f.Workload.Disable {
		ctx, cancel := context.WithCancel(ctx)
		w := newShop(log.With(logger, "component", "workload"), a, f.Workload.Interval)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: sample workload")
			defer level.Debug(logger).Log("msg", "stopped: sample workload")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "workload"), func(ctx context.Context) {
				err = w.Run(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	source := "collector " + f.Collector.Address
	if f.ConfigPath != "" {
		source = f.ConfigPath
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		reloaders := []config.ComponentReloader{{
			Name:     "tracepoints",
			Reloader: tracepointReloader(logger, a, embedded),
		}}
		cfgReloader, err := config.NewConfigReloader(logger, reg, f.ConfigPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: config file reloader")
				defer level.Debug(logger).Log("msg", "stopped: config file reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(_ context.Context) {
					err = cfgReloader.Run(ctx)
				})

				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/snapshots/", snapshotHandler(logger, a))
	mux.HandleFunc("/", statusHandler(logger, a, s.ServiceName, source))

	// Run group for http server.
	{
		handler := otelhttp.NewHandler(mux, "deep-agent-http",
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/metrics" && !strings.HasPrefix(r.URL.Path, "/debug/pprof")
			}),
		)
		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "address", f.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})

			return err
		}, func(error) {
			srv.Close()
		})
	}

	level.Info(logger).Log("msg", "starting...", "service", s.ServiceName, "collector", s.ServiceURL, "http", f.HTTPAddress)

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	err = g.Run()
	var sig okrun.SignalError
	if errors.As(err, &sig) {
		level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
		return nil
	}
	return err
}

// tracepointReloader installs the tracepoints of the config file. With an
// embedded collector they are served to the agent over gRPC, otherwise they
// go straight into the agent registry.
func tracepointReloader(logger log.Logger, a *agent.Agent, embedded *collector.Memory) func(*config.Config) error {
	return func(cfg *config.Config) error {
		cfgs, hash, err := cfg.TracepointConfigs()
		if err != nil {
			level.Warn(logger).Log("msg", "tracepoints have malformed args, using defaults", "err", err)
		}

		if embedded != nil {
			tps := make([]collector.Tracepoint, 0, len(cfgs))
			for _, c := range cfgs {
				tps = append(tps, collector.FromConfig(c))
			}
			embedded.SetTracepoints(tps)
			return nil
		}

		a.Registry().ConfigUpdate(time.Now().UnixNano(), hash, cfgs)
		return nil
	}
}

func statusHandler(logger log.Logger, a *agent.Agent, serviceName, source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		now := time.Now()
		page := &template.StatusPage{
			ServiceName: serviceName,
			Source:      source,
		}
		if hash, ok := a.Registry().CurrentHash(); ok {
			page.Hash = hash
			page.LastPollAgo = now.Sub(time.Unix(0, a.Registry().LastPoll())).Round(time.Second)
		}

		for _, c := range a.Registry().All() {
			tp := template.Tracepoint{
				ID:    c.ID,
				Path:  c.Path,
				Line:  c.Line,
				Args:  c.Args,
				Fires: c.Fires(),
			}
			if ts, ok := c.LastFire(); ok {
				tp.LastFire = now.Sub(time.UnixMilli(ts)).Round(time.Second)
			}
			if s, ok := a.Recent(c.ID); ok {
				tp.SnapshotLink = "/snapshots/" + c.ID
				tp.SnapshotAge = now.Sub(time.Unix(0, s.TsNanos)).Round(time.Second)
			}
			page.Tracepoints = append(page.Tracepoints, tp)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := template.StatusPageTemplate.Execute(w, page); err != nil {
			level.Error(logger).Log("msg", "failed to render status page", "err", err)
		}
	}
}

func snapshotHandler(logger log.Logger, a *agent.Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/snapshots/")
		s, ok := a.Recent(id)
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			level.Error(logger).Log("msg", "failed to write snapshot", "err", err)
		}
	}
}
