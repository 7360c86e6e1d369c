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

// Package agent wires the tracepoint registry, the snapshot pipeline and the
// collector connection into the object instrumented programs talk to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/deep-agent/pkg/capture"
	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/evaluator"
	deepgrpc "github.com/parca-dev/deep-agent/pkg/grpc"
	"github.com/parca-dev/deep-agent/pkg/plugin"
	"github.com/parca-dev/deep-agent/pkg/registry"
	"github.com/parca-dev/deep-agent/pkg/settings"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/spool"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

const (
	maxSpooledBatches = 10000
	sendRetries       = 3
)

type CollectorClient interface {
	TracepointPoller
	SnapshotSender
}

type Options struct {
	// Collector replaces the client dialed from the service settings.
	Collector CollectorClient
	// Decorators run after the plugins named in the settings.
	Decorators []snapshot.Decorator
	Now        func() time.Time
}

type Agent struct {
	logger   log.Logger
	settings *settings.Settings

	registry  *registry.Registry
	evaluator evaluator.Evaluator
	assembler *snapshot.Assembler

	writeClient *BatchWriteClient
	poller      *Poller
	closers     []io.Closer

	recent *xsync.MapOf[string, *snapshot.Snapshot]
}

func New(logger log.Logger, reg prometheus.Registerer, tp trace.TracerProvider, s *settings.Settings, o Options) (*Agent, error) {
	a := &Agent{
		logger:   logger,
		settings: s,
		recent:   xsync.NewMapOf[string, *snapshot.Snapshot](),
	}

	switch s.Evaluator {
	case settings.EvaluatorNone:
		a.evaluator = evaluator.Nop(logger)
	default:
		cue := evaluator.NewCUE(logger, reg,
			evaluator.WithMaxBindingDepth(s.MaxVarDepth),
			evaluator.WithMaxCollectionSize(s.MaxCollectionSize),
			evaluator.WithMaxStringLength(s.MaxStringLength),
		)
		a.evaluator = cue
		a.closers = append(a.closers, cue)
	}

	a.registry = registry.New(logger, reg, a.forget)

	decorators, err := plugin.Load(s.Plugins...)
	if err != nil {
		a.Close()
		return nil, err
	}
	attrs := map[string]string{"service.name": s.ServiceName}
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	decorators = append(decorators, plugin.Attributes(attrs))
	decorators = append(decorators, o.Decorators...)

	client := o.Collector
	if client == nil && s.ServiceURL != "" {
		conn, err := deepgrpc.Conn(logger, reg, tp, deepgrpc.Options{
			Address:      s.Target(),
			Insecure:     s.ServiceInsecure,
			BearerToken:  s.ServiceAuthToken,
			UnaryTimeout: s.ServiceTimeout,
			MaxRetries:   sendRetries,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create collector connection: %w", err)
		}
		a.closers = append(a.closers, conn)
		client = collector.NewClient(conn)
	}

	if client != nil {
		var sp *spool.Spool
		if s.SpoolPath != "" {
			sp, err = spool.Open(logger, reg, s.SpoolPath, maxSpooledBatches)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.closers = append(a.closers, sp)
		}
		a.writeClient = NewBatchWriteClient(logger, reg, tp, client, WriteClientOptions{
			QueueSize:     s.QueueSize,
			BatchSize:     s.BatchSize,
			WriteInterval: s.FlushInterval,
			Spool:         sp,
		})
		a.poller = NewPoller(logger, reg, client, a.registry, s.PollTimer, attrs)
	} else {
		level.Info(logger).Log("msg", "no collector configured, snapshots are kept locally only")
	}

	a.assembler = snapshot.NewAssembler(
		logger, reg,
		a.registry,
		a.evaluator,
		capture.NewCapturer(nil),
		snapshot.SubmitterFunc(a.submit),
		snapshot.Options{
			Limits:     s.CaptureLimits(),
			Decorators: decorators,
			Now:        o.Now,
		},
	)
	return a, nil
}

// forget drops what the agent keeps for removed tracepoints: their last
// snapshot and the compiled form of expressions no installed tracepoint
// still uses.
func (a *Agent) forget(_, removed []*tracepoint.Config) {
	if len(removed) == 0 {
		return
	}
	inUse := map[string]struct{}{}
	for _, c := range a.registry.All() {
		for _, e := range expressions(c) {
			inUse[e] = struct{}{}
		}
	}

	var unused []string
	for _, c := range removed {
		a.recent.Delete(c.ID)
		for _, e := range expressions(c) {
			if _, ok := inUse[e]; !ok {
				unused = append(unused, e)
			}
		}
	}
	if f, ok := a.evaluator.(evaluator.Forgetter); ok && len(unused) > 0 {
		f.Forget(unused...)
	}
}

func expressions(c *tracepoint.Config) []string {
	exprs := make([]string, 0, len(c.Watches)+1)
	if c.Condition != "" {
		exprs = append(exprs, c.Condition)
	}
	return append(exprs, c.Watches...)
}

func (a *Agent) submit(s *snapshot.Snapshot) {
	a.recent.Store(s.TracepointID, s)
	if a.writeClient != nil {
		a.writeClient.Submit(s)
		return
	}
	level.Debug(a.logger).Log("msg", "snapshot captured", "tracepoint", s.TracepointID, "id", s.ID, "variables", len(s.VarLookup))
}

// Hit reports that execution reached the tracepoints hit.IDs. It never
// panics and never blocks on the network.
func (a *Agent) Hit(ctx context.Context, hit snapshot.Hit) []snapshot.Outcome {
	if !a.settings.Enabled || len(hit.IDs) == 0 {
		return nil
	}
	if hit.Context == nil {
		hit.Context = ctx
	}
	hit.Skip++
	return a.assembler.OnHit(ctx, hit)
}

// HitLocation reports that execution reached path:line and fires every
// tracepoint installed there.
func (a *Agent) HitLocation(ctx context.Context, path string, line int, bindings map[string]any) []snapshot.Outcome {
	if !a.settings.Enabled {
		return nil
	}
	cfgs := a.registry.LoadByLocation(path, line)
	if len(cfgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		ids = append(ids, c.ID)
	}
	return a.assembler.OnHit(ctx, snapshot.Hit{
		Context:  ctx,
		IDs:      ids,
		Path:     path,
		Line:     line,
		Bindings: bindings,
		Skip:     1,
	})
}

// Recent returns the most recent snapshot of the tracepoint id.
func (a *Agent) Recent(id string) (*snapshot.Snapshot, bool) {
	return a.recent.Load(id)
}

// Registry returns the installed tracepoints. Programs without a collector
// update it from their own source.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Run ships snapshots and polls for tracepoints until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	if a.writeClient != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(a.logger).Log("msg", "starting: batch write client")
			defer level.Debug(a.logger).Log("msg", "stopped: batch write client")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "batch_write_client"), func(ctx context.Context) {
				err = a.writeClient.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	if a.poller != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(a.logger).Log("msg", "starting: tracepoint poller")
			defer level.Debug(a.logger).Log("msg", "stopped: tracepoint poller")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "tracepoint_poller"), func(ctx context.Context) {
				err = a.poller.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	err := g.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the collector connection, the spool and the evaluator.
// It must be called after Run returned.
func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
