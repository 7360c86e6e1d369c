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

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"

	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/registry"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

type TracepointPoller interface {
	Poll(ctx context.Context, req *collector.PollRequest, opts ...grpc.CallOption) (*collector.PollResponse, error)
}

// Poller keeps the registry in sync with the collector.
type Poller struct {
	logger   log.Logger
	polls    *prometheus.CounterVec
	client   TracepointPoller
	registry *registry.Registry
	interval time.Duration
	resource map[string]string
	now      func() time.Time
}

func NewPoller(logger log.Logger, reg prometheus.Registerer, client TracepointPoller, r *registry.Registry, interval time.Duration, resource map[string]string) *Poller {
	return &Poller{
		logger: logger,
		polls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_poller_polls_total",
			Help: "Total number of tracepoint polls by result.",
		}, []string{"result"}),
		client:   client,
		registry: r,
		interval: interval,
		resource: resource,
		now:      time.Now,
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.pollWithRetry(ctx); err != nil && ctx.Err() == nil {
			level.Warn(p.logger).Log("msg", "failed to poll tracepoints", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollWithRetry(ctx context.Context) error {
	expbackOff := backoff.NewExponentialBackOff()
	expbackOff.MaxElapsedTime = p.interval
	expbackOff.InitialInterval = p.interval / 10

	return backoff.Retry(func() error {
		err := p.Poll(ctx)
		if err != nil {
			level.Debug(p.logger).Log("msg", "poll failed, retrying", "err", err)
		}
		return err
	}, backoff.WithContext(expbackOff, ctx))
}

// Poll asks the collector once and applies the answer to the registry.
func (p *Poller) Poll(ctx context.Context) error {
	hash, _ := p.registry.CurrentHash()
	res, err := p.client.Poll(ctx, &collector.PollRequest{
		TsNanos:     p.now().UnixNano(),
		CurrentHash: hash,
		Resource:    p.resource,
	})
	if err != nil {
		p.polls.WithLabelValues("error").Inc()
		return fmt.Errorf("poll collector: %w", err)
	}

	switch res.Response {
	case collector.ResponseNoChange:
		p.polls.WithLabelValues("no_change").Inc()
		p.registry.NoChange(res.TsNanos)
	case collector.ResponseUpdate:
		p.polls.WithLabelValues("update").Inc()
		cfgs := make([]*tracepoint.Config, 0, len(res.Tracepoints))
		for _, tp := range res.Tracepoints {
			cfg, err := tp.Config()
			if err != nil {
				level.Warn(p.logger).Log("msg", "tracepoint has malformed args, using defaults", "id", tp.ID, "err", err)
			}
			cfgs = append(cfgs, cfg)
		}
		p.registry.ConfigUpdate(res.TsNanos, res.CurrentHash, cfgs)
		level.Info(p.logger).Log("msg", "tracepoints updated", "hash", res.CurrentHash, "count", len(cfgs))
	}
	return nil
}
