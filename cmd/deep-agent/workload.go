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

package main

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

// hitter is the part of the agent the workload reports hits to.
type hitter interface {
	HitLocation(ctx context.Context, path string, line int, bindings map[string]any) []snapshot.Outcome
}

type item struct {
	SKU      string
	Quantity int
	Price    float64
}

type customer struct {
	ID    int
	Email string
	Tags  map[string]string
}

type cart struct {
	ID       int
	Customer *customer
	Items    []item
	Coupon   string
}

var errOutOfStock = errors.New("out of stock")

// shop simulates request handling.
type shop struct {
	logger   log.Logger
	agent    hitter
	interval time.Duration
	rnd      *rand.Rand
	stock    map[string]int
	orders   int
}

func newShop(logger log.Logger, agent hitter, interval time.Duration) *shop {
	return &shop{
		logger:   logger,
		agent:    agent,
		interval: interval,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		stock:    map[string]int{"book": 100, "pen": 500, "lamp": 20},
	}
}

// here returns the location of its caller. Tracepoints are installed at
// the lines calling here.
func here() (string, int) {
	_, file, line, _ := runtime.Caller(1)
	return file, line
}

func (s *shop) report(outcomes []snapshot.Outcome) {
	for _, o := range outcomes {
		level.Debug(s.logger).Log("msg", "tracepoint hit", "tracepoint", o.TracepointID, "result", o.Result, "snapshot", o.SnapshotID)
	}
}

func (s *shop) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		c := s.randomCart()
		total, err := s.checkout(ctx, c)
		if err != nil {
			level.Debug(s.logger).Log("msg", "checkout failed", "cart", c.ID, "err", err)
			continue
		}
		level.Debug(s.logger).Log("msg", "checkout", "cart", c.ID, "total", total)
	}
}

func (s *shop) randomCart() *cart {
	skus := []string{"book", "pen", "lamp"}
	c := &cart{
		ID: s.rnd.Intn(1_000_000),
		Customer: &customer{
			ID:    s.rnd.Intn(1000),
			Email: "customer@example.com",
			Tags:  map[string]string{"tier": []string{"free", "pro"}[s.rnd.Intn(2)]},
		},
	}
	for i := 0; i <= s.rnd.Intn(4); i++ {
		sku := skus[s.rnd.Intn(len(skus))]
		c.Items = append(c.Items, item{SKU: sku, Quantity: 1 + s.rnd.Intn(3), Price: float64(1+s.rnd.Intn(50)) + 0.99})
	}
	if s.rnd.Intn(5) == 0 {
		c.Coupon = "SAVE10"
	}
	return c
}

func (s *shop) checkout(ctx context.Context, c *cart) (float64, error) {
	file, line := here()
	s.report(s.agent.HitLocation(ctx, file, line, map[string]any{"this": s, "c": c}))

	var total float64
	for _, it := range c.Items {
		if s.stock[it.SKU] < it.Quantity {
			file, line := here()
			s.report(s.agent.HitLocation(ctx, file, line, map[string]any{"this": s, "c": c, "item": it}))
			return 0, errOutOfStock
		}
		total += float64(it.Quantity) * it.Price
	}
	discount := s.discount(ctx, c, total)
	total -= discount

	for _, it := range c.Items {
		s.stock[it.SKU] -= it.Quantity
		if s.stock[it.SKU] < 10 {
			s.stock[it.SKU] += 100
		}
	}
	s.orders++

	file, line = here()
	s.report(s.agent.HitLocation(ctx, file, line, map[string]any{"this": s, "c": c, "total": total, "discount": discount}))
	return total, nil
}

func (s *shop) discount(ctx context.Context, c *cart, total float64) float64 {
	var d float64
	if c.Coupon == "SAVE10" {
		d = total * 0.1
	}
	if c.Customer.Tags["tier"] == "pro" {
		d += 5
	}
	file, line := here()
	s.report(s.agent.HitLocation(ctx, file, line, map[string]any{"c": c, "total": total, "d": d}))
	return d
}
