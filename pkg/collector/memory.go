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

package collector

import (
	"context"
	"sync"
	"time"

	"github.com/parca-dev/deep-agent/pkg/hash"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

// Memory is a collector keeping its tracepoints and the most recent
// snapshots in memory. It backs the demo and tests.
type Memory struct {
	mtx         sync.RWMutex
	tracepoints []Tracepoint
	hash        string
	snapshots   []*snapshot.Snapshot
	max         int
	polls       int
}

var _ Server = (*Memory)(nil)

// NewMemory returns a collector keeping at most maxSnapshots snapshots.
func NewMemory(maxSnapshots int) *Memory {
	m := &Memory{max: maxSnapshots}
	m.SetTracepoints(nil)
	return m
}

// SetTracepoints replaces the tracepoint set agents are told about.
func (m *Memory) SetTracepoints(tps []Tracepoint) {
	cfgs := make([]*tracepoint.Config, 0, len(tps))
	for _, tp := range tps {
		// Malformed args do not change the identity of the set.
		cfg, _ := tp.Config()
		cfgs = append(cfgs, cfg)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tracepoints = append([]Tracepoint(nil), tps...)
	m.hash = hash.Tracepoints(cfgs)
}

func (m *Memory) Poll(_ context.Context, req *PollRequest) (*PollResponse, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.polls++

	res := &PollResponse{TsNanos: time.Now().UnixNano(), CurrentHash: m.hash}
	if req.CurrentHash == m.hash {
		res.Response = ResponseNoChange
		return res, nil
	}
	res.Response = ResponseUpdate
	res.Tracepoints = append([]Tracepoint{}, m.tracepoints...)
	return res, nil
}

func (m *Memory) Send(_ context.Context, req *SendRequest) (*SendResponse, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.snapshots = append(m.snapshots, req.Snapshots...)
	if m.max > 0 && len(m.snapshots) > m.max {
		m.snapshots = append([]*snapshot.Snapshot(nil), m.snapshots[len(m.snapshots)-m.max:]...)
	}
	return &SendResponse{Accepted: len(req.Snapshots)}, nil
}

// Snapshots returns the retained snapshots, oldest first.
func (m *Memory) Snapshots() []*snapshot.Snapshot {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return append([]*snapshot.Snapshot(nil), m.snapshots...)
}

// Polls returns how often agents polled.
func (m *Memory) Polls() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.polls
}
