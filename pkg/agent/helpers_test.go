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
	"errors"
	"testing"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"

	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

var errUnavailable = errors.New("collector unavailable")

// fakeCollector calls an in-memory collector directly and can be switched
// to fail every call.
type fakeCollector struct {
	mem  *collector.Memory
	down *atomic.Bool
}

func newFakeCollector(tps ...collector.Tracepoint) *fakeCollector {
	m := collector.NewMemory(100)
	m.SetTracepoints(tps)
	return &fakeCollector{mem: m, down: atomic.NewBool(false)}
}

func (f *fakeCollector) Poll(ctx context.Context, req *collector.PollRequest, _ ...grpc.CallOption) (*collector.PollResponse, error) {
	if f.down.Load() {
		return nil, errUnavailable
	}
	return f.mem.Poll(ctx, req)
}

func (f *fakeCollector) Send(ctx context.Context, req *collector.SendRequest, _ ...grpc.CallOption) (*collector.SendResponse, error) {
	if f.down.Load() {
		return nil, errUnavailable
	}
	return f.mem.Send(ctx, req)
}

func testSnapshot(t *testing.T, id string) *snapshot.Snapshot {
	t.Helper()
	return &snapshot.Snapshot{
		ID:           id,
		TracepointID: "tp",
		Path:         "main.go",
		Line:         10,
		TsNanos:      time.Now().UnixNano(),
	}
}

func snapshotIDs(ss []*snapshot.Snapshot) []string {
	ids := make([]string, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, s.ID)
	}
	return ids
}
