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

package collector_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/parca-dev/deep-agent/pkg/collector"
	deepgrpc "github.com/parca-dev/deep-agent/pkg/grpc"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serve(t *testing.T, srv collector.Server) *collector.Client {
	t.Helper()

	logger := log.NewNopLogger()
	tp := noop.NewTracerProvider()
	lis := bufconn.Listen(1 << 20)

	s, err := deepgrpc.NewServer(logger, prometheus.NewRegistry(), tp)
	require.NoError(t, err)
	collector.RegisterServer(s, srv)
	go func() {
		_ = s.Serve(lis)
	}()

	conn, err := deepgrpc.Conn(logger, prometheus.NewRegistry(), tp, deepgrpc.Options{
		Address:      "passthrough:///bufnet",
		Insecure:     true,
		UnaryTimeout: 5 * time.Second,
		MaxRetries:   1,
	}, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, conn.Close())
		s.Stop()
	})
	return collector.NewClient(conn)
}

func TestPoll(t *testing.T) {
	m := collector.NewMemory(10)
	c := serve(t, m)
	ctx := context.Background()

	res, err := c.Poll(ctx, &collector.PollRequest{TsNanos: 1})
	require.NoError(t, err)
	require.Equal(t, collector.ResponseUpdate, res.Response)
	require.Empty(t, res.Tracepoints)
	empty := res.CurrentHash

	res, err = c.Poll(ctx, &collector.PollRequest{TsNanos: 2, CurrentHash: empty})
	require.NoError(t, err)
	require.Equal(t, collector.ResponseNoChange, res.Response)

	m.SetTracepoints([]collector.Tracepoint{
		{ID: "tp1", Path: "main.go", Line: 12, Args: map[string]string{"fire_count": "3"}, Watches: []string{"x"}},
	})
	res, err = c.Poll(ctx, &collector.PollRequest{TsNanos: 3, CurrentHash: empty})
	require.NoError(t, err)
	require.Equal(t, collector.ResponseUpdate, res.Response)
	require.NotEqual(t, empty, res.CurrentHash)
	require.Equal(t, []collector.Tracepoint{
		{ID: "tp1", Path: "main.go", Line: 12, Args: map[string]string{"fire_count": "3"}, Watches: []string{"x"}},
	}, res.Tracepoints)

	cfg, err := res.Tracepoints[0].Config()
	require.NoError(t, err)
	require.Equal(t, int64(3), cfg.FireCount)
	require.Equal(t, res.Tracepoints[0], collector.FromConfig(cfg))

	require.Equal(t, 3, m.Polls())
}

func TestSend(t *testing.T) {
	m := collector.NewMemory(2)
	c := serve(t, m)

	res, err := c.Send(context.Background(), &collector.SendRequest{Snapshots: []*snapshot.Snapshot{
		{ID: "s1", TracepointID: "tp1", Attributes: map[string]string{"k": "v"}},
		{ID: "s2", TracepointID: "tp1"},
		{ID: "s3", TracepointID: "tp2"},
	}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)

	got := m.Snapshots()
	require.Len(t, got, 2)
	require.Equal(t, "s2", got[0].ID)
	require.Equal(t, "s3", got[1].ID)
}

type failing struct {
	collector.Memory
}

func (*failing) Send(context.Context, *collector.SendRequest) (*collector.SendResponse, error) {
	return nil, status.Error(codes.PermissionDenied, "no")
}

func TestSendError(t *testing.T) {
	c := serve(t, &failing{})

	_, err := c.Send(context.Background(), &collector.SendRequest{})
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}
