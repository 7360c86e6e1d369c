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

package plugin

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"go", "host", "otel", "process"}, Names())

	ps, err := Load("go", " otel ", "")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.Equal(t, "go", ps[0].Name())
	require.Equal(t, "otel", ps[1].Name())

	_, err = Load("go", "jvm")
	require.ErrorContains(t, err, `unknown plugin "jvm"`)
}

func TestGo(t *testing.T) {
	t.Parallel()

	attrs, err := Go().Decorate(snapshot.HitContext{})
	require.NoError(t, err)
	require.Equal(t, runtime.Version(), attrs["go_version"])
	require.Equal(t, runtime.GOOS, attrs["go_os"])
	n, err := strconv.Atoi(attrs["go_goroutines"])
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestProcess(t *testing.T) {
	t.Parallel()

	attrs, err := Process().Decorate(snapshot.HitContext{})
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), attrs["pid"])
}

func TestHost(t *testing.T) {
	t.Parallel()

	attrs, err := Host().Decorate(snapshot.HitContext{})
	require.NoError(t, err)
	require.NotEmpty(t, attrs["hostname"])
}

func TestOTel(t *testing.T) {
	t.Parallel()

	p := OTel()

	attrs, err := p.Decorate(snapshot.HitContext{Context: context.Background()})
	require.NoError(t, err)
	require.Empty(t, attrs)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	attrs, err = p.Decorate(snapshot.HitContext{Context: ctx})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"trace_id": "01020300000000000000000000000000",
		"span_id":  "0a00000000000000",
	}, attrs)
}

func TestStaticPluginRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	p := newStatic("counting", func() (model.LabelSet, error) {
		calls++
		return model.LabelSet{"k": "v"}, nil
	})
	for i := 0; i < 3; i++ {
		attrs, err := p.Decorate(snapshot.HitContext{})
		require.NoError(t, err)
		require.Equal(t, map[string]string{"k": "v"}, attrs)
	}
	require.Equal(t, 1, calls)

	failing := newStatic("failing", func() (model.LabelSet, error) {
		return nil, errors.New("boom")
	})
	_, err := failing.Decorate(snapshot.HitContext{})
	require.EqualError(t, err, "failing: boom")
}

func TestAttributes(t *testing.T) {
	t.Parallel()

	attrs, err := Attributes(map[string]string{"team": "checkout"}).Decorate(snapshot.HitContext{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"team": "checkout"}, attrs)
}
