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

// Package grpc sets up instrumented gRPC clients and servers speaking the
// collector protocol.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/timeout"
	"github.com/prometheus/client_golang/prometheus"
	tracing "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// MaxMsgSize bounds a single snapshot batch.
const MaxMsgSize = 32 * 1024 * 1024

type perRequestBearerToken struct {
	token    string
	insecure bool
}

func NewPerRequestBearerToken(token string, insecure bool) *perRequestBearerToken {
	return &perRequestBearerToken{
		token:    token,
		insecure: insecure,
	}
}

func (t *perRequestBearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Bearer " + t.token,
	}, nil
}

func (t *perRequestBearerToken) RequireTransportSecurity() bool {
	return !t.insecure
}

// Options configure a client connection.
type Options struct {
	Address      string
	Insecure     bool
	BearerToken  string
	UnaryTimeout time.Duration
	// MaxRetries of a unary call on transient errors.
	MaxRetries uint
}

var propagators = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

func exemplarFromContext(ctx context.Context) prometheus.Labels {
	if span := trace.SpanContextFromContext(ctx); span.IsSampled() {
		return prometheus.Labels{"traceID": span.TraceID().String()}
	}
	return nil
}

func logTraceID(ctx context.Context) logging.Fields {
	if span := trace.SpanContextFromContext(ctx); span.IsSampled() {
		return logging.Fields{"traceID", span.TraceID().String()}
	}
	return nil
}

// Conn creates a client connection to the collector. The connection is
// established lazily on the first call.
func Conn(logger log.Logger, reg prometheus.Registerer, tp trace.TracerProvider, o Options, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if o.UnaryTimeout <= 0 {
		o.UnaryTimeout = 10 * time.Second
	}

	// metrics
	metrics := grpc_prometheus.NewClientMetrics(
		grpc_prometheus.WithClientHandlingTimeHistogram(
			grpc_prometheus.WithHistogramOpts(&prometheus.HistogramOpts{
				NativeHistogramBucketFactor: 1.1,
				Buckets:                     nil,
			}),
		),
	)
	if err := reg.Register(metrics); err != nil {
		return nil, fmt.Errorf("registering client metrics: %w", err)
	}

	if o.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	}
	if o.BearerToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(NewPerRequestBearerToken(o.BearerToken, o.Insecure)))
	}

	opts = append(opts,
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(JSONCodec{}),
			grpc.MaxCallSendMsgSize(MaxMsgSize),
			grpc.MaxCallRecvMsgSize(MaxMsgSize),
		),
		grpc.WithChainUnaryInterceptor(
			timeout.UnaryClientInterceptor(o.UnaryTimeout),
			retry.UnaryClientInterceptor(
				retry.WithBackoff(retry.BackoffExponentialWithJitter(100*time.Millisecond, 0.1)),
				retry.WithMax(o.MaxRetries),
				// Each attempt gets its own deadline so that a retry still
				// fits into the unary timeout.
				retry.WithPerRetryTimeout(o.UnaryTimeout/time.Duration(o.MaxRetries+1)),
			),
			metrics.UnaryClientInterceptor(
				grpc_prometheus.WithExemplarFromContext(exemplarFromContext),
			),
			logging.UnaryClientInterceptor(interceptorLogger(logger), logging.WithFieldsFromContext(logTraceID)),
		),
		grpc.WithStatsHandler(tracing.NewClientHandler(
			tracing.WithTracerProvider(tp),
			tracing.WithPropagators(propagators),
		)),
	)

	return grpc.NewClient(o.Address, opts...)
}

// NewServer returns an instrumented server speaking the collector codec.
func NewServer(logger log.Logger, reg prometheus.Registerer, tp trace.TracerProvider, opts ...grpc.ServerOption) (*grpc.Server, error) {
	metrics := grpc_prometheus.NewServerMetrics()
	if err := reg.Register(metrics); err != nil {
		return nil, fmt.Errorf("registering server metrics: %w", err)
	}

	opts = append(opts,
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.MaxRecvMsgSize(MaxMsgSize),
		grpc.MaxSendMsgSize(MaxMsgSize),
		grpc.ChainUnaryInterceptor(
			metrics.UnaryServerInterceptor(grpc_prometheus.WithExemplarFromContext(exemplarFromContext)),
			logging.UnaryServerInterceptor(interceptorLogger(logger), logging.WithFieldsFromContext(logTraceID)),
		),
		grpc.StatsHandler(tracing.NewServerHandler(
			tracing.WithTracerProvider(tp),
			tracing.WithPropagators(propagators),
		)),
	)
	return grpc.NewServer(opts...), nil
}

// interceptorLogger adapts go-kit logger to interceptor logger.
func interceptorLogger(l log.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		largs := append([]any{"msg", msg}, fields...)
		switch lvl {
		case logging.LevelDebug:
			_ = level.Debug(l).Log(largs...)
		case logging.LevelInfo:
			_ = level.Info(l).Log(largs...)
		case logging.LevelWarn:
			_ = level.Warn(l).Log(largs...)
		case logging.LevelError:
			_ = level.Error(l).Log(largs...)
		default:
			panic(fmt.Sprintf("unknown level %v", lvl))
		}
	})
}
