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

package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/spool"
)

// maxReplayBatches bounds the spooled batches replayed per flush.
const maxReplayBatches = 10

type SnapshotSender interface {
	Send(ctx context.Context, req *collector.SendRequest, opts ...grpc.CallOption) (*collector.SendResponse, error)
}

type metrics struct {
	queued         prometheus.Counter
	dropped        *prometheus.CounterVec
	sent           prometheus.Counter
	spooled        prometheus.Counter
	replayed       prometheus.Counter
	sendRetries    prometheus.Counter
	sendLatency    prometheus.Histogram
	queueLength    prometheus.GaugeFunc
	lastSendStatus prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, queueLength func() float64) *metrics {
	var m metrics

	m.queued = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_queued_total",
			Help: "Total number of snapshots accepted into the send queue.",
		})
	m.dropped = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_dropped_total",
			Help: "Total number of snapshots dropped by reason.",
		}, []string{"reason"})
	m.sent = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_sent_total",
			Help: "Total number of snapshots accepted by the collector.",
		})
	m.spooled = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_spooled_total",
			Help: "Total number of snapshots written to the offline spool.",
		})
	m.replayed = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_replayed_total",
			Help: "Total number of spooled snapshots sent after the collector became reachable.",
		})
	m.sendRetries = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "deep_batch_writer_retries_total",
			Help: "Total number of retries when sending snapshot batches.",
		})
	m.sendLatency = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:                        "deep_batch_writer_latency_seconds",
			Help:                        "Histogram of overall latency when sending snapshot batches with retries.",
			NativeHistogramBucketFactor: 1.1,
		})
	m.queueLength = promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "deep_batch_writer_queue_length",
			Help: "Number of snapshots waiting to be sent.",
		}, queueLength)
	m.lastSendStatus = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "deep_batch_writer_last_send_successful",
			Help: "Whether the last batch was accepted by the collector.",
		})

	return &m
}

type WriteClientOptions struct {
	QueueSize     int
	BatchSize     int
	WriteInterval time.Duration
	// Spool keeps batches that could not be sent. Optional.
	Spool *spool.Spool
}

// BatchWriteClient queues snapshots and sends them to the collector in
// batches. Submit never blocks the instrumented code.
type BatchWriteClient struct {
	logger  log.Logger
	metrics *metrics
	tracer  trace.Tracer

	sender        SnapshotSender
	spool         *spool.Spool
	batchSize     int
	writeInterval time.Duration

	queue chan *snapshot.Snapshot

	mtx                *sync.RWMutex
	lastBatchSentAt    time.Time
	lastBatchSendError error
}

var _ snapshot.Submitter = (*BatchWriteClient)(nil)

func NewBatchWriteClient(logger log.Logger, reg prometheus.Registerer, tp trace.TracerProvider, sender SnapshotSender, o WriteClientOptions) *BatchWriteClient {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.WriteInterval <= 0 {
		o.WriteInterval = time.Second
	}

	b := &BatchWriteClient{
		logger:        logger,
		tracer:        tp.Tracer("batch_write_client"),
		sender:        sender,
		spool:         o.Spool,
		batchSize:     o.BatchSize,
		writeInterval: o.WriteInterval,

		queue: make(chan *snapshot.Snapshot, o.QueueSize),
		mtx:   &sync.RWMutex{},
	}
	b.metrics = newMetrics(reg, func() float64 { return float64(len(b.queue)) })
	return b
}

// Submit queues s. When the queue is full s is dropped.
func (b *BatchWriteClient) Submit(s *snapshot.Snapshot) {
	select {
	case b.queue <- s:
		b.metrics.queued.Inc()
	default:
		b.metrics.dropped.WithLabelValues("queue_full").Inc()
		level.Debug(b.logger).Log("msg", "snapshot queue full, dropping snapshot", "tracepoint", s.TracepointID, "id", s.ID)
	}
}

// LastSend returns the time and the error of the last flush.
func (b *BatchWriteClient) LastSend() (time.Time, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.lastBatchSentAt, b.lastBatchSendError
}

func (b *BatchWriteClient) report(lastBatchSentAt time.Time, lastBatchSendError error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.lastBatchSentAt = lastBatchSentAt
	b.lastBatchSendError = lastBatchSendError
	if lastBatchSendError == nil {
		b.metrics.lastSendStatus.Set(1)
	} else {
		b.metrics.lastSendStatus.Set(0)
	}
}

// Run flushes the queue every write interval until ctx is done. Snapshots
// still queued at that point get one last flush attempt.
func (b *BatchWriteClient) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.writeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case <-ticker.C:
		}

		b.report(time.Now(), b.flush(ctx))
	}
}

func (b *BatchWriteClient) drain() {
	if len(b.queue) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.writeInterval)
	defer cancel()
	if err := b.flush(ctx); err != nil {
		level.Warn(b.logger).Log("msg", "failed to flush snapshots on shutdown", "err", err)
	}
}

// take removes up to batchSize snapshots from the queue.
func (b *BatchWriteClient) take() []*snapshot.Snapshot {
	var batch []*snapshot.Snapshot
	for len(batch) < b.batchSize {
		select {
		case s := <-b.queue:
			batch = append(batch, s)
		default:
			return batch
		}
	}
	return batch
}

// flush sends the queued snapshots. A batch that cannot be sent goes to the
// spool and the rest of the queue waits for the next flush. Spooled batches
// are replayed once the queue was sent.
func (b *BatchWriteClient) flush(ctx context.Context) error {
	for {
		batch := b.take()
		if len(batch) == 0 {
			break
		}
		if err := b.send(ctx, batch); err != nil {
			b.store(ctx, batch)
			return err
		}
		b.metrics.sent.Add(float64(len(batch)))
	}
	return b.replay(ctx)
}

func (b *BatchWriteClient) send(ctx context.Context, batch []*snapshot.Snapshot) error {
	ctx, span := b.tracer.Start(ctx, "send_snapshots", trace.WithAttributes(attribute.Int("snapshots", len(batch))))
	defer span.End()

	start := time.Now()
	defer func() {
		b.metrics.sendLatency.Observe(time.Since(start).Seconds())
	}()

	initial := 500 * time.Millisecond // Let's not retry to aggressively to start with.
	if half := b.writeInterval / 2; half < initial {
		initial = half
	}
	expbackOff := backoff.NewExponentialBackOff()
	expbackOff.MaxElapsedTime = b.writeInterval
	expbackOff.InitialInterval = initial

	err := backoff.Retry(func() error {
		_, err := b.sender.Send(ctx, &collector.SendRequest{Snapshots: batch})
		// Only enter this block if retrying
		if err != nil && expbackOff.NextBackOff().Nanoseconds() > 0 {
			b.metrics.sendRetries.Inc()
			level.Debug(b.logger).Log(
				"msg", "batch write client failed to send snapshots",
				"retry", expbackOff.NextBackOff(),
				"count", len(batch),
				"err", err,
			)
		}
		return err
	}, backoff.WithContext(expbackOff, ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level.Warn(b.logger).Log("msg", "batch write client failed to send snapshots", "count", len(batch), "err", err)
		return err
	}

	level.Debug(b.logger).Log("msg", "batch write client sent snapshots", "count", len(batch))
	return nil
}

func (b *BatchWriteClient) store(ctx context.Context, batch []*snapshot.Snapshot) {
	if b.spool == nil {
		b.metrics.dropped.WithLabelValues("send_failed").Add(float64(len(batch)))
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		b.metrics.dropped.WithLabelValues("encode_failed").Add(float64(len(batch)))
		level.Error(b.logger).Log("msg", "failed to encode snapshot batch", "err", err)
		return
	}
	if err := b.spool.Put(ctx, len(batch), payload); err != nil {
		b.metrics.dropped.WithLabelValues("spool_failed").Add(float64(len(batch)))
		level.Error(b.logger).Log("msg", "failed to spool snapshot batch", "count", len(batch), "err", err)
		return
	}
	b.metrics.spooled.Add(float64(len(batch)))
	level.Info(b.logger).Log("msg", "spooled snapshot batch", "count", len(batch), "size", humanize.IBytes(uint64(len(payload))))
}

func (b *BatchWriteClient) replay(ctx context.Context) error {
	if b.spool == nil {
		return nil
	}

	entries, err := b.spool.Peek(ctx, maxReplayBatches)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var batch []*snapshot.Snapshot
		if err := json.Unmarshal(e.Payload, &batch); err != nil {
			level.Warn(b.logger).Log("msg", "discarding unreadable spooled batch", "id", e.ID, "err", err)
			b.metrics.dropped.WithLabelValues("encode_failed").Add(float64(e.Count))
			if err := b.spool.Delete(ctx, e.ID); err != nil {
				return err
			}
			continue
		}
		if err := b.send(ctx, batch); err != nil {
			return err
		}
		if err := b.spool.Delete(ctx, e.ID); err != nil {
			return err
		}
		b.metrics.replayed.Add(float64(len(batch)))
		level.Info(b.logger).Log(
			"msg", "replayed spooled snapshots",
			"count", len(batch),
			"age", humanize.Time(e.CreatedAt),
		)
	}
	return nil
}
