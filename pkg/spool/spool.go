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

// Package spool keeps snapshot batches that could not be delivered in a
// local SQLite database until the collector is reachable again.
package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrClosed = errors.New("spool closed")

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	payload    BLOB NOT NULL
);`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Entry is a stored batch. Payload is decompressed.
type Entry struct {
	ID        int64
	CreatedAt time.Time
	Count     int
	Payload   []byte
}

type metrics struct {
	batches prometheus.Gauge
	written prometheus.Counter
	bytes   prometheus.Counter
	evicted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		batches: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deep_spool_batches",
			Help: "Number of snapshot batches waiting in the spool.",
		}),
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_spool_writes_total",
			Help: "Total number of batches written to the spool.",
		}),
		bytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_spool_written_bytes_total",
			Help: "Total number of compressed bytes written to the spool.",
		}),
		evicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_spool_evictions_total",
			Help: "Total number of batches dropped because the spool was full.",
		}),
	}
}

type Spool struct {
	logger     log.Logger
	metrics    *metrics
	maxBatches int

	enc *zstd.Encoder
	dec *zstd.Decoder

	mtx sync.Mutex
	db  *sql.DB
}

// Open creates or opens the spool at path. maxBatches bounds the number of
// stored batches, the oldest are dropped first. Zero means unbounded.
func Open(logger log.Logger, reg prometheus.Registerer, path string, maxBatches int) (*Spool, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect spool: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply spool schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Spool{
		logger:     logger,
		metrics:    newMetrics(reg),
		maxBatches: maxBatches,
		enc:        enc,
		dec:        dec,
		db:         db,
	}

	n, err := s.Len(context.Background())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.metrics.batches.Set(float64(n))
	if n > 0 {
		level.Info(logger).Log("msg", "spool has pending batches", "path", path, "batches", n)
	}
	return s, nil
}

// Put stores a batch of count snapshots.
func (s *Spool) Put(ctx context.Context, count int, payload []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	blob := s.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spool write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO batches (created_at, count, size, payload) VALUES (?, ?, ?, ?)",
		time.Now().UnixNano(), count, len(payload), blob,
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	var evicted int64
	if s.maxBatches > 0 {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM batches WHERE id NOT IN (SELECT id FROM batches ORDER BY id DESC LIMIT ?)",
			s.maxBatches,
		)
		if err != nil {
			return fmt.Errorf("evict batches: %w", err)
		}
		evicted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spool write: %w", err)
	}

	s.metrics.written.Inc()
	s.metrics.bytes.Add(float64(len(blob)))
	if evicted > 0 {
		s.metrics.evicted.Add(float64(evicted))
		level.Warn(s.logger).Log("msg", "spool full, dropped oldest batches", "dropped", evicted)
	}
	s.refresh(ctx)

	level.Debug(s.logger).Log(
		"msg", "spooled batch",
		"snapshots", count,
		"size", humanize.IBytes(uint64(len(payload))),
		"compressed", humanize.IBytes(uint64(len(blob))),
	)
	return nil
}

// Peek returns up to limit of the oldest batches without removing them.
func (s *Spool) Peek(ctx context.Context, limit int) ([]Entry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at, count, payload FROM batches ORDER BY id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
			blob    []byte
		)
		if err := rows.Scan(&e.ID, &created, &e.Count, &blob); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		e.Payload, err = s.dec.DecodeAll(blob, nil)
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to decompress spooled batch, skipping", "id", e.ID, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the given batches.
func (s *Spool) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := "DELETE FROM batches WHERE id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}
	s.refresh(ctx)
	return nil
}

// Len returns the number of stored batches.
func (s *Spool) Len(ctx context.Context) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	return s.count(ctx)
}

func (s *Spool) count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

func (s *Spool) refresh(ctx context.Context) {
	n, err := s.count(ctx)
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to count spooled batches", "err", err)
		return
	}
	s.metrics.batches.Set(float64(n))
}

func (s *Spool) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	err := s.db.Close()
	s.db = nil
	return err
}
