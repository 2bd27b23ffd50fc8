package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-recon/metrics"
	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/types"
)

const subsystem = "store"

// Op names a Store operation in metrics.
type Op string

const (
	OpRangeSummary Op = "range_summary"
	OpRangeKeys    Op = "range_keys"
	OpKeyAt        Op = "key_at"
	OpInsert       Op = "insert"
	OpInsertMany   Op = "insert_many"
	OpFirst        Op = "first"
	OpLast         Op = "last"
)

var allOps = []Op{OpRangeSummary, OpRangeKeys, OpKeyAt, OpInsert, OpInsertMany, OpFirst, OpLast}

var (
	opLatency = metrics.NewHistogramWithBuckets(
		"op_duration_seconds",
		subsystem,
		"store operation latency",
		[]string{"topic", "op"},
		prometheus.ExponentialBuckets(0.00001, 4, 10),
	)
	opCount = metrics.NewCounter(
		"ops_total",
		subsystem,
		"number of store operations",
		[]string{"topic", "op", "result"},
	)
	newKeys = metrics.NewCounter(
		"new_keys_total",
		subsystem,
		"number of keys actually added to the store",
		[]string{"topic"},
	)
)

type opMetrics struct {
	latency prometheus.Observer
	ok      prometheus.Counter
	failed  prometheus.Counter
}

// MetricsStore is a Store decorator which times and counts every operation
// before delegating it to the wrapped Store.
type MetricsStore[H ahash.AssociativeHash[H]] struct {
	s       Store[H]
	ops     map[Op]opMetrics
	newKeys prometheus.Counter
}

var (
	_ Store[ahash.Sha256a] = &MetricsStore[ahash.Sha256a]{}
	_ BatchInserter        = &MetricsStore[ahash.Sha256a]{}
)

// WithMetrics wraps the Store so that its operations are recorded in metrics
// labeled with the topic.
func WithMetrics[H ahash.AssociativeHash[H]](s Store[H], topic string) *MetricsStore[H] {
	ms := &MetricsStore[H]{
		s:       s,
		ops:     make(map[Op]opMetrics, len(allOps)),
		newKeys: newKeys.WithLabelValues(topic),
	}
	for _, op := range allOps {
		ms.ops[op] = opMetrics{
			latency: opLatency.WithLabelValues(topic, string(op)),
			ok:      opCount.WithLabelValues(topic, string(op), "ok"),
			failed:  opCount.WithLabelValues(topic, string(op), "failed"),
		}
	}
	return ms
}

func (ms *MetricsStore[H]) record(op Op, start time.Time, err error) {
	m := ms.ops[op]
	m.latency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.failed.Inc()
	} else {
		m.ok.Inc()
	}
}

// OpCount returns the number of calls of the specified operation, including
// the failed ones. It is used for testing.
func (ms *MetricsStore[H]) OpCount(op Op) int {
	m := ms.ops[op]
	return metrics.CounterValue(m.ok) + metrics.CounterValue(m.failed)
}

func (ms *MetricsStore[H]) RangeSummary(ctx context.Context, r types.Range) (Summary[H], error) {
	start := time.Now()
	s, err := ms.s.RangeSummary(ctx, r)
	ms.record(OpRangeSummary, start, err)
	return s, err
}

func (ms *MetricsStore[H]) RangeKeys(ctx context.Context, r types.Range, limit int) ([]types.KeyBytes, error) {
	start := time.Now()
	keys, err := ms.s.RangeKeys(ctx, r, limit)
	ms.record(OpRangeKeys, start, err)
	return keys, err
}

func (ms *MetricsStore[H]) KeyAt(ctx context.Context, r types.Range, n int) (types.KeyBytes, error) {
	start := time.Now()
	k, err := ms.s.KeyAt(ctx, r, n)
	ms.record(OpKeyAt, start, err)
	return k, err
}

func (ms *MetricsStore[H]) Insert(ctx context.Context, k types.KeyBytes) (bool, error) {
	start := time.Now()
	added, err := ms.s.Insert(ctx, k)
	ms.record(OpInsert, start, err)
	if added {
		ms.newKeys.Inc()
	}
	return added, err
}

// InsertMany passes the batch to the wrapped Store if it supports batches,
// and inserts the keys one by one otherwise.
func (ms *MetricsStore[H]) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	bi, ok := ms.s.(BatchInserter)
	if !ok {
		n := 0
		for _, k := range keys {
			added, err := ms.Insert(ctx, k)
			if err != nil {
				return n, err
			}
			if added {
				n++
			}
		}
		return n, nil
	}
	start := time.Now()
	n, err := bi.InsertMany(ctx, keys)
	ms.record(OpInsertMany, start, err)
	ms.newKeys.Add(float64(n))
	return n, err
}

func (ms *MetricsStore[H]) First(ctx context.Context) (types.KeyBytes, error) {
	start := time.Now()
	k, err := ms.s.First(ctx)
	ms.record(OpFirst, start, err)
	return k, err
}

func (ms *MetricsStore[H]) Last(ctx context.Context) (types.KeyBytes, error) {
	start := time.Now()
	k, err := ms.s.Last(ctx)
	ms.record(OpLast, start, err)
	return k, err
}
