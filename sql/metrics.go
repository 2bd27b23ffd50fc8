package sql

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-recon/metrics"
)

const subsystem = "database"

var (
	// queryDuration in nanoseconds.
	queryDuration = metrics.NewHistogramWithBuckets(
		"query_duration",
		subsystem,
		"Duration of the query in nanoseconds",
		[]string{"query"},
		prometheus.ExponentialBuckets(100_000, 2, 20),
	)
	connWaitLatency = metrics.NewHistogramWithBuckets(
		"conn_wait_latency",
		subsystem,
		"Latency of waiting for a pooled connection in seconds",
		[]string{},
		prometheus.ExponentialBuckets(0.00001, 2, 20),
	).WithLabelValues()
)
