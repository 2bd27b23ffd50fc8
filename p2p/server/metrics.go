package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-recon/metrics"
)

const (
	subsystem  = "server"
	protoLabel = "protocol"
)

var (
	targetQueue = metrics.NewGauge(
		"target_queue",
		subsystem,
		"target size of the queue",
		[]string{protoLabel},
	)
	queue = metrics.NewGauge(
		"queue",
		subsystem,
		"actual size of the queue",
		[]string{protoLabel},
	)
	targetRps = metrics.NewGauge(
		"rps",
		subsystem,
		"target requests per second",
		[]string{protoLabel},
	)
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"requests counter",
		[]string{protoLabel, "state"},
	)
	clientRequests = metrics.NewCounter(
		"client_requests",
		subsystem,
		"client requests counter",
		[]string{protoLabel, "result"},
	)
	clientLatency = metrics.NewHistogramWithBuckets(
		"client_latency_seconds",
		subsystem,
		"latency since initiating a request",
		[]string{protoLabel, "result"},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
	serverLatency = metrics.NewHistogramWithBuckets(
		"server_latency_seconds",
		subsystem,
		"latency since accepting new stream",
		[]string{protoLabel},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
	inQueueLatency = metrics.NewHistogramWithBuckets(
		"in_queue_latency_seconds",
		subsystem,
		"latency between accepting a stream and starting to handle it",
		[]string{protoLabel},
		prometheus.ExponentialBuckets(0.001, 4, 8),
	)
)

func newTracker(protocol string) *tracker {
	return &tracker{
		targetQueue:          targetQueue.WithLabelValues(protocol),
		queue:                queue.WithLabelValues(protocol),
		targetRps:            targetRps.WithLabelValues(protocol),
		completed:            requests.WithLabelValues(protocol, "completed"),
		failed:               requests.WithLabelValues(protocol, "failed"),
		accepted:             requests.WithLabelValues(protocol, "accepted"),
		dropped:              requests.WithLabelValues(protocol, "dropped"),
		serverLatency:        serverLatency.WithLabelValues(protocol),
		inQueueLatency:       inQueueLatency.WithLabelValues(protocol),
		clientSucceeded:      clientRequests.WithLabelValues(protocol, "success"),
		clientFailed:         clientRequests.WithLabelValues(protocol, "failure"),
		clientLatency:        clientLatency.WithLabelValues(protocol, "success"),
		clientLatencyFailure: clientLatency.WithLabelValues(protocol, "failure"),
	}
}

type tracker struct {
	targetQueue                         prometheus.Gauge
	queue                               prometheus.Gauge
	targetRps                           prometheus.Gauge
	completed                           prometheus.Counter
	failed                              prometheus.Counter
	accepted                            prometheus.Counter
	dropped                             prometheus.Counter
	serverLatency                       prometheus.Observer
	inQueueLatency                      prometheus.Observer
	clientSucceeded, clientFailed       prometheus.Counter
	clientLatency, clientLatencyFailure prometheus.Observer
}
