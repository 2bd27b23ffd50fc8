package muxnet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-recon/metrics"
)

const subsystem = "muxnet"

var (
	connectedPeers = metrics.NewGauge(
		"peers",
		subsystem,
		"number of peers with an open session",
		[]string{},
	)
	servedStreams = metrics.NewCounter(
		"served_streams",
		subsystem,
		"number of served streams",
		[]string{"result"},
	)
	clientLatency = metrics.NewHistogramWithBuckets(
		"client_latency_seconds",
		subsystem,
		"latency of the requests",
		[]string{"protocol", "result"},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
)

type tracker struct {
	peers           prometheus.Gauge
	servedSucceeded prometheus.Counter
	servedFailed    prometheus.Counter
}

func newTracker() *tracker {
	return &tracker{
		peers:           connectedPeers.WithLabelValues(),
		servedSucceeded: servedStreams.WithLabelValues("ok"),
		servedFailed:    servedStreams.WithLabelValues("failed"),
	}
}

func (t *tracker) served(ok bool) {
	if ok {
		t.servedSucceeded.Inc()
	} else {
		t.servedFailed.Inc()
	}
}

func (t *tracker) requested(proto string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	clientLatency.WithLabelValues(proto, result).Observe(took.Seconds())
}
