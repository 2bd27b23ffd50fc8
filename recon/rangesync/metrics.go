package rangesync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-recon/metrics"
)

const subsystem = "rangesync"

var (
	sessionCount = metrics.NewCounter(
		"sessions_total",
		subsystem,
		"number of sync sessions",
		[]string{"topic", "role", "result"},
	)
	sessionDuration = metrics.NewHistogramWithBuckets(
		"session_duration_seconds",
		subsystem,
		"duration of sync sessions",
		[]string{"topic", "role"},
		prometheus.ExponentialBuckets(0.001, 4, 10),
	)
	messageCount = metrics.NewCounter(
		"messages_total",
		subsystem,
		"number of sync messages",
		[]string{"topic", "direction", "type"},
	)
	keysInserted = metrics.NewCounter(
		"keys_inserted_total",
		subsystem,
		"number of new keys received from peers",
		[]string{"topic"},
	)
	protocolErrors = metrics.NewCounter(
		"protocol_errors_total",
		subsystem,
		"number of ranges aborted due to protocol errors",
		[]string{"topic"},
	)
)

const (
	roleInitiator = "initiator"
	roleResponder = "responder"
)

type tracker struct {
	topic          string
	keysInserted   prometheus.Counter
	protocolErrors prometheus.Counter
}

func newTracker(topic string) *tracker {
	return &tracker{
		topic:          topic,
		keysInserted:   keysInserted.WithLabelValues(topic),
		protocolErrors: protocolErrors.WithLabelValues(topic),
	}
}

func (t *tracker) sent(m SyncMessage) {
	messageCount.WithLabelValues(t.topic, "sent", m.Type().String()).Inc()
}

func (t *tracker) received(m SyncMessage) {
	messageCount.WithLabelValues(t.topic, "received", m.Type().String()).Inc()
}

func (t *tracker) sessionDone(role string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	sessionCount.WithLabelValues(t.topic, role, result).Inc()
	sessionDuration.WithLabelValues(t.topic, role).Observe(time.Since(start).Seconds())
}

// protocolErrorCount returns the number of protocol errors seen on the topic.
// It is used for testing.
func (t *tracker) protocolErrorCount() int {
	return metrics.CounterValue(t.protocolErrors)
}
