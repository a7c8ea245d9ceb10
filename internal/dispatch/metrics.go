package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "asyncdispatch"

var (
	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_sent_total",
			Help:      "Total delivery attempts by result",
		},
		[]string{"queue_id", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the sender per attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"queue_id"},
	)

	gateGreen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "gate_green",
			Help:      "1 while the queue accepts direct hand-offs, 0 while it drains the backlog",
		},
		[]string{"queue_id"},
	)

	bufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "buffer_size",
			Help:      "Messages held in memory by the queue worker",
		},
		[]string{"queue_id"},
	)

	refills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "refills_total",
			Help:      "Backlog refill queries by result",
		},
		[]string{"queue_id", "result"},
	)

	queueMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages",
			Help:      "Stored messages by queue and status",
		},
		[]string{"queue_id", "status"},
	)
)

func recordSent(queueID, result string) {
	messagesSent.WithLabelValues(queueID, result).Inc()
}

func recordSendDuration(queueID string, d time.Duration) {
	sendDuration.WithLabelValues(queueID).Observe(d.Seconds())
}

func recordGate(queueID string, green bool) {
	v := 0.0
	if green {
		v = 1
	}
	gateGreen.WithLabelValues(queueID).Set(v)
}

func recordBufferSize(queueID string, n int) {
	bufferSize.WithLabelValues(queueID).Set(float64(n))
}

func recordRefill(queueID, result string) {
	refills.WithLabelValues(queueID, result).Inc()
}

// RecordQueueStats updates stored message gauges.
func RecordQueueStats(stats []QueueStats) {
	queueMessages.Reset()
	for _, s := range stats {
		status := string(s.Status)
		if status == "" {
			status = "none"
		}
		queueMessages.WithLabelValues(s.QueueID, status).Set(float64(s.Count))
	}
}
