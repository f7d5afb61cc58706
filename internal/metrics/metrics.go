// Package metrics exposes the server's Prometheus counters.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "packets_received_total",
			Help:      "Datagrams received, by opcode.",
		},
		[]string{"opcode"},
	)
	malformedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "malformed_packets_total",
			Help:      "Datagrams that failed to parse, by reason.",
		},
		[]string{"reason"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "transfers_total",
			Help:      "Finished transfers, by direction and outcome.",
		},
		[]string{"direction", "success"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved, by direction.",
		},
		[]string{"direction"},
	)
	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "transfer_duration_seconds",
			Help:      "Transfer duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction"},
	)
	retransmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "retransmits_total",
			Help:      "Packets sent again after a timeout.",
		},
		[]string{"direction"},
	)
	errorsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tftp",
			Subsystem: "server",
			Name:      "errors_sent_total",
			Help:      "ERROR packets sent, by error code.",
		},
		[]string{"code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(packetsReceived, malformedPackets, transfers, transferBytes,
			transferDuration, retransmits, errorsSent)
	})
}

func RecordPacket(opcode string) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(opcode).Inc()
}

func RecordMalformed(reason string) {
	RegisterMetrics()
	malformedPackets.WithLabelValues(reason).Inc()
}

func RecordTransfer(direction string, bytes int64, duration time.Duration, success bool) {
	RegisterMetrics()
	transfers.WithLabelValues(direction, strconv.FormatBool(success)).Inc()
	transferBytes.WithLabelValues(direction).Add(float64(bytes))
	transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

func RecordRetransmit(direction string) {
	RegisterMetrics()
	retransmits.WithLabelValues(direction).Inc()
}

func RecordErrorSent(code string) {
	RegisterMetrics()
	errorsSent.WithLabelValues(code).Inc()
}
