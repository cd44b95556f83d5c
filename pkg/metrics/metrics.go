// Package metrics exposes the node's Prometheus collectors. Everything is
// registered on the default registry and served by the status API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtmp_frames_sent_total",
		Help: "Envelopes written to the wire, by transport.",
	}, []string{"transport"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtmp_frames_received_total",
		Help: "Envelopes decoded off the wire, by transport.",
	}, []string{"transport"})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtmp_frames_rejected_total",
		Help: "Inbound frames dropped before dispatch, by reason.",
	}, []string{"reason"})

	CryptoFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtmp_crypto_failures_total",
		Help: "Envelopes that failed authentication or decryption.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtmp_reconnects_total",
		Help: "Transport reconnect attempts that succeeded.",
	})

	AckRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtmp_ack_retries_total",
		Help: "Envelopes resent because an acknowledgment was overdue.",
	})

	DroppedStreamMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtmp_dropped_stream_messages_total",
		Help: "Stream envelopes dropped for lack of a subscriber.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xtmp_active_sessions",
		Help: "Sessions currently in the Active or Rotating state.",
	})

	KeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtmp_key_rotations_total",
		Help: "Completed session key rotations.",
	})
)
