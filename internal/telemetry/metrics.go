// Package telemetry exposes the coordinator's Prometheus metrics:
//   - photonx_messages_total{type,result}       – inbound messages by outcome
//   - photonx_rejections_total{kind}            – typed rejections by kind
//   - photonx_transitions_total{status}         – status transitions applied
//   - photonx_settlements_total{outcome}        – settlement submissions
//   - photonx_checkpoints_total                 – checkpoints recorded
//   - photonx_live_channels                     – cached live channels (gauge)
//
// Registered in init() and served by the API at /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photonx_messages_total",
			Help: "Inbound messages by type and outcome",
		},
		[]string{"type", "result"},
	)

	mtxRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photonx_rejections_total",
			Help: "Typed rejections by error kind",
		},
		[]string{"kind"},
	)

	mtxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photonx_transitions_total",
			Help: "Channel status transitions applied",
		},
		[]string{"status"},
	)

	mtxSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photonx_settlements_total",
			Help: "Settlement submissions by outcome",
		},
		[]string{"outcome"},
	)

	mtxCheckpoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photonx_checkpoints_total",
			Help: "Checkpoints recorded",
		},
	)

	gaugeLiveChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photonx_live_channels",
			Help: "Live channels currently cached",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxMessages,
		mtxRejections,
		mtxTransitions,
		mtxSettlements,
		mtxCheckpoints,
		gaugeLiveChannels,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveMessage counts an inbound message outcome.
func ObserveMessage(msgType, result string) {
	mtxMessages.WithLabelValues(msgType, result).Inc()
}

// ObserveRejection counts a typed rejection.
func ObserveRejection(kind string) {
	mtxRejections.WithLabelValues(kind).Inc()
}

// ObserveTransition counts a status transition.
func ObserveTransition(status string) {
	mtxTransitions.WithLabelValues(status).Inc()
}

// ObserveSettlement counts a settlement outcome.
func ObserveSettlement(outcome string) {
	mtxSettlements.WithLabelValues(outcome).Inc()
}

// ObserveCheckpoint counts a recorded checkpoint.
func ObserveCheckpoint() { mtxCheckpoints.Inc() }

// SetLiveChannels reports the cached live channel count.
func SetLiveChannels(n int) { gaugeLiveChannels.Set(float64(n)) }
