package ethy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposed through Prometheus.
type Metrics struct {
	reg *prometheus.Registry

	ValidatorSetID    prometheus.Gauge
	WitnessesSent     prometheus.Counter
	WitnessesInvalid  prometheus.Counter
	WitnessesBuffered prometheus.Counter
	RoundsStarted     prometheus.Counter
	RoundConcluded    prometheus.Gauge
	RoundsExpired     prometheus.Counter
	RoundsInvalidated prometheus.Counter
	PendingRounds     prometheus.Gauge
	BridgeStalled     prometheus.Gauge
	PersistRetries    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg:               reg,
		ValidatorSetID:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "ethy_validator_set_id", Help: "Current active validator set id"}),
		WitnessesSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_witnesses_sent_total", Help: "Witnesses signed and broadcast by this node"}),
		WitnessesInvalid:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_witnesses_invalid_total", Help: "Received witnesses dropped for failing signature or membership checks"}),
		WitnessesBuffered: prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_witnesses_buffered_total", Help: "Witnesses buffered while their proof request was unknown"}),
		RoundsStarted:     prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_rounds_started_total", Help: "Witness rounds opened"}),
		RoundConcluded:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "ethy_round_concluded", Help: "Event id of the most recently concluded round"}),
		RoundsExpired:     prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_rounds_expired_total", Help: "Rounds expired without reaching threshold"}),
		RoundsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_rounds_invalidated_total", Help: "Rounds invalidated by a validator set change"}),
		PendingRounds:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "ethy_pending_rounds", Help: "Rounds currently collecting witnesses"}),
		BridgeStalled:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "ethy_bridge_stalled", Help: "1 when a validator set change failed to reach threshold"}),
		PersistRetries:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ethy_persist_retries_total", Help: "Retried durable writes"}),
	}
	reg.MustRegister(
		m.ValidatorSetID, m.WitnessesSent, m.WitnessesInvalid, m.WitnessesBuffered,
		m.RoundsStarted, m.RoundConcluded, m.RoundsExpired, m.RoundsInvalidated,
		m.PendingRounds, m.BridgeStalled, m.PersistRetries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
