// Package stats defines the Statistics sink collaborator (spec §1) and a
// Prometheus-backed implementation. Rendering the /metrics HTTP endpoint
// is the excluded admin-API collaborator's job; this package only
// increments/sets counters and gauges.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Statistics is the sink every component reports into. Kept deliberately
// narrow: only the counters/gauges spec §5/§7 actually name.
type Statistics interface {
	IncQueueOverflow(protocol, vhost string)
	IncCryptoFailure(protocol string)
	IncDroppedPacket(reason string)
	SetCircuitBreaker(active bool)
	IncPublisher(protocol string)
	IncSubscriber(protocol string)
}

// PrometheusStatistics implements Statistics with client_golang counters.
// Registration is left to the caller (the injected admin-API collaborator
// decides whether/how to expose a registry).
type PrometheusStatistics struct {
	QueueOverflow   *prometheus.CounterVec
	CryptoFailure   *prometheus.CounterVec
	DroppedPacket   *prometheus.CounterVec
	CircuitBreaker  prometheus.Gauge
	Publishers      *prometheus.CounterVec
	Subscribers     *prometheus.CounterVec
}

// NewPrometheusStatistics builds and registers the metric vectors against
// reg (pass prometheus.NewRegistry() for isolation in tests).
func NewPrometheusStatistics(reg prometheus.Registerer) *PrometheusStatistics {
	s := &PrometheusStatistics{
		QueueOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_core_consumer_queue_overflow_total",
			Help: "Consumer queue overflow events (drop-oldest).",
		}, []string{"protocol", "vhost"}),
		CryptoFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_core_crypto_failure_total",
			Help: "DTLS/SRTP failures, counted but not propagated.",
		}, []string{"protocol"}),
		DroppedPacket: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_core_dropped_packet_total",
			Help: "Packets dropped due to ProtocolMalformed or ResourceExhausted conditions.",
		}, []string{"reason"}),
		CircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_core_circuit_breaker_active",
			Help: "1 when the process-wide CPU/memory circuit breaker has disabled NACK/TWCC.",
		}),
		Publishers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_core_publishers_total",
			Help: "Publishers accepted, by protocol.",
		}, []string{"protocol"}),
		Subscribers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_core_subscribers_total",
			Help: "Subscribers accepted, by protocol.",
		}, []string{"protocol"}),
	}

	reg.MustRegister(s.QueueOverflow, s.CryptoFailure, s.DroppedPacket, s.CircuitBreaker, s.Publishers, s.Subscribers)
	return s
}

func (s *PrometheusStatistics) IncQueueOverflow(protocol, vhost string) {
	s.QueueOverflow.WithLabelValues(protocol, vhost).Inc()
}

func (s *PrometheusStatistics) IncCryptoFailure(protocol string) {
	s.CryptoFailure.WithLabelValues(protocol).Inc()
}

func (s *PrometheusStatistics) IncDroppedPacket(reason string) {
	s.DroppedPacket.WithLabelValues(reason).Inc()
}

func (s *PrometheusStatistics) SetCircuitBreaker(active bool) {
	if active {
		s.CircuitBreaker.Set(1)
	} else {
		s.CircuitBreaker.Set(0)
	}
}

func (s *PrometheusStatistics) IncPublisher(protocol string) {
	s.Publishers.WithLabelValues(protocol).Inc()
}

func (s *PrometheusStatistics) IncSubscriber(protocol string) {
	s.Subscribers.WithLabelValues(protocol).Inc()
}

// Noop is a Statistics implementation that discards everything, useful as
// a default when no sink is injected.
type Noop struct{}

func (Noop) IncQueueOverflow(string, string)  {}
func (Noop) IncCryptoFailure(string)          {}
func (Noop) IncDroppedPacket(string)          {}
func (Noop) SetCircuitBreaker(bool)           {}
func (Noop) IncPublisher(string)              {}
func (Noop) IncSubscriber(string)             {}
