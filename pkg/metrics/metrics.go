// Package metrics exposes optional Prometheus instrumentation for the
// RTSP endpoint, session and transport layers. It is nil-safe: a nil
// *Metrics behaves as a no-op, so callers that don't want metrics never
// need to check for one.
//
// Grounded on the restreamer project's metrics/prom.go: a private registry
// wrapped by package-level helpers, rather than the default global
// registry, so this library never fights an embedding application for
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge this library emits.
type Metrics struct {
	registry *prometheus.Registry

	SessionsOpened    prometheus.Counter
	SessionsActive    prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RTPPacketsRecv    prometheus.Counter
	RTCPPacketsRecv   prometheus.Counter
	RTCPPacketsSent   prometheus.Counter
	PacketsLostTotal  prometheus.Counter
	TransportsClosed  *prometheus.CounterVec
}

// New allocates a private registry and every metric this library emits.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_sessions_opened_total",
			Help: "Total number of RTSP media sessions opened.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_sessions_active",
			Help: "Number of RTSP media sessions currently open.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_requests_total",
			Help: "Total number of RTSP requests processed, by method and status.",
		}, []string{"method", "status"}),
		RTPPacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtp_packets_received_total",
			Help: "Total number of RTP packets received.",
		}),
		RTCPPacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtcp_packets_received_total",
			Help: "Total number of RTCP packets received.",
		}),
		RTCPPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtcp_packets_sent_total",
			Help: "Total number of RTCP reports sent.",
		}),
		PacketsLostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtp_packets_lost_total",
			Help: "Cumulative estimated RTP packet loss across all sessions.",
		}),
		TransportsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_transports_closed_total",
			Help: "Total number of transports closed, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.SessionsOpened, m.SessionsActive, m.RequestsTotal,
		m.RTPPacketsRecv, m.RTCPPacketsRecv, m.RTCPPacketsSent,
		m.PacketsLostTotal, m.TransportsClosed,
	)

	return m
}

// Handler returns a http.Handler serving this Metrics' registry in the
// Prometheus text exposition format. Safe to call on a nil *Metrics: it
// returns a handler that always responds 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.SessionsActive.Inc()
}

// SessionOpened records a new session starting.
func (m *Metrics) SessionOpened() { m.incSessionOpened() }

// SessionClosed records a session ending.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// Request records one processed RTSP request.
func (m *Metrics) Request(method, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
}

// RTPReceived records one inbound RTP packet.
func (m *Metrics) RTPReceived() {
	if m == nil {
		return
	}
	m.RTPPacketsRecv.Inc()
}

// RTCPReceived records one inbound RTCP compound packet.
func (m *Metrics) RTCPReceived() {
	if m == nil {
		return
	}
	m.RTCPPacketsRecv.Inc()
}

// RTCPSent records one outbound RTCP compound packet.
func (m *Metrics) RTCPSent() {
	if m == nil {
		return
	}
	m.RTCPPacketsSent.Inc()
}

// PacketsLost adds n newly-estimated lost packets to the running total.
func (m *Metrics) PacketsLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsLostTotal.Add(float64(n))
}

// TransportClosed records a transport closing for the given reason
// ("normal", "timeout", "error").
func (m *Metrics) TransportClosed(reason string) {
	if m == nil {
		return
	}
	m.TransportsClosed.WithLabelValues(reason).Inc()
}
