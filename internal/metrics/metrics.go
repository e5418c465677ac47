// Package metrics exposes streamer counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saker-ai/tts-streamer/internal/stream"
)

const namespace = "tts_streamer"

// Metrics owns a private registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	framesSent      *prometheus.CounterVec
	payloadBytes    prometheus.Counter
	ticksDeferred   *prometheus.CounterVec
	sendFailures    prometheus.Counter
	sessions        *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	devices         prometheus.Gauge
	deviceMessages  *prometheus.CounterVec
}

// New creates the collectors and registers them with Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Binary frames written to devices",
		}, []string{"kind"}), // kind: audio, chunk_end, session_end, session_end_aligned
		payloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Audio payload bytes written to devices, excluding session tokens",
		}),
		ticksDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_deferred_total",
			Help:      "Send ticks that wrote nothing because the device could not take audio",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Frames the transport failed to write",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Stream sessions by outcome",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from StartSend to session end",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Devices holding an open websocket",
		}),
		deviceMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_messages_total",
			Help:      "Text messages received from devices by type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.framesSent,
		m.payloadBytes,
		m.ticksDeferred,
		m.sendFailures,
		m.sessions,
		m.sessionDuration,
		m.devices,
		m.deviceMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) FrameSent(_ string, payloadBytes int, marker stream.Marker) {
	kind := "audio"
	if marker != stream.MarkerNone {
		kind = marker.String()
	}
	m.framesSent.WithLabelValues(kind).Inc()
	m.payloadBytes.Add(float64(payloadBytes))
}

func (m *Metrics) TickDeferred(_ string, reason string) {
	m.ticksDeferred.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendFailed(string, error) {
	m.sendFailures.Inc()
}

func (m *Metrics) SessionFinished(_ string, outcome stream.Outcome, stats stream.SessionStats) {
	m.sessions.WithLabelValues(string(outcome)).Inc()
	if !stats.StartedAt.IsZero() && stats.EndedAt.After(stats.StartedAt) {
		m.sessionDuration.Observe(stats.EndedAt.Sub(stats.StartedAt).Seconds())
	}
}

// DeviceConnected and DeviceDisconnected track the connection gauge.
func (m *Metrics) DeviceConnected() {
	m.devices.Inc()
}

func (m *Metrics) DeviceDisconnected() {
	m.devices.Dec()
}

// DeviceMessage counts one inbound text message.
func (m *Metrics) DeviceMessage(msgType string) {
	m.deviceMessages.WithLabelValues(msgType).Inc()
}

var _ stream.Observer = (*Metrics)(nil)
