// Package metrics exposes Prometheus collectors for the ingest, persistence,
// command and broadcast paths. Collectors live on a private registry so tests
// and multiple stations never collide on the global default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teststand"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	frames         prometheus.Counter
	rejected       prometheus.Counter
	infoLines      prometheus.Counter
	bufferDropped  prometheus.Counter
	bufferRows     prometheus.Gauge
	observers      prometheus.Gauge
	broadcastDrops prometheus.Counter
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	linkState      *prometheus.GaugeVec
	saves          *prometheus.CounterVec
	backups        *prometheus.CounterVec
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_parsed_total",
			Help:      "Telemetry frames decoded and accepted.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_rejected_total",
			Help:      "Telemetry lines discarded as malformed.",
		}),
		infoLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_messages_total",
			Help:      "Non-telemetry lines received from the telemetry link.",
		}),
		bufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Frames dropped because the buffer was full.",
		}),
		bufferRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_rows",
			Help:      "Rows currently held in the buffer.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected broadcast observers.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Records dropped on full observer queues.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched by channel and result.",
		}, []string{"channel", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from command submission to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"channel"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "Link watchdog state (0 disconnected, 1 probing, 2 connected, 3 stale).",
		}, []string{"link"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Scheduled snapshot saves by result.",
		}, []string{"result"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Crash backups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.frames, m.rejected, m.infoLines,
		m.bufferDropped, m.bufferRows,
		m.observers, m.broadcastDrops,
		m.commands, m.commandLatency,
		m.linkState, m.saves, m.backups,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameParsed() {
	if m != nil {
		m.frames.Inc()
	}
}

func (m *Metrics) LineRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) DeviceMessage() {
	if m != nil {
		m.infoLines.Inc()
	}
}

func (m *Metrics) BufferDropped() {
	if m != nil {
		m.bufferDropped.Inc()
	}
}

func (m *Metrics) SetBufferRows(n int) {
	if m != nil {
		m.bufferRows.Set(float64(n))
	}
}

func (m *Metrics) SetObservers(n int) {
	if m != nil {
		m.observers.Set(float64(n))
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.broadcastDrops.Inc()
	}
}

// Command records one command outcome.
func (m *Metrics) Command(channel string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(channel, result(success)).Inc()
	m.commandLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetLinkState records the numeric watchdog state for a link role.
func (m *Metrics) SetLinkState(link string, state int) {
	if m != nil {
		m.linkState.WithLabelValues(link).Set(float64(state))
	}
}

func (m *Metrics) Save(success bool) {
	if m != nil {
		m.saves.WithLabelValues(result(success)).Inc()
	}
}

func (m *Metrics) Backup(success bool) {
	if m != nil {
		m.backups.WithLabelValues(result(success)).Inc()
	}
}

func result(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
