package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the collaboration server. Each
// collector owns its registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// Operation pipeline
	Operations    *prometheus.CounterVec
	SubmitLatency *prometheus.HistogramVec
	Conflicts     *prometheus.CounterVec

	// Sessions
	ActiveSessions prometheus.Gauge
	SessionsClosed *prometheus.CounterVec
	Participants   prometheus.Gauge

	// Persistence bridge
	SnapshotSaves    *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	DegradedSessions prometheus.Gauge

	// Fan-out
	PresenceDelivered prometheus.Counter
	PresenceDropped   prometheus.Counter
	BroadcastsDropped *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates and registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Operations processed by outcome status",
			},
			[]string{"mode", "status"},
		),
		SubmitLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Time from submission to outcome",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"mode"},
		),
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Conflicts recorded by resolution",
			},
			[]string{"mode", "resolution"},
		),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently open",
		}),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Sessions ended by reason",
			},
			[]string{"reason"},
		),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_connected",
			Help:      "Participants connected across all sessions",
		}),
		SnapshotSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_saves_total",
				Help:      "Snapshot saves by result",
			},
			[]string{"result"},
		),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save duration including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		DegradedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_degraded",
			Help:      "Sessions whose snapshots are not reaching the graph store",
		}),
		PresenceDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_delivered_total",
			Help:      "Presence updates delivered to participants",
		}),
		PresenceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_dropped_total",
			Help:      "Presence updates dropped on full send buffers",
		}),
		BroadcastsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_dropped_total",
				Help:      "Broadcasts dropped on full send buffers",
			},
			[]string{"kind"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.Operations, c.SubmitLatency, c.Conflicts,
		c.ActiveSessions, c.SessionsClosed, c.Participants,
		c.SnapshotSaves, c.SnapshotDuration, c.DegradedSessions,
		c.PresenceDelivered, c.PresenceDropped, c.BroadcastsDropped,
		c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OperationProcessed(mode, status string, latency time.Duration) {
	c.Operations.WithLabelValues(mode, status).Inc()
	c.SubmitLatency.WithLabelValues(mode).Observe(latency.Seconds())
}

func (c *Collector) ConflictRecorded(mode, resolution string) {
	c.Conflicts.WithLabelValues(mode, resolution).Inc()
}

func (c *Collector) SessionOpened() { c.ActiveSessions.Inc() }

func (c *Collector) SessionClosed(reason string) {
	c.ActiveSessions.Dec()
	c.SessionsClosed.WithLabelValues(reason).Inc()
}

func (c *Collector) ParticipantsChanged(delta int) { c.Participants.Add(float64(delta)) }

func (c *Collector) SnapshotSaved(result string, latency time.Duration) {
	c.SnapshotSaves.WithLabelValues(result).Inc()
	c.SnapshotDuration.Observe(latency.Seconds())
}

func (c *Collector) DegradedChanged(degraded bool) {
	if degraded {
		c.DegradedSessions.Inc()
	} else {
		c.DegradedSessions.Dec()
	}
}

func (c *Collector) PresenceFanout(delivered, dropped int) {
	c.PresenceDelivered.Add(float64(delivered))
	c.PresenceDropped.Add(float64(dropped))
}

func (c *Collector) BroadcastDropped(kind string) {
	c.BroadcastsDropped.WithLabelValues(kind).Inc()
}

// HTTPMiddleware records request counts and durations by route pattern.
func (c *Collector) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			name := route(r)
			c.HTTPRequests.WithLabelValues(r.Method, name, http.StatusText(sw.status)).Inc()
			c.HTTPDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
