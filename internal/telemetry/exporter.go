// Package telemetry exports perfmon events as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
)

const namespace = "perfmon"

// Exporter turns bus traffic into Prometheus collectors. It is a
// SmoothnessObserver, an IncidentObserver and a BusObserver at once.
type Exporter struct {
	frames       prometheus.Counter
	janks        prometheus.Counter
	windows      prometheus.Counter
	fps          prometheus.Gauge
	jankRatio    prometheus.Gauge
	incidents    prometheus.Counter
	lastIncident prometheus.Gauge
	deliveries   *prometheus.CounterVec
	panics       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

var (
	_ bus.SmoothnessObserver = (*Exporter)(nil)
	_ bus.IncidentObserver   = (*Exporter)(nil)
	_ bus.BusObserver        = (*Exporter)(nil)
)

// NewExporter creates the collectors and registers them with reg.
func NewExporter(reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "smoothness", Name: "frames_total",
			Help: "Frames observed across all closed windows.",
		}),
		janks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "smoothness", Name: "janks_total",
			Help: "Frames whose gap to the previous frame exceeded the frame budget.",
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "smoothness", Name: "windows_total",
			Help: "Aggregation windows closed.",
		}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "smoothness", Name: "average_fps",
			Help: "Average frames per second of the last closed window.",
		}),
		jankRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "smoothness", Name: "jank_ratio",
			Help: "Share of janky frames in the last closed window.",
		}),
		incidents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "responsiveness", Name: "incidents_total",
			Help: "Heartbeat probes that missed their deadline.",
		}),
		lastIncident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "responsiveness", Name: "last_incident_timestamp_seconds",
			Help: "Unix time of the most recent incident.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "deliveries_total",
			Help: "Subscriber invocations per event kind.",
		}, []string{"kind"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscriber_panics_total",
			Help: "Subscriber invocations that panicked.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bus", Name: "emit_duration_seconds",
			Help:    "Time spent delivering one event to all subscribers.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		e.frames, e.janks, e.windows, e.fps, e.jankRatio,
		e.incidents, e.lastIncident, e.deliveries, e.panics, e.latency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Attach subscribes the exporter to both event kinds and to delivery
// callbacks. The returned subscriptions detach it again.
func (e *Exporter) Attach(b bus.EventBus) []bus.Subscription {
	b.AddObserver(e)
	return []bus.Subscription{
		b.RegisterSmoothness(e),
		b.RegisterIncident(e),
	}
}

// RegisterDropCounter exposes a dispatcher drop count as a counter func.
func RegisterDropCounter(reg prometheus.Registerer, dropped func() uint64) error {
	return reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "dropped_events_total",
		Help: "Events discarded because the dispatch queue was full.",
	}, func() float64 { return float64(dropped()) }))
}

func (e *Exporter) OnSmoothness(m events.SmoothnessMetrics) {
	e.windows.Inc()
	e.frames.Add(float64(m.FrameCount))
	e.janks.Add(float64(m.JankCount))
	e.fps.Set(m.AverageFPS)
	e.jankRatio.Set(m.JankRatio())
}

func (e *Exporter) OnIncident(inc events.ResponsivenessIncident) {
	e.incidents.Inc()
	e.lastIncident.Set(float64(inc.Timestamp.Unix()) + float64(inc.Timestamp.Nanosecond())/1e9)
}

func (e *Exporter) OnDelivered(kind events.Kind, handlers int, panics int, durationMicros int64) {
	k := kind.String()
	e.deliveries.WithLabelValues(k).Add(float64(handlers))
	if panics > 0 {
		e.panics.WithLabelValues(k).Add(float64(panics))
	}
	e.latency.WithLabelValues(k).Observe(float64(durationMicros) / 1e6)
}
