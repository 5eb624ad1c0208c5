package sight

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	IdentifyRequests *prometheus.CounterVec
	IdentifyProbes   prometheus.Histogram
	GeocoderFailures prometheus.Counter
	NearbyDuration   prometheus.Histogram
	ActiveSessions   prometheus.Gauge
	StaleResponses   prometheus.Counter
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_identify_requests_total",
		Help: "Forward ray identifications, labeled by hit source (none when nothing resolved).",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	probes, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sightline_identify_probes",
		Help:    "Geocoder probes issued per identification.",
		Buckets: prometheus.LinearBuckets(1, 1, 16),
	}))
	if err != nil {
		return nil, err
	}
	failures, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sightline_geocoder_failures_total",
		Help: "Geocoder calls that failed and were treated as a non-hit.",
	}))
	if err != nil {
		return nil, err
	}
	nearby, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sightline_nearby_duration_seconds",
		Help:    "Latency of candidate lookups including the concurrent ray cast.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}))
	if err != nil {
		return nil, err
	}
	sessions, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sightline_active_sessions",
		Help: "Scanning sessions currently held by the registry.",
	}))
	if err != nil {
		return nil, err
	}
	stale, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sightline_stale_responses_total",
		Help: "Identification responses dropped because a newer request superseded them.",
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:         gatherer,
		IdentifyRequests: requests,
		IdentifyProbes:   probes,
		GeocoderFailures: failures,
		NearbyDuration:   nearby,
		ActiveSessions:   sessions,
		StaleResponses:   stale,
	}, nil
}

// register adds c to reg, returning the existing collector of the same type
// when one was registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %v", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// Handler exposes the /metrics endpoint for this collector's registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIdentify(source string, probes int) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.IdentifyRequests.WithLabelValues(source).Inc()
	m.IdentifyProbes.Observe(float64(probes))
}

func (m *Metrics) GeocoderFailed() {
	if m == nil {
		return
	}
	m.GeocoderFailures.Inc()
}

func (m *Metrics) ObserveNearby(d time.Duration) {
	if m == nil {
		return
	}
	m.NearbyDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) StaleResponse() {
	if m == nil {
		return
	}
	m.StaleResponses.Inc()
}
