// Package metrics wires the loader's operational counters into a
// caller-supplied prometheus.Registerer. No HTTP server is started
// here: the caller decides whether and how those counters are exposed,
// the same way an embedding application decides where to mount
// promhttp.Handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// LoaderStats is the subset of *loader.Loader this package polls for
// its gauges. Kept as an interface so metrics has no import-time
// dependency on the loader package, and so tests can supply a fake.
type LoaderStats interface {
	LibraryCount() int
	LiveInstanceCount() int64
}

// Metrics holds the collectors this package registers. Callers that
// need to record an event the loader itself doesn't poll for --
// registration failures, load latency -- use the Observe/Inc methods.
type Metrics struct {
	registrationFailures prometheus.Counter
	loadDuration         prometheus.Histogram
}

// New creates and registers every collector against reg, sourcing the
// gauge values from stats on each scrape.
func New(reg prometheus.Registerer, stats LoaderStats) (*Metrics, error) {
	m := &Metrics{
		registrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Name:      "registration_failures_total",
			Help:      "LoadLibrary calls during which at least one descriptor was rejected for an invalid shape or ABI skew.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pluginhost",
			Name:      "library_load_duration_seconds",
			Help:      "Time spent inside a single LoadLibrary call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	librariesLoaded := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pluginhost",
		Name:      "libraries_loaded",
		Help:      "Distinct dynamic libraries the loader currently has bookkeeping for.",
	}, func() float64 { return float64(stats.LibraryCount()) })

	liveInstances := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pluginhost",
		Name:      "live_plugin_instances",
		Help:      "Instantiated plugin handles that have not yet been released.",
	}, func() float64 { return float64(stats.LiveInstanceCount()) })

	collectors := []prometheus.Collector{
		m.registrationFailures,
		m.loadDuration,
		librariesLoaded,
		liveInstances,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// IncRegistrationFailure records one LoadLibrary call during which at
// least one descriptor was rejected during registration.
func (m *Metrics) IncRegistrationFailure() {
	m.registrationFailures.Inc()
}

// ObserveLoadDuration records how long a LoadLibrary call took.
func (m *Metrics) ObserveLoadDuration(seconds float64) {
	m.loadDuration.Observe(seconds)
}
