// Package observability bundles the Prometheus collectors for scan and
// comparison activity.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the daemon exports
type Metrics struct {
	DevicesDiscovered prometheus.Counter
	BatchesIssued     prometheus.Counter
	ProbeTimeouts     prometheus.Counter
	ScanDuration      prometheus.Histogram
	ScansTotal        *prometheus.CounterVec
	CompareTasks      *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
}

// New registers all collectors against reg, defaulting to the global
// registry when nil
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DevicesDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "bacmap_devices_discovered_total",
			Help: "I-Am responses accepted across all scans.",
		}),
		BatchesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "bacmap_whois_batches_total",
			Help: "Who-Is broadcast batches issued.",
		}),
		ProbeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bacmap_probe_timeouts_total",
			Help: "Topology probes that elapsed without a response.",
		}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bacmap_scan_duration_seconds",
			Help:    "Wall-clock duration of complete discovery passes.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bacmap_scans_total",
			Help: "Completed discovery passes by result.",
		}, []string{"result"}),
		CompareTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bacmap_compare_tasks_total",
			Help: "Finished comparison tasks by outcome.",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bacmap_compare_queue_depth",
			Help: "Comparison tasks waiting behind the worker.",
		}),
	}
}
