// Package prometheus implements the heap statistics boundary on top of the
// process-wide registry.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/pmheap/pkg/heap"
	"github.com/marmos91/pmheap/pkg/metrics"
)

// heapStats is the Prometheus implementation of heap.Stats. The heap
// reports named byte counters; each name maps to one gauge.
type heapStats struct {
	gauges map[string]prometheus.Gauge
}

// NewHeapStats creates a Prometheus-backed heap.Stats instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called); the
// heap treats a nil Stats as disabled reporting with zero overhead.
func NewHeapStats() heap.Stats {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &heapStats{
		gauges: map[string]prometheus.Gauge{
			heap.StatRunActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "pmheap_run_active_bytes",
				Help: "Bytes of chunks currently backing allocation runs",
			}),
			heap.StatRunAllocated: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "pmheap_run_allocated_bytes",
				Help: "Bytes currently allocated out of run cells",
			}),
		},
	}
}

func (s *heapStats) Inc(name string, delta uint64) {
	if g, ok := s.gauges[name]; ok {
		g.Add(float64(delta))
	}
}

func (s *heapStats) Sub(name string, delta uint64) {
	if g, ok := s.gauges[name]; ok {
		g.Sub(float64(delta))
	}
}
