package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFilterMetrics() {
	r.FilterLookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_filter_lookups_total",
			Help: "Stream existence filter lookups by answer",
		},
		[]string{"result"},
	)

	r.FilterFlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_filter_flushes_total",
			Help: "Existence filter flushes by status",
		},
		[]string{"status"},
	)

	r.FilterRebuildTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scavenger_filter_rebuilds_total",
			Help: "Full existence filter rebuilds",
		},
	)

	r.FilterCheckpoint = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "scavenger_filter_checkpoint",
			Help: "Highest log position reflected in the existence filter",
		},
	)
}
