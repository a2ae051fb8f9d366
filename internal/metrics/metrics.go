// Package metrics exposes Prometheus instrumentation for the collector
// and web layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectionCycles counts completed collection cycles by kind
	// (logs, metrics) and outcome (ok, error).
	CollectionCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_collection_cycles_total",
		Help: "Completed collection cycles by kind and outcome.",
	}, []string{"kind", "outcome"})

	// CollectionDuration tracks how long one host takes to harvest.
	CollectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spyglass_collection_duration_seconds",
		Help:    "Per-host collection duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "host"})

	// LogEntriesIndexed counts log entries written to the index per host.
	LogEntriesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_log_entries_indexed_total",
		Help: "Log entries indexed, by host.",
	}, []string{"host"})

	// HostUp reports host reachability as seen by the last cycle.
	HostUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spyglass_host_up",
		Help: "1 when the last collection reached the host, 0 otherwise.",
	}, []string{"host"})

	// ContainersObserved is the container count from the last inventory.
	ContainersObserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spyglass_containers_observed",
		Help: "Containers in the last inventory, by host.",
	}, []string{"host"})

	// ActionsDispatched counts actions by kind and final status.
	ActionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_actions_total",
		Help: "Actions by kind and terminal status.",
	}, []string{"kind", "status"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_http_requests_total",
		Help: "API requests by route and status class.",
	}, []string{"route", "class"})
)
