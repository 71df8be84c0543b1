package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"findprovs/pkg/mux"
)

const namespace = "findprovs"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	LookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookups_total",
		Help:      "Total number of provider lookups by completion reason.",
	}, []string{"reason"})

	LookupDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lookup_duration_seconds",
		Help:      "The duration of a provider lookup from seeding to completion.",
	}, []string{"reason"})

	LookupRounds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lookup_rounds",
		Help:      "Number of query rounds a lookup needed.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
	})

	PeerQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_queries_total",
		Help:      "Total number of queries sent to peers by outcome.",
	}, []string{"outcome"})

	ProvidersFoundTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "providers_found_total",
		Help:      "Total number of distinct providers found across lookups.",
	})

	InFlightQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_queries",
		Help:      "Number of peer queries currently awaiting a response.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(LookupsTotal)
	DefaultRegisterer.MustRegister(LookupDurHistogram)
	DefaultRegisterer.MustRegister(LookupRounds)
	DefaultRegisterer.MustRegister(PeerQueriesTotal)
	DefaultRegisterer.MustRegister(ProvidersFoundTotal)
	DefaultRegisterer.MustRegister(InFlightQueries)
	mux.RegisterMetrics(DefaultRegisterer)
}
