package census

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "censusd_census_upstream_requests_total",
		Help: "Live Census API calls by endpoint (table, variables).",
	}, []string{"endpoint"})

	rowCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "censusd_census_row_cache_hits_total",
		Help: "Fetches served from the durable row cache within the freshness window.",
	})

	rowCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "censusd_census_row_cache_misses_total",
		Help: "Fetches that required a live upstream call.",
	})
)
