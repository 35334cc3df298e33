package syncer

import "github.com/prometheus/client_golang/prometheus"

var FetchCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tablesync",
	Subsystem: "syncer",
	Name:      "fetch_count",
	Help:      "Resource fetches issued by the reconciler by resource kind and result.",
}, []string{"kind", "result"})

var DigestSkewCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tablesync",
	Subsystem: "syncer",
	Name:      "digest_skew_count",
	Help:      "Fetched resources whose digest header disagreed with the digest map.",
})

var SkippedTickCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tablesync",
	Subsystem: "syncer",
	Name:      "skipped_tick_count",
	Help:      "Ticks coalesced because a cycle was still in flight.",
})

var CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tablesync",
	Subsystem: "syncer",
	Name:      "cycle_duration_seconds",
	Help:      "Time spent per sync cycle phase.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"phase"})

// Collectors returns the sync engine metrics for registration by the hosting binary.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{FetchCount, DigestSkewCount, SkippedTickCount, CycleDuration}
}
