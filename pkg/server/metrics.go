package server

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tablesync",
	Subsystem: "server",
	Name:      "request_duration_seconds",
	Help:      "Duration of handled http requests by route template.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"method", "route", "code"})

// Collectors returns the server metrics for registration by the hosting binary.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requestDuration}
}

func observeRequest(request *http.Request, m httpsnoop.Metrics) {
	route := "unmatched"
	if current := mux.CurrentRoute(request); current != nil {
		if tpl, err := current.GetPathTemplate(); err == nil {
			route = tpl
		}
	}
	requestDuration.WithLabelValues(request.Method, route, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
}
