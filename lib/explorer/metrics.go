package explorer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_explorer_requests",
		Help: "Requests made to the explorer API by feature and response status",
	}, []string{"feature", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challengegate_explorer_request_duration_seconds",
		Help:    "How long explorer API round trips take",
		Buckets: prometheus.DefBuckets,
	}, []string{"feature"})
)
