package challenge

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_client_challenges_issued",
		Help: "The total number of widget interactions started",
	}, []string{"session"})

	challengeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_client_challenge_results",
		Help: "The outcome of each widget interaction",
	}, []string{"session", "result"})

	initErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_client_widget_init_errors",
		Help: "The total number of widget initialization failures",
	}, []string{"session"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_client_retries",
		Help: "The total number of fetches retried with a fresh token",
	}, []string{"session"})

	TimeTaken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challengegate_client_time_taken",
		Help:    "The time taken for a user to solve a challenge (milliseconds)",
		Buckets: prometheus.ExponentialBucketsRange(1, math.Pow(2, 20), 20),
	}, []string{"session"})
)
