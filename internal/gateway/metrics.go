package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_http_requests_total",
		Help: "HTTP requests handled, by method, route, and status code.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_http_request_duration_seconds",
		Help:    "HTTP request latency, by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	signingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_signing_operations_total",
		Help: "Session-key signing operations, by result.",
	}, []string{"result"})

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_session_keys_created_total",
		Help: "Session keys registered through POST /sessions.",
	})
)
