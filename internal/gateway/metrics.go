package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govfabric",
		Subsystem: "gateway",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by method, route and status class.",
	}, []string{"method", "route", "status"})

	metricJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govfabric",
		Subsystem: "gateway",
		Name:      "jobs_submitted_total",
		Help:      "Jobs submitted, by project.",
	}, []string{"project"})

	metricMCPCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govfabric",
		Subsystem: "gateway",
		Name:      "mcp_calls_total",
		Help:      "Outbound MCP tool calls, by server and outcome.",
	}, []string{"server", "outcome"})

	metricWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "govfabric",
		Subsystem: "gateway",
		Name:      "ws_connections",
		Help:      "Open WebSocket connections.",
	})
)
