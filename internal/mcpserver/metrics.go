package mcpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentgate_tool_invocations_total",
	Help: "MCP tool invocations by kind and result.",
}, []string{"kind", "result"})

func observeInvocation(kind string, errored bool) {
	result := "ok"
	if errored {
		result = "error"
	}
	toolInvocations.WithLabelValues(kind, result).Inc()
}
