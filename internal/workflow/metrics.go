package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentgate_workflow_steps_total",
	Help: "Live workflow steps by type and result.",
}, []string{"type", "result"})
