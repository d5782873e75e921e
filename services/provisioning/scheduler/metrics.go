package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JobsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "provisioning_scheduler",
	Name:      "jobs_total",
	Help:      "Count of provisioning jobs by operation and result",
}, []string{"operation", "result"})

var CyclesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "provisioning_scheduler",
	Name:      "cycles_total",
	Help:      "Count of scheduling cycles",
}, []string{"result"})
