package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TransitionsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "provisioning",
	Name:      "transitions_total",
	Help:      "Count of persisted provisioning transitions",
}, []string{"operation", "from", "to"})

var FailuresCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "provisioning",
	Name:      "failures_total",
	Help:      "Count of failed provisioning operations by policy outcome",
}, []string{"operation", "kind"})

var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kaytu",
	Subsystem: "provisioning",
	Name:      "operation_duration_seconds",
	Help:      "Duration of provisioning operations",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})
