// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal 记录 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// ControlMessagesTotal counts handled control messages by operation and outcome
	// (dispatched, skipped, ignored, consumed_failure, redeliver, benign).
	ControlMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_control_messages_total",
			Help: "Total number of job control messages handled by the coordinator.",
		},
		[]string{"operation", "outcome"},
	)

	// DispatchWaitSeconds 记录等待分发任务完成的耗时
	DispatchWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_dispatch_wait_seconds",
			Help:    "Time the coordinator spent blocked on dispatched work.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"operation"},
	)

	// PartitionRepliesTotal counts partition replies sent and received.
	PartitionRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_partition_replies_total",
			Help: "Total number of partition reply messages.",
		},
		[]string{"direction", "type", "batch_status"},
	)

	// StepExecutionTotal 记录步骤执行的总数
	StepExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_step_executions_total",
			Help: "Total number of step and partition executions.",
		},
		[]string{"step", "status"},
	)
)
