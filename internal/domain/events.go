package domain

import "context"

// Event topics published on job lifecycle changes.
const (
	TopicInstanceSubmitted   = "batch/jobs/instance/submitted"
	TopicInstanceJMSQueued   = "batch/jobs/instance/jms_queued"
	TopicInstanceJMSConsumed = "batch/jobs/instance/jms_consumed"
	TopicInstanceDispatched  = "batch/jobs/instance/dispatched"
	TopicInstanceFailed      = "batch/jobs/instance/failed"
	TopicInstanceCompleted   = "batch/jobs/instance/completed"
	TopicExecutionStarted    = "batch/jobs/execution/started"
	TopicExecutionFailed     = "batch/jobs/execution/failed"
	TopicExecutionCompleted  = "batch/jobs/execution/completed"
)

// EventPublisher publishes job lifecycle events. Publishing is best effort.
type EventPublisher interface {
	PublishJobInstanceEvent(ctx context.Context, instance *JobInstance, topic, correlationID string)
	PublishJobExecutionEvent(ctx context.Context, execution *JobExecution, topic, correlationID string)
}
