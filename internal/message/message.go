// Package message defines the job-control messages exchanged over the queue
// and their codec.
package message

import (
	"context"
	"time"

	"batch-dispatch/internal/domain"
)

// Raw is a transport-neutral queued message.
type Raw struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Properties map[string]string `json:"properties,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Property returns a message property, or "".
func (r *Raw) Property(name string) string {
	if r == nil || r.Properties == nil {
		return ""
	}
	return r.Properties[name]
}

// Message property names.
const (
	PropOperation    = "operation"
	PropMinorVersion = "minor_version"
	PropInstanceID   = "instance_id"
	PropExecutionID  = "execution_id"
	PropReplyTo      = "reply_to"
	PropAppName      = "app_name"
)

// Operation is the control operation a message requests.
type Operation string

const (
	OperationStart          Operation = "start"
	OperationRestart        Operation = "restart"
	OperationStartPartition Operation = "start_partition"
)

// Minor versions of the control message format.
const (
	// MinorVersionExecutionID is the first version where START carries an execution id.
	MinorVersionExecutionID = 1
	// MinorVersionRestartInstanceID is the first version where RESTART carries an instance id.
	MinorVersionRestartInstanceID = 2
	// CurrentMinorVersion is what the encoders write.
	CurrentMinorVersion = 2
)

// ControlMessage is a decoded job-control message.
type ControlMessage struct {
	Operation       Operation
	InstanceID      int64
	ExecutionID     int64
	MinorVersion    int
	AppName         string
	SecurityContext []byte
	JobParameters   domain.JobParameters
	ReplyTo         string
	Partition       *StartPartitionPayload
}

// HasExecutionID reports whether the message names a specific execution.
func (m *ControlMessage) HasExecutionID() bool {
	return m.ExecutionID != domain.NoExecution
}

// StartPartitionPayload is the body of a START_PARTITION message.
type StartPartitionPayload struct {
	PlanConfig      domain.PartitionPlanConfig `json:"plan_config"`
	Step            domain.StepDefinition      `json:"step"`
	SecurityContext []byte                     `json:"security_context,omitempty"`
}

// Sender puts raw messages on a topic.
type Sender interface {
	Send(ctx context.Context, msg *Raw) error
}

// Handler processes one delivered message. A nil return acknowledges the
// message; an error asks the transport to redeliver it.
type Handler func(ctx context.Context, msg *Raw) error
