package domain

import (
	"context"
	"fmt"
	"time"
)

// RemotablePartitionKey identifies one partition of a partitioned step.
type RemotablePartitionKey struct {
	JobExecutionID  int64  `json:"job_execution_id"`
	StepName        string `json:"step_name"`
	PartitionNumber int    `json:"partition_number"`
}

func (k RemotablePartitionKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.JobExecutionID, k.StepName, k.PartitionNumber)
}

// RemotablePartitionState is the persisted claim state of a partition.
type RemotablePartitionState string

const (
	PartitionStateQueued    RemotablePartitionState = "QUEUED"
	PartitionStateConsumed  RemotablePartitionState = "CONSUMED"
	PartitionStateRecovered RemotablePartitionState = "RECOVERED"
)

// RemotablePartition is the persisted record of a partition.
type RemotablePartition struct {
	Key       RemotablePartitionKey   `json:"key"`
	State     RemotablePartitionState `json:"state"`
	ServerID  string                  `json:"server_id,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// PartitionPlanConfig describes one partition to run.
type PartitionPlanConfig struct {
	TopLevelInstanceID  int64             `json:"top_level_instance_id" validate:"gte=0"`
	TopLevelExecutionID int64             `json:"top_level_execution_id" validate:"gte=0"`
	JobName             string            `json:"job_name"`
	StepName            string            `json:"step_name" validate:"required"`
	PartitionNumber     int               `json:"partition_number" validate:"gte=0"`
	Properties          map[string]string `json:"properties,omitempty"`
}

// Key returns the remotable partition key of the plan.
func (p PartitionPlanConfig) Key() RemotablePartitionKey {
	return RemotablePartitionKey{
		JobExecutionID:  p.TopLevelExecutionID,
		StepName:        p.StepName,
		PartitionNumber: p.PartitionNumber,
	}
}

// PartitionReplyType is the kind of a partition reply.
type PartitionReplyType string

const (
	ReplyPartitionStarted PartitionReplyType = "PARTITION_STARTED"
	ReplyFinalStatus      PartitionReplyType = "FINAL_STATUS"
)

// PartitionReplyMessage reports partition progress back to the top-level execution.
type PartitionReplyMessage struct {
	Type        PartitionReplyType  `json:"type"`
	BatchStatus BatchStatus         `json:"batch_status,omitempty"`
	ExitStatus  string              `json:"exit_status,omitempty"`
	PlanConfig  PartitionPlanConfig `json:"plan_config"`
}

// FinalFailure builds the FINAL_STATUS FAILED reply for plan.
func FinalFailure(plan PartitionPlanConfig) *PartitionReplyMessage {
	return &PartitionReplyMessage{
		Type:        ReplyFinalStatus,
		BatchStatus: BatchStatusFailed,
		ExitStatus:  string(BatchStatusFailed),
		PlanConfig:  plan,
	}
}

// ReplyChannel carries partition replies to one destination. At most one
// FINAL_STATUS is sent and it is the last message before Close.
type ReplyChannel interface {
	Add(ctx context.Context, msg *PartitionReplyMessage) error
	Close() error
}
