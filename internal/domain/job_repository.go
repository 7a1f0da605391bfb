package domain

import (
	"context"
)

// NoExecution is the sentinel for an absent instance or execution id.
const NoExecution int64 = -1

// GroupNamesEntityVersion is the first instance entity version that stores group names.
const GroupNamesEntityVersion = 3

// JobRepository persists job instances, executions and remotable partitions.
// Conditional transitions are atomic: only one caller can win each of them.
type JobRepository interface {
	CreateJobInstance(ctx context.Context, instance *JobInstance) (*JobInstance, error)
	GetJobInstance(ctx context.Context, instanceID int64) (*JobInstance, error)
	GetJobInstanceFromExecution(ctx context.Context, executionID int64) (*JobInstance, error)

	// UpdateJobInstanceStateOnQueued moves SUBMITTED to JMS_QUEUED.
	UpdateJobInstanceStateOnQueued(ctx context.Context, instanceID int64) (*JobInstance, error)
	// UpdateJobInstanceStateOnConsumed moves JMS_QUEUED to JMS_CONSUMED and
	// fails with ErrJobInstanceNotQueued from any other state.
	UpdateJobInstanceStateOnConsumed(ctx context.Context, instanceID int64) (*JobInstance, error)
	// UpdateJobInstanceOnRestart resets a STOPPED or FAILED instance to SUBMITTED.
	UpdateJobInstanceOnRestart(ctx context.Context, instanceID int64) (*JobInstance, error)
	UpdateJobInstanceWithGroupNames(ctx context.Context, instanceID int64, groupNames []string) (*JobInstance, error)
	GetJobInstanceEntityVersion(ctx context.Context) (int, error)
	// UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus sets both
	// records. The execution is left alone when executionID is NoExecution.
	UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(ctx context.Context, instanceID, executionID int64, state InstanceState, status BatchStatus) (*JobInstance, *JobExecution, error)

	CreateJobExecution(ctx context.Context, instanceID int64, params JobParameters) (*JobExecution, error)
	GetJobExecution(ctx context.Context, executionID int64) (*JobExecution, error)
	GetJobExecutionMostRecent(ctx context.Context, instanceID int64) (*JobExecution, error)
	UpdateJobExecutionAndInstanceOnStarted(ctx context.Context, executionID int64, serverID string) (*JobExecution, error)
	UpdateJobExecutionAndInstanceOnEnd(ctx context.Context, executionID int64, status BatchStatus, exitStatus string) (*JobExecution, error)

	CreateRemotablePartition(ctx context.Context, key RemotablePartitionKey) (*RemotablePartition, error)
	// GetRemotablePartitionInternalState returns ErrPartitionNotFound when no
	// record exists.
	GetRemotablePartitionInternalState(ctx context.Context, key RemotablePartitionKey) (RemotablePartitionState, error)
	UpdateRemotablePartitionInternalState(ctx context.Context, key RemotablePartitionKey, from, to RemotablePartitionState, serverID string) error
}

// InstanceStateForStatus maps a final execution status onto the instance state.
func InstanceStateForStatus(status BatchStatus) InstanceState {
	switch status {
	case BatchStatusCompleted:
		return InstanceStateCompleted
	case BatchStatusStopped:
		return InstanceStateStopped
	case BatchStatusAbandoned:
		return InstanceStateAbandoned
	case BatchStatusFailed:
		return InstanceStateFailed
	}
	return InstanceStateDispatched
}
