package domain

import "context"

// Handle is the completion handle of dispatched work.
type Handle interface {
	// Wait blocks until the work finishes or ctx is done. It returns the
	// work's error, ErrDispatchCancelled if the work was cancelled, or
	// ctx.Err().
	Wait(ctx context.Context) error
}

// Dispatcher hands job and partition work to the execution engine. The
// calls return once the work is accepted; completion is observed on the Handle.
type Dispatcher interface {
	Start(ctx context.Context, instance *JobInstance, params JobParameters, executionID int64) (Handle, error)
	RestartInstance(ctx context.Context, instanceID int64, params JobParameters, executionID int64) (Handle, error)
	StartPartition(ctx context.Context, plan PartitionPlanConfig, step StepDefinition, replies ReplyChannel) (Handle, error)
}
