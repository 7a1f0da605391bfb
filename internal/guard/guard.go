// Package guard discards control messages that refer to superseded executions.
package guard

import (
	"context"
	"fmt"

	"batch-dispatch/internal/domain"
)

// ExecutionLookup is the part of the job repository the guard needs.
type ExecutionLookup interface {
	GetJobInstanceFromExecution(ctx context.Context, executionID int64) (*domain.JobInstance, error)
	GetJobExecutionMostRecent(ctx context.Context, instanceID int64) (*domain.JobExecution, error)
}

// StaleExecutionGuard checks whether an execution is the most recent
// execution of its instance.
type StaleExecutionGuard struct {
	lookup ExecutionLookup
}

// New creates a guard over lookup.
func New(lookup ExecutionLookup) *StaleExecutionGuard {
	return &StaleExecutionGuard{lookup: lookup}
}

// IsMostRecent reports whether executionID is the latest execution of its
// instance. Lookup failures are wrapped with the id being looked up; the
// underlying error stays reachable through errors.Is and domain.IsKind.
func (g *StaleExecutionGuard) IsMostRecent(ctx context.Context, executionID int64) (bool, error) {
	instance, err := g.lookup.GetJobInstanceFromExecution(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("resolve instance of execution %d: %w", executionID, err)
	}
	latest, err := g.lookup.GetJobExecutionMostRecent(ctx, instance.ID)
	if err != nil {
		return false, fmt.Errorf("most recent execution of instance %d: %w", instance.ID, err)
	}
	return latest.ID == executionID, nil
}
