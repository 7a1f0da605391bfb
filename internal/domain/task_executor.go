package domain

import "context"

// StepExecutor runs the action of one step (or one partition of it).
type StepExecutor interface {
	Execute(ctx context.Context, step *StepDefinition, props map[string]string) (output string, err error)
}
