package domain

import (
	"fmt"
	"time"
)

// ExecutorType defines the type of a step executor.
type ExecutorType string

const (
	ExecutorTypeHTTP  ExecutorType = "http"
	ExecutorTypeShell ExecutorType = "shell"
)

// StepExecutorSpec describes the action a step performs.
type StepExecutorSpec struct {
	URL     string `json:"url,omitempty"`     // For HTTP executor
	Method  string `json:"method,omitempty"`  // For HTTP executor
	Command string `json:"command,omitempty"` // For Shell executor
}

// RetryPolicy defines the retry strategy for a step upon failure.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
}

// StepDefinition is one step of a batch job. A step with Partitions > 0 is
// fanned out to remote partitions.
type StepDefinition struct {
	Name         string            `json:"name" validate:"required,max=128"`
	ExecutorType ExecutorType      `json:"executor_type" validate:"required,oneof=http shell"`
	Executor     StepExecutorSpec  `json:"executor"`
	Partitions   int               `json:"partitions,omitempty" validate:"gte=0,lte=64"`
	Properties   map[string]string `json:"properties,omitempty"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty"`
}

// Validate checks the executor configuration of the step.
func (s *StepDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step name cannot be empty")
	}
	switch s.ExecutorType {
	case ExecutorTypeHTTP:
		if s.Executor.URL == "" {
			return fmt.Errorf("executor URL cannot be empty for http step %s", s.Name)
		}
		if s.Executor.Method == "" {
			s.Executor.Method = "GET"
		}
	case ExecutorTypeShell:
		if s.Executor.Command == "" {
			return fmt.Errorf("executor command cannot be empty for shell step %s", s.Name)
		}
	default:
		return fmt.Errorf("invalid executor type: %s", s.ExecutorType)
	}
	if s.Partitions < 0 {
		return fmt.Errorf("step %s has a negative partition count", s.Name)
	}
	return nil
}

// JobDefinition is the ordered list of steps of a job.
type JobDefinition struct {
	Steps []StepDefinition `json:"steps"`
}

// Validate checks every step and rejects duplicate step names.
func (d *JobDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("job definition has no steps")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		if err := d.Steps[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Steps[i].Name]; dup {
			return fmt.Errorf("duplicate step name: %s", d.Steps[i].Name)
		}
		seen[d.Steps[i].Name] = struct{}{}
	}
	return nil
}

// InstanceState is the lifecycle state of a job instance.
type InstanceState string

const (
	InstanceStateSubmitted   InstanceState = "SUBMITTED"
	InstanceStateJMSQueued   InstanceState = "JMS_QUEUED"
	InstanceStateJMSConsumed InstanceState = "JMS_CONSUMED"
	InstanceStateDispatched  InstanceState = "DISPATCHED"
	InstanceStateFailed      InstanceState = "FAILED"
	InstanceStateStopped     InstanceState = "STOPPED"
	InstanceStateCompleted   InstanceState = "COMPLETED"
	InstanceStateAbandoned   InstanceState = "ABANDONED"
)

// IsTerminal reports whether no further transition is allowed.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateAbandoned
}

// BatchStatus is the batch status of an instance or execution.
type BatchStatus string

const (
	BatchStatusStarting  BatchStatus = "STARTING"
	BatchStatusStarted   BatchStatus = "STARTED"
	BatchStatusStopping  BatchStatus = "STOPPING"
	BatchStatusStopped   BatchStatus = "STOPPED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusAbandoned BatchStatus = "ABANDONED"
)

// IsDone reports whether the status is final for an execution.
func (s BatchStatus) IsDone() bool {
	switch s {
	case BatchStatusStopped, BatchStatusFailed, BatchStatusCompleted, BatchStatusAbandoned:
		return true
	}
	return false
}

// JobInstance is the logical identity of one submitted job.
type JobInstance struct {
	ID                int64         `json:"id"`
	AppName           string        `json:"app_name"`
	JobName           string        `json:"job_name"`
	Submitter         string        `json:"submitter"`
	State             InstanceState `json:"state"`
	BatchStatus       BatchStatus   `json:"batch_status"`
	GroupNames        []string      `json:"group_names,omitempty"`
	Definition        JobDefinition `json:"definition"`
	LatestExecutionID int64         `json:"latest_execution_id"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validate checks the submission fields of a job instance.
func (j *JobInstance) Validate() error {
	if j.JobName == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.AppName == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	return j.Definition.Validate()
}

// Step returns the step definition with the given name.
func (j *JobInstance) Step(name string) (StepDefinition, bool) {
	for _, s := range j.Definition.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// VerifyInstanceTransition rejects transitions out of a terminal state.
func VerifyInstanceTransition(from, to InstanceState) error {
	if from.IsTerminal() && from != to {
		return Errorf(KindIllegalStatusTransition, "job instance cannot move from %s to %s", from, to)
	}
	return nil
}

// VerifyExecutionTransition rejects status changes of a finished execution.
func VerifyExecutionTransition(from, to BatchStatus) error {
	if from.IsDone() && from != to {
		return Errorf(KindIllegalStatusTransition, "job execution cannot move from %s to %s", from, to)
	}
	return nil
}
