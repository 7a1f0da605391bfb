package http

import (
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/usecase"
)

// ExecutorRequest is the DTO for executor configuration.
type ExecutorRequest struct {
	URL     string `json:"url" validate:"omitempty,url"`
	Method  string `json:"method" validate:"omitempty,oneof=GET POST PUT"`
	Command string `json:"command"`
}

// RetryPolicyRequest is the DTO for retry policy configuration.
type RetryPolicyRequest struct {
	MaxRetries int    `json:"max_retries" validate:"gte=0,lte=10"`
	Backoff    string `json:"backoff" validate:"required_with=MaxRetries,omitempty,duration"`
}

// StepRequest describes one step of a submitted job.
type StepRequest struct {
	Name         string              `json:"name" validate:"required,min=1,max=128"`
	ExecutorType string              `json:"executor_type" validate:"required,oneof=http shell"`
	Executor     ExecutorRequest     `json:"executor"`
	Partitions   int                 `json:"partitions" validate:"gte=0,lte=64"`
	Properties   map[string]string   `json:"properties,omitempty"`
	RetryPolicy  *RetryPolicyRequest `json:"retry_policy,omitempty"`
}

// ParameterRequest is one ordered job parameter.
type ParameterRequest struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// SubmitJobRequest is the body of POST /instances.
type SubmitJobRequest struct {
	AppName    string             `json:"app_name" validate:"required,min=1,max=128"`
	JobName    string             `json:"job_name" validate:"required,min=1,max=128"`
	Steps      []StepRequest      `json:"steps" validate:"required,min=1,dive"`
	Parameters []ParameterRequest `json:"parameters,omitempty" validate:"omitempty,dive"`
}

// RestartJobRequest is the optional body of POST /instances/{id}/restart.
type RestartJobRequest struct {
	Parameters []ParameterRequest `json:"parameters,omitempty" validate:"omitempty,dive"`
}

func toParameters(in []ParameterRequest) domain.JobParameters {
	if len(in) == 0 {
		return nil
	}
	params := make(domain.JobParameters, 0, len(in))
	for _, p := range in {
		params = append(params, domain.Parameter{Key: p.Key, Value: p.Value})
	}
	return params
}

// ToSubmission converts the DTO to a usecase.Submission.
func (r *SubmitJobRequest) ToSubmission() *usecase.Submission {
	steps := make([]domain.StepDefinition, 0, len(r.Steps))
	for _, s := range r.Steps {
		step := domain.StepDefinition{
			Name:         s.Name,
			ExecutorType: domain.ExecutorType(s.ExecutorType),
			Partitions:   s.Partitions,
			Properties:   s.Properties,
		}
		// Normalize executor based on type
		switch step.ExecutorType {
		case domain.ExecutorTypeHTTP:
			step.Executor.URL = s.Executor.URL
			step.Executor.Method = s.Executor.Method
			if step.Executor.Method == "" {
				step.Executor.Method = "GET"
			}
		case domain.ExecutorTypeShell:
			step.Executor.Command = s.Executor.Command
		}
		if s.RetryPolicy != nil {
			backoff, _ := time.ParseDuration(s.RetryPolicy.Backoff)
			step.RetryPolicy = &domain.RetryPolicy{MaxRetries: s.RetryPolicy.MaxRetries, Backoff: backoff}
		}
		steps = append(steps, step)
	}
	return &usecase.Submission{
		AppName:    r.AppName,
		JobName:    r.JobName,
		Definition: domain.JobDefinition{Steps: steps},
		Parameters: toParameters(r.Parameters),
	}
}

// SubmitJobResponse is returned by submit and restart.
type SubmitJobResponse struct {
	Instance  *domain.JobInstance  `json:"instance"`
	Execution *domain.JobExecution `json:"execution"`
}
