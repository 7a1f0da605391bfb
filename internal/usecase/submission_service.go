package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/security"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SubmissionRepository is the part of the job repository used to submit jobs.
type SubmissionRepository interface {
	CreateJobInstance(ctx context.Context, instance *domain.JobInstance) (*domain.JobInstance, error)
	GetJobInstance(ctx context.Context, instanceID int64) (*domain.JobInstance, error)
	UpdateJobInstanceStateOnQueued(ctx context.Context, instanceID int64) (*domain.JobInstance, error)
	UpdateJobInstanceOnRestart(ctx context.Context, instanceID int64) (*domain.JobInstance, error)
	UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(ctx context.Context, instanceID, executionID int64, state domain.InstanceState, status domain.BatchStatus) (*domain.JobInstance, *domain.JobExecution, error)
	CreateJobExecution(ctx context.Context, instanceID int64, params domain.JobParameters) (*domain.JobExecution, error)
	GetJobExecution(ctx context.Context, executionID int64) (*domain.JobExecution, error)
}

// Submission is a request to run a job.
type Submission struct {
	AppName    string
	JobName    string
	Definition domain.JobDefinition
	Parameters domain.JobParameters
}

// SubmissionService creates job instances and queues their control messages.
type SubmissionService struct {
	repo         SubmissionRepository
	sender       message.Sender
	events       domain.EventPublisher
	controlTopic string
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewSubmissionService creates a SubmissionService. events may be nil.
func NewSubmissionService(repo SubmissionRepository, sender message.Sender, events domain.EventPublisher, controlTopic string, logger *slog.Logger) *SubmissionService {
	return &SubmissionService{
		repo:         repo,
		sender:       sender,
		events:       events,
		controlTopic: controlTopic,
		logger:       logger.With("component", "submission-service"),
		tracer:       otel.Tracer("batch-dispatch-usecase"),
	}
}

// Submit creates a job instance and its first execution, then queues a START
// message carrying the submitter's identity.
func (s *SubmissionService) Submit(ctx context.Context, sub *Submission, id security.Identity) (*domain.JobInstance, *domain.JobExecution, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit", trace.WithAttributes(
		attribute.String("job.app_name", sub.AppName),
		attribute.String("job.name", sub.JobName),
	))
	defer span.End()

	instance := &domain.JobInstance{
		AppName:    sub.AppName,
		JobName:    sub.JobName,
		Submitter:  id.Subject,
		Definition: sub.Definition,
	}
	if err := instance.Validate(); err != nil {
		return nil, nil, domain.Wrap(domain.KindInvalidParameters, err, "invalid job submission")
	}
	blob, err := security.Encode(id)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindSecurity, err, "cannot serialize submitter identity")
	}

	instance, err = s.repo.CreateJobInstance(ctx, instance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job instance")
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int64("job.instance_id", instance.ID))
	correlationID := sub.Parameters.CorrelationID()
	s.publishInstance(ctx, instance, domain.TopicInstanceSubmitted, correlationID)

	exec, err := s.repo.CreateJobExecution(ctx, instance.ID, sub.Parameters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job execution")
		return nil, nil, err
	}

	instance, err = s.enqueue(ctx, instance.ID, exec.ID, correlationID, func() (*message.Raw, error) {
		return message.EncodeStart(s.controlTopic, sub.AppName, instance.ID, exec.ID, blob, sub.Parameters)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to queue job")
		return nil, nil, err
	}
	s.logger.Info("job submitted", "instance_id", instance.ID, "execution_id", exec.ID, "job_name", instance.JobName, "submitter", id.Subject)
	return instance, exec, nil
}

// Restart resets a stopped or failed instance, creates a new execution and
// queues a RESTART message.
func (s *SubmissionService) Restart(ctx context.Context, instanceID int64, params domain.JobParameters, id security.Identity) (*domain.JobInstance, *domain.JobExecution, error) {
	ctx, span := s.tracer.Start(ctx, "service.Restart", trace.WithAttributes(attribute.Int64("job.instance_id", instanceID)))
	defer span.End()

	blob, err := security.Encode(id)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindSecurity, err, "cannot serialize submitter identity")
	}
	instance, err := s.repo.UpdateJobInstanceOnRestart(ctx, instanceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reset job instance")
		return nil, nil, err
	}
	exec, err := s.repo.CreateJobExecution(ctx, instanceID, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job execution")
		return nil, nil, err
	}

	correlationID := params.CorrelationID()
	instance, err = s.enqueue(ctx, instanceID, exec.ID, correlationID, func() (*message.Raw, error) {
		return message.EncodeRestart(s.controlTopic, instance.AppName, instanceID, exec.ID, blob, params)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to queue restart")
		return nil, nil, err
	}
	s.logger.Info("job restart queued", "instance_id", instanceID, "execution_id", exec.ID, "submitter", id.Subject)
	return instance, exec, nil
}

// enqueue moves the instance to JMS_QUEUED and sends the control message. An
// instance whose message could not be sent is marked FAILED.
func (s *SubmissionService) enqueue(ctx context.Context, instanceID, executionID int64, correlationID string, build func() (*message.Raw, error)) (*domain.JobInstance, error) {
	instance, err := s.repo.UpdateJobInstanceStateOnQueued(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	raw, err := build()
	if err == nil {
		err = s.sender.Send(ctx, raw)
	}
	if err != nil {
		if _, _, markErr := s.repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(context.WithoutCancel(ctx),
			instanceID, executionID, domain.InstanceStateFailed, domain.BatchStatusFailed); markErr != nil {
			s.logger.Error("failed to mark unqueued job failed", "instance_id", instanceID, "execution_id", executionID, "error", markErr)
		}
		return nil, fmt.Errorf("failed to send control message for job instance %d: %w", instanceID, err)
	}
	s.publishInstance(ctx, instance, domain.TopicInstanceJMSQueued, correlationID)
	return instance, nil
}

// GetInstance returns a job instance.
func (s *SubmissionService) GetInstance(ctx context.Context, instanceID int64) (*domain.JobInstance, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetInstance", trace.WithAttributes(attribute.Int64("job.instance_id", instanceID)))
	defer span.End()
	return s.repo.GetJobInstance(ctx, instanceID)
}

// GetExecution returns a job execution.
func (s *SubmissionService) GetExecution(ctx context.Context, executionID int64) (*domain.JobExecution, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetExecution", trace.WithAttributes(attribute.Int64("job.execution_id", executionID)))
	defer span.End()
	return s.repo.GetJobExecution(ctx, executionID)
}

func (s *SubmissionService) publishInstance(ctx context.Context, instance *domain.JobInstance, topic, correlationID string) {
	if s.events != nil {
		s.events.PublishJobInstanceEvent(ctx, instance, topic, correlationID)
	}
}
