package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/metrics"
	"batch-dispatch/internal/reply"
	"batch-dispatch/internal/security"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the local dispatcher.
type Config struct {
	// NodeID identifies this node in execution records and is the reply
	// destination of the partitions it fans out.
	NodeID string
	// PartitionTopic receives START_PARTITION messages. It must not be the
	// topic START and RESTART messages arrive on.
	PartitionTopic string
	// PartitionTimeout bounds the wait for all partitions of a step.
	PartitionTimeout time.Duration
}

// Local runs jobs in-process. Partitioned steps are fanned out over the
// partition topic and their results collected from the reply server.
type Local struct {
	cfg       Config
	repo      domain.JobRepository
	executors map[domain.ExecutorType]domain.StepExecutor
	sender    message.Sender
	replies   *reply.Server
	events    domain.EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[*Future]struct{}
	wg      sync.WaitGroup
}

var _ domain.Dispatcher = (*Local)(nil)

// NewLocal creates a local dispatcher. events may be nil.
func NewLocal(
	cfg Config,
	repo domain.JobRepository,
	executors map[domain.ExecutorType]domain.StepExecutor,
	sender message.Sender,
	replies *reply.Server,
	events domain.EventPublisher,
	logger *slog.Logger,
) *Local {
	if cfg.PartitionTimeout <= 0 {
		cfg.PartitionTimeout = 10 * time.Minute
	}
	return &Local{
		cfg:       cfg,
		repo:      repo,
		executors: executors,
		sender:    sender,
		replies:   replies,
		events:    events,
		logger:    logger.With("component", "local-dispatcher", "node_id", cfg.NodeID),
		tracer:    otel.Tracer("batch-dispatch-dispatcher"),
		running:   make(map[*Future]struct{}),
	}
}

func requireIdentity(ctx context.Context, what string) (security.Identity, error) {
	id, ok := security.IdentityFrom(ctx)
	if !ok {
		return security.Identity{}, domain.Errorf(domain.KindSecurity, "no authenticated identity to run %s", what)
	}
	return id, nil
}

// taskLogger adds the task tags attached to ctx, if any, to logger and to the
// span in ctx.
func taskLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	tags, ok := security.TagsFrom(ctx)
	if !ok {
		return logger
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("task.identity", tags.TaskIdentity),
		attribute.String("task.owner", tags.Owner),
	)
	return logger.With("task_identity", tags.TaskIdentity, "owner", tags.Owner)
}

// Start runs a job instance. A negative executionID creates a new execution.
func (l *Local) Start(ctx context.Context, instance *domain.JobInstance, params domain.JobParameters, executionID int64) (domain.Handle, error) {
	ctx, span := l.tracer.Start(ctx, "dispatcher.Start", trace.WithAttributes(
		attribute.Int64("job.instance_id", instance.ID),
		attribute.Int64("job.execution_id", executionID),
	))
	defer span.End()

	if _, err := requireIdentity(ctx, fmt.Sprintf("job instance %d", instance.ID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start denied")
		return nil, err
	}
	f, err := l.launch(ctx, instance, params, executionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start job")
		return nil, err
	}
	return f, nil
}

// RestartInstance runs a restarted job instance.
func (l *Local) RestartInstance(ctx context.Context, instanceID int64, params domain.JobParameters, executionID int64) (domain.Handle, error) {
	ctx, span := l.tracer.Start(ctx, "dispatcher.RestartInstance", trace.WithAttributes(
		attribute.Int64("job.instance_id", instanceID),
		attribute.Int64("job.execution_id", executionID),
	))
	defer span.End()

	if _, err := requireIdentity(ctx, fmt.Sprintf("job instance %d", instanceID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restart denied")
		return nil, err
	}
	instance, err := l.repo.GetJobInstance(ctx, instanceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job instance not found")
		return nil, err
	}
	f, err := l.launch(ctx, instance, params, executionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to restart job")
		return nil, err
	}
	return f, nil
}

func (l *Local) prepareExecution(ctx context.Context, instance *domain.JobInstance, params domain.JobParameters, executionID int64) (*domain.JobExecution, error) {
	if executionID == domain.NoExecution {
		return l.repo.CreateJobExecution(ctx, instance.ID, params)
	}
	exec, err := l.repo.GetJobExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch exec.BatchStatus {
	case domain.BatchStatusStopping, domain.BatchStatusStopped:
		return nil, domain.Errorf(domain.KindJobStoppedBeforeStart, "job execution %d was stopped before it started", exec.ID)
	case domain.BatchStatusCompleted, domain.BatchStatusFailed, domain.BatchStatusAbandoned:
		return nil, domain.Errorf(domain.KindExecutionAlreadyComplete, "job execution %d already ended with %s", exec.ID, exec.BatchStatus)
	case domain.BatchStatusStarted:
		return nil, domain.Errorf(domain.KindJobStartDenied, "job execution %d is already running on %s", exec.ID, exec.ServerID)
	}
	return exec, nil
}

func (l *Local) launch(ctx context.Context, instance *domain.JobInstance, params domain.JobParameters, executionID int64) (*Future, error) {
	exec, err := l.prepareExecution(ctx, instance, params, executionID)
	if err != nil {
		return nil, err
	}
	exec, err = l.repo.UpdateJobExecutionAndInstanceOnStarted(ctx, exec.ID, l.cfg.NodeID)
	if err != nil {
		return nil, err
	}
	correlationID := params.CorrelationID()
	l.publishExecution(ctx, exec, domain.TopicExecutionStarted, correlationID)
	if dispatched, err := l.repo.GetJobInstance(ctx, instance.ID); err == nil {
		l.publishInstance(ctx, dispatched, domain.TopicInstanceDispatched, correlationID)
	}

	// 作业在独立的 context 中运行，保留身份信息和 trace
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := newFuture(cancel)
	l.track(f)
	go func() {
		defer l.untrack(f)
		defer cancel()
		l.runJob(runCtx, f, instance, exec, correlationID)
	}()
	return f, nil
}

func (l *Local) runJob(ctx context.Context, f *Future, instance *domain.JobInstance, exec *domain.JobExecution, correlationID string) {
	ctx, span := l.tracer.Start(ctx, "dispatcher.runJob", trace.WithAttributes(
		attribute.String("job.name", instance.JobName),
		attribute.Int64("job.execution_id", exec.ID),
	))
	defer span.End()
	logger := taskLogger(ctx, l.logger.With("job_name", instance.JobName, "instance_id", instance.ID, "execution_id", exec.ID))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job panicked: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "job execution panicked")
			logger.Error("job execution panicked", "panic", r)
			l.end(ctx, logger, exec.ID, domain.BatchStatusFailed, err.Error(), correlationID)
			f.complete(nil)
		}
	}()

	logger.Info("job started", "steps", len(instance.Definition.Steps))
	for i := range instance.Definition.Steps {
		step := instance.Definition.Steps[i]
		if ctx.Err() != nil {
			l.stopped(ctx, logger, f, exec.ID, correlationID)
			return
		}
		if err := l.runStep(ctx, logger, instance, exec, step); err != nil {
			if ctx.Err() != nil {
				l.stopped(ctx, logger, f, exec.ID, correlationID)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			logger.Error("step failed", "step", step.Name, "error", err)
			l.end(ctx, logger, exec.ID, domain.BatchStatusFailed, fmt.Sprintf("step %s: %v", step.Name, err), correlationID)
			f.complete(nil)
			return
		}
	}

	span.SetStatus(codes.Ok, "job completed")
	l.end(ctx, logger, exec.ID, domain.BatchStatusCompleted, string(domain.BatchStatusCompleted), correlationID)
	f.complete(nil)
}

func (l *Local) stopped(ctx context.Context, logger *slog.Logger, f *Future, executionID int64, correlationID string) {
	logger.Info("job stopped")
	l.end(ctx, logger, executionID, domain.BatchStatusStopped, string(domain.BatchStatusStopped), correlationID)
	f.complete(domain.ErrDispatchCancelled)
}

// end records the final status. It runs even after the job's context was cancelled.
func (l *Local) end(ctx context.Context, logger *slog.Logger, executionID int64, status domain.BatchStatus, exitStatus, correlationID string) {
	ctx = context.WithoutCancel(ctx)
	exec, err := l.repo.UpdateJobExecutionAndInstanceOnEnd(ctx, executionID, status, exitStatus)
	if err != nil {
		logger.Error("failed to record job end", "status", status, "error", err)
		return
	}
	logger.Info("job ended", "status", status)

	execTopic, instTopic := domain.TopicExecutionCompleted, domain.TopicInstanceCompleted
	if status != domain.BatchStatusCompleted {
		execTopic, instTopic = domain.TopicExecutionFailed, domain.TopicInstanceFailed
	}
	l.publishExecution(ctx, exec, execTopic, correlationID)
	if instance, err := l.repo.GetJobInstance(ctx, exec.InstanceID); err == nil {
		l.publishInstance(ctx, instance, instTopic, correlationID)
	}
}

func (l *Local) runStep(ctx context.Context, logger *slog.Logger, instance *domain.JobInstance, exec *domain.JobExecution, step domain.StepDefinition) error {
	logger.Info("running step", "step", step.Name, "partitions", step.Partitions)
	var err error
	if step.Partitions > 0 {
		err = l.runPartitioned(ctx, logger, instance, exec, step)
	} else {
		err = l.execute(ctx, &step, step.Properties)
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.StepExecutionTotal.WithLabelValues(step.Name, status).Inc()
	return err
}

func (l *Local) execute(ctx context.Context, step *domain.StepDefinition, props map[string]string) error {
	executor, ok := l.executors[step.ExecutorType]
	if !ok {
		return fmt.Errorf("no executor found for type: %s", step.ExecutorType)
	}
	output, err := executor.Execute(ctx, step, props)
	if output != "" {
		l.logger.Debug("step output", "step", step.Name, "output", output)
	}
	return err
}

func (l *Local) track(f *Future) {
	l.wg.Add(1)
	l.mu.Lock()
	l.running[f] = struct{}{}
	l.mu.Unlock()
}

func (l *Local) untrack(f *Future) {
	l.mu.Lock()
	delete(l.running, f)
	l.mu.Unlock()
	l.wg.Done()
}

// Shutdown cancels all running work and waits for it to record its final
// status, or for ctx to end.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	for f := range l.running {
		f.Cancel()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) publishInstance(ctx context.Context, instance *domain.JobInstance, topic, correlationID string) {
	if l.events != nil {
		l.events.PublishJobInstanceEvent(ctx, instance, topic, correlationID)
	}
}

func (l *Local) publishExecution(ctx context.Context, exec *domain.JobExecution, topic, correlationID string) {
	if l.events != nil {
		l.events.PublishJobExecutionEvent(ctx, exec, topic, correlationID)
	}
}
