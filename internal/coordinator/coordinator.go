// Package coordinator turns queued job-control messages into job repository
// and dispatcher calls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/guard"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/metrics"
	"batch-dispatch/internal/security"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobRepository is the part of the job repository the coordinator uses.
type JobRepository interface {
	guard.ExecutionLookup
	UpdateJobInstanceStateOnConsumed(ctx context.Context, instanceID int64) (*domain.JobInstance, error)
	UpdateJobInstanceWithGroupNames(ctx context.Context, instanceID int64, groupNames []string) (*domain.JobInstance, error)
	GetJobInstanceEntityVersion(ctx context.Context) (int, error)
	UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(ctx context.Context, instanceID, executionID int64, state domain.InstanceState, status domain.BatchStatus) (*domain.JobInstance, *domain.JobExecution, error)
	GetRemotablePartitionInternalState(ctx context.Context, key domain.RemotablePartitionKey) (domain.RemotablePartitionState, error)
}

// ReplyOpener opens partition reply channels by destination name.
type ReplyOpener interface {
	Open(ctx context.Context, destination string) (domain.ReplyChannel, error)
}

// Resolvers look up the coordinator's collaborators. Each one is called at
// most once successfully; the result is cached. Events is optional.
type Resolvers struct {
	Repository func(ctx context.Context) (JobRepository, error)
	Dispatcher func(ctx context.Context) (domain.Dispatcher, error)
	Security   func(ctx context.Context) (*security.Service, error)
	Replies    func(ctx context.Context) (ReplyOpener, error)
	Events     func(ctx context.Context) (domain.EventPublisher, error)
}

// Static returns a resolver that always yields v.
func Static[T any](v T) func(context.Context) (T, error) {
	return func(context.Context) (T, error) { return v, nil }
}

// Options tune coordinator behavior.
type Options struct {
	// GroupSecurityEnabled stores the submitter's groups on the job instance.
	GroupSecurityEnabled bool
	// ReplyReleaseTimeout bounds how long a partition that outlived its
	// message keeps its reply channel open. Zero means one minute.
	ReplyReleaseTimeout time.Duration
}

const defaultReplyReleaseTimeout = time.Minute

type lazy[T any] struct {
	resolve func(context.Context) (T, error)
	value   T
	ok      bool
}

func (l *lazy[T]) get(ctx context.Context, name string) (T, error) {
	if l.ok {
		return l.value, nil
	}
	var zero T
	if l.resolve == nil {
		return zero, fmt.Errorf("no %s configured", name)
	}
	v, err := l.resolve(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	l.value, l.ok = v, true
	return v, nil
}

// Coordinator handles START, RESTART and START_PARTITION messages. Handle is
// safe for concurrent use.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	repo       lazy[JobRepository]
	dispatcher lazy[domain.Dispatcher]
	security   lazy[*security.Service]
	replies    lazy[ReplyOpener]
	events     lazy[domain.EventPublisher]

	releasing sync.WaitGroup
}

// New creates a coordinator.
func New(resolvers Resolvers, opts Options, logger *slog.Logger) *Coordinator {
	if opts.ReplyReleaseTimeout <= 0 {
		opts.ReplyReleaseTimeout = defaultReplyReleaseTimeout
	}
	return &Coordinator{
		opts:       opts,
		logger:     logger.With("component", "coordinator"),
		tracer:     otel.Tracer("batch-dispatch-coordinator"),
		repo:       lazy[JobRepository]{resolve: resolvers.Repository},
		dispatcher: lazy[domain.Dispatcher]{resolve: resolvers.Dispatcher},
		security:   lazy[*security.Service]{resolve: resolvers.Security},
		replies:    lazy[ReplyOpener]{resolve: resolvers.Replies},
		events:     lazy[domain.EventPublisher]{resolve: resolvers.Events},
	}
}

func (c *Coordinator) repository(ctx context.Context) (JobRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.get(ctx, "job repository")
}

func (c *Coordinator) dispatch(ctx context.Context) (domain.Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher.get(ctx, "dispatcher")
}

func (c *Coordinator) replyOpener(ctx context.Context) (ReplyOpener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies.get(ctx, "reply transport")
}

func (c *Coordinator) securityService(ctx context.Context) (*security.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, err := c.security.get(ctx, "security context service")
	if err != nil {
		return nil, &security.ContextUnavailableError{Err: err}
	}
	if svc == nil {
		c.security.ok = false
		return nil, &security.ContextUnavailableError{}
	}
	return svc, nil
}

// publisher returns the event publisher, or nil when events are off.
func (c *Coordinator) publisher(ctx context.Context) domain.EventPublisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events.resolve == nil {
		return nil
	}
	p, err := c.events.get(ctx, "event publisher")
	if err != nil {
		c.logger.Warn("event publisher unavailable", "error", err)
		return nil
	}
	return p
}

type outcome string

const (
	outcomeDispatched      outcome = "dispatched"
	outcomeSkipped         outcome = "skipped"
	outcomeIgnored         outcome = "ignored"
	outcomeBenign          outcome = "benign"
	outcomeConsumedFailure outcome = "consumed_failure"
	outcomeRedeliver       outcome = "redeliver"
)

// Handle processes one delivered control message. A nil return means the
// message is consumed; an error means it must be redelivered.
func (c *Coordinator) Handle(ctx context.Context, raw *message.Raw) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Handle")
	defer span.End()
	if raw != nil {
		span.SetAttributes(attribute.String("message.id", raw.ID), attribute.String("message.topic", raw.Topic))
	}

	msg, err := message.Decode(raw)
	if err != nil {
		if errors.Is(err, message.ErrUnrecognizedOperation) {
			c.logger.Warn("ignoring control message", "error", err)
			metrics.ControlMessagesTotal.WithLabelValues("unknown", string(outcomeIgnored)).Inc()
			return nil
		}
		span.RecordError(err)
		c.handleMalformed(ctx, err)
		return nil
	}

	span.SetAttributes(
		attribute.String("batch.operation", string(msg.Operation)),
		attribute.Int64("batch.instance_id", msg.InstanceID),
		attribute.Int64("batch.execution_id", msg.ExecutionID),
	)

	var out outcome
	switch msg.Operation {
	case message.OperationStart:
		out, err = c.handleStart(ctx, msg)
	case message.OperationRestart:
		out, err = c.handleRestart(ctx, msg)
	case message.OperationStartPartition:
		out, err = c.handleStartPartition(ctx, msg)
	}

	metrics.ControlMessagesTotal.WithLabelValues(string(msg.Operation), string(out)).Inc()
	span.SetAttributes(attribute.String("batch.outcome", string(out)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "control message will be redelivered")
	}
	return err
}

func (c *Coordinator) handleMalformed(ctx context.Context, err error) {
	instanceID := domain.NoExecution
	var me *message.MalformedMessageError
	if errors.As(err, &me) {
		instanceID = me.InstanceID
	}
	logger := c.logger.With("instance_id", instanceID)
	logger.Error("consuming malformed control message", "error", err)
	metrics.ControlMessagesTotal.WithLabelValues("malformed", string(outcomeConsumedFailure)).Inc()
	if instanceID != domain.NoExecution {
		c.markFailed(ctx, logger, instanceID, domain.NoExecution, "")
	}
}

// fail applies the classification of err and reports the outcome.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, instanceID, executionID int64, correlationID string, err error) (outcome, error) {
	switch class := Classify(err); class {
	case Benign:
		logger.Debug("dispatch ended without a result", "error", err)
		return outcomeBenign, nil
	case Consumable:
		logger.Warn("consuming failed control message", "error", err, "kind", domain.KindOf(err).String())
		if instanceID != domain.NoExecution {
			c.markFailed(ctx, logger, instanceID, executionID, correlationID)
		}
		return outcomeConsumedFailure, nil
	default:
		logger.Error("control message failed, leaving it for redelivery", "error", err)
		return outcomeRedeliver, err
	}
}

// markFailed records FAILED on the instance and execution. Errors are logged.
func (c *Coordinator) markFailed(ctx context.Context, logger *slog.Logger, instanceID, executionID int64, correlationID string) {
	repo, err := c.repository(ctx)
	if err != nil {
		logger.Error("cannot mark job failed", "error", err)
		return
	}
	instance, execution, err := repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(
		ctx, instanceID, executionID, domain.InstanceStateFailed, domain.BatchStatusFailed)
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	logger.Info("job marked failed")

	if p := c.publisher(ctx); p != nil {
		if instance != nil {
			p.PublishJobInstanceEvent(ctx, instance, domain.TopicInstanceFailed, correlationID)
		}
		if execution != nil {
			p.PublishJobExecutionEvent(ctx, execution, domain.TopicExecutionFailed, correlationID)
		}
	}
}

func (c *Coordinator) publishInstance(ctx context.Context, instance *domain.JobInstance, topic, correlationID string) {
	if p := c.publisher(ctx); p != nil {
		p.PublishJobInstanceEvent(ctx, instance, topic, correlationID)
	}
}

func (c *Coordinator) restore(ctx context.Context, blob []byte, tags security.Tags) (*security.Context, error) {
	svc, err := c.securityService(ctx)
	if err != nil {
		return nil, err
	}
	return svc.Restore(blob, tags)
}

// dispatchAndWait calls fn under sc and blocks until the returned handle
// completes or ctx is done. The handle is returned whenever dispatch succeeded.
func (c *Coordinator) dispatchAndWait(ctx context.Context, op message.Operation, sc *security.Context, fn func(ctx context.Context) (domain.Handle, error)) (domain.Handle, error) {
	handle, err := security.Call(ctx, sc, fn)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, errors.New("dispatcher returned no completion handle")
	}
	start := time.Now()
	err = handle.Wait(ctx)
	metrics.DispatchWaitSeconds.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	return handle, err
}

// releaseAfter closes ch once handle completes, or after ReplyReleaseTimeout.
// The partition still owns ch until then and may send its final status on it.
func (c *Coordinator) releaseAfter(logger *slog.Logger, handle domain.Handle, ch domain.ReplyChannel) {
	c.releasing.Add(1)
	go func() {
		defer c.releasing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplyReleaseTimeout)
		defer cancel()
		_ = handle.Wait(ctx)
		if ctx.Err() != nil {
			logger.Warn("partition still running, closing its reply channel", "timeout", c.opts.ReplyReleaseTimeout)
		}
		if err := ch.Close(); err != nil {
			logger.Warn("failed to close partition reply channel", "error", err)
		}
	}()
}

// Drain waits until reply channels handed over by interrupted partition
// messages are closed, or ctx is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.releasing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for partition reply channels: %w", ctx.Err())
	}
}

// checkStale consults the guard when the message names an execution.
func (c *Coordinator) checkStale(ctx context.Context, logger *slog.Logger, repo JobRepository, instanceID, executionID int64, correlationID string) (bool, outcome, error) {
	recent, err := guard.New(repo).IsMostRecent(ctx, executionID)
	if err != nil {
		out, err := c.fail(ctx, logger, instanceID, executionID, correlationID, err)
		return false, out, err
	}
	if !recent {
		logger.Warn("discarding message for an execution that is no longer the most recent")
		return false, outcomeSkipped, nil
	}
	return true, "", nil
}
