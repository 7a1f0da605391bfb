package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/guard"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/metrics"
	"batch-dispatch/internal/security"
)

func (c *Coordinator) collaborators(ctx context.Context) (JobRepository, domain.Dispatcher, error) {
	repo, err := c.repository(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := c.dispatch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return repo, d, nil
}

func (c *Coordinator) handleStart(ctx context.Context, msg *message.ControlMessage) (outcome, error) {
	logger := c.logger.With("operation", msg.Operation, "instance_id", msg.InstanceID, "execution_id", msg.ExecutionID)
	repo, d, err := c.collaborators(ctx)
	if err != nil {
		logger.Error("collaborators unavailable", "error", err)
		return outcomeRedeliver, err
	}

	if msg.HasExecutionID() {
		proceed, out, err := c.checkStale(ctx, logger, repo, msg.InstanceID, msg.ExecutionID, msg.JobParameters.CorrelationID())
		if !proceed {
			return out, err
		}
	}

	return c.consumeAndDispatch(ctx, logger, repo, msg, msg.InstanceID, msg.ExecutionID,
		func(ctx context.Context, instance *domain.JobInstance) (domain.Handle, error) {
			return d.Start(ctx, instance, msg.JobParameters, msg.ExecutionID)
		})
}

func (c *Coordinator) handleRestart(ctx context.Context, msg *message.ControlMessage) (outcome, error) {
	logger := c.logger.With("operation", msg.Operation, "instance_id", msg.InstanceID, "execution_id", msg.ExecutionID)
	correlationID := msg.JobParameters.CorrelationID()
	repo, d, err := c.collaborators(ctx)
	if err != nil {
		logger.Error("collaborators unavailable", "error", err)
		return outcomeRedeliver, err
	}

	instanceID, executionID := msg.InstanceID, msg.ExecutionID
	if msg.MinorVersion < message.MinorVersionRestartInstanceID {
		instance, err := repo.GetJobInstanceFromExecution(ctx, msg.ExecutionID)
		if err != nil {
			return c.fail(ctx, logger, domain.NoExecution, domain.NoExecution, correlationID, err)
		}
		instanceID, executionID = instance.ID, domain.NoExecution
		logger = c.logger.With("operation", msg.Operation, "instance_id", instanceID, "execution_id", executionID)
		logger.Debug("resolved restart instance from execution", "from_execution_id", msg.ExecutionID)
	}

	if executionID != domain.NoExecution {
		proceed, out, err := c.checkStale(ctx, logger, repo, instanceID, executionID, correlationID)
		if !proceed {
			return out, err
		}
	}

	return c.consumeAndDispatch(ctx, logger, repo, msg, instanceID, executionID,
		func(ctx context.Context, instance *domain.JobInstance) (domain.Handle, error) {
			return d.RestartInstance(ctx, instance.ID, msg.JobParameters, executionID)
		})
}

// consumeAndDispatch claims the queued instance and runs the job under the
// submitter's identity.
func (c *Coordinator) consumeAndDispatch(
	ctx context.Context,
	logger *slog.Logger,
	repo JobRepository,
	msg *message.ControlMessage,
	instanceID, executionID int64,
	dispatch func(ctx context.Context, instance *domain.JobInstance) (domain.Handle, error),
) (outcome, error) {
	correlationID := msg.JobParameters.CorrelationID()

	instance, err := repo.UpdateJobInstanceStateOnConsumed(ctx, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrJobInstanceNotQueued) {
			logger.Debug("job instance is no longer queued, message already consumed", "error", err)
			return outcomeSkipped, nil
		}
		return c.fail(ctx, logger, instanceID, executionID, correlationID, err)
	}
	c.publishInstance(ctx, instance, domain.TopicInstanceJMSConsumed, correlationID)

	owner := msg.AppName
	if owner == "" {
		owner = instance.AppName
	}
	sc, err := c.restore(ctx, msg.SecurityContext, security.Tags{
		TaskIdentity: fmt.Sprintf("batch-job-%d", instance.ID),
		Owner:        owner,
	})
	if err != nil {
		return c.fail(ctx, logger, instanceID, executionID, correlationID, err)
	}

	if err := c.ensureGroupNames(ctx, repo, instance, sc); err != nil {
		return c.fail(ctx, logger, instanceID, executionID, correlationID, err)
	}

	_, err = c.dispatchAndWait(ctx, msg.Operation, sc, func(ctx context.Context) (domain.Handle, error) {
		return dispatch(ctx, instance)
	})
	if err != nil {
		return c.fail(ctx, logger, instanceID, executionID, correlationID, err)
	}
	logger.Info("job finished")
	return outcomeDispatched, nil
}

// ensureGroupNames stores the identity's groups once, on schemas that have them.
func (c *Coordinator) ensureGroupNames(ctx context.Context, repo JobRepository, instance *domain.JobInstance, sc *security.Context) error {
	if !c.opts.GroupSecurityEnabled || len(instance.GroupNames) > 0 {
		return nil
	}
	version, err := repo.GetJobInstanceEntityVersion(ctx)
	if err != nil {
		return err
	}
	if version < domain.GroupNamesEntityVersion {
		return nil
	}
	groups := sc.Groups()
	if len(groups) == 0 {
		return nil
	}
	updated, err := repo.UpdateJobInstanceWithGroupNames(ctx, instance.ID, groups)
	if err != nil {
		return err
	}
	if updated != nil {
		instance.GroupNames = updated.GroupNames
	}
	return nil
}

func (c *Coordinator) handleStartPartition(ctx context.Context, msg *message.ControlMessage) (outcome, error) {
	plan := msg.Partition.PlanConfig
	key := plan.Key()
	logger := c.logger.With(
		"operation", msg.Operation,
		"instance_id", plan.TopLevelInstanceID,
		"execution_id", plan.TopLevelExecutionID,
		"step", plan.StepName,
		"partition", plan.PartitionNumber,
	)
	var slot replySlot
	defer slot.close(logger)

	repo, d, err := c.collaborators(ctx)
	if err != nil {
		logger.Error("collaborators unavailable", "error", err)
		return outcomeRedeliver, err
	}

	recent, err := guard.New(repo).IsMostRecent(ctx, plan.TopLevelExecutionID)
	if err != nil {
		return c.finishPartition(ctx, logger, &slot, plan, err)
	}
	if !recent {
		logger.Warn("discarding partition of an execution that is no longer the most recent")
		return outcomeSkipped, nil
	}

	state, err := repo.GetRemotablePartitionInternalState(ctx, key)
	if errors.Is(err, domain.ErrPartitionNotFound) {
		logger.Debug("partition record not found, ignoring message")
		return outcomeSkipped, nil
	}
	if err != nil {
		return c.finishPartition(ctx, logger, &slot, plan, err)
	}
	if state != domain.PartitionStateQueued {
		logger.Debug("partition already claimed", "state", state)
		return outcomeSkipped, nil
	}

	opener, err := c.replyOpener(ctx)
	if err != nil {
		logger.Error("reply transport unavailable", "error", err)
		return outcomeRedeliver, err
	}
	ch, err := opener.Open(ctx, msg.ReplyTo)
	if err != nil {
		logger.Error("failed to open partition reply channel", "reply_to", msg.ReplyTo, "error", err)
		return outcomeRedeliver, err
	}
	slot.set(ch)

	sc, err := c.restore(ctx, msg.SecurityContext, security.Tags{
		TaskIdentity: "batch-partition-" + key.String(),
		Owner:        plan.JobName,
	})
	if err != nil {
		return c.finishPartition(ctx, logger, &slot, plan, err)
	}

	handle, err := c.dispatchAndWait(ctx, msg.Operation, sc, func(ctx context.Context) (domain.Handle, error) {
		return d.StartPartition(ctx, plan, msg.Partition.Step, ch)
	})
	if handle != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// 分区仍在运行，最终状态还会写到 ch
		logger.Debug("message wait interrupted, partition keeps its reply channel", "error", err)
		c.releaseAfter(logger, handle, slot.detach())
	}
	return c.finishPartition(ctx, logger, &slot, plan, err)
}

func (c *Coordinator) finishPartition(ctx context.Context, logger *slog.Logger, slot *replySlot, plan domain.PartitionPlanConfig, err error) (outcome, error) {
	if err == nil {
		logger.Info("partition finished")
		return outcomeDispatched, nil
	}
	switch Classify(err) {
	case Benign:
		logger.Debug("partition dispatch ended without a result", "error", err)
		return outcomeBenign, nil
	case Consumable:
		logger.Warn("partition failed, reporting FAILED to the top-level execution", "error", err, "kind", domain.KindOf(err).String())
		slot.sendFailure(ctx, logger, plan)
		return outcomeConsumedFailure, nil
	default:
		logger.Error("partition message failed, leaving it for redelivery", "error", err)
		return outcomeRedeliver, err
	}
}

// replySlot holds the reply channel of one START_PARTITION message. ok is
// false until a channel has been opened.
type replySlot struct {
	ch     domain.ReplyChannel
	ok     bool
	closed bool
}

func (s *replySlot) set(ch domain.ReplyChannel) {
	s.ch, s.ok = ch, ch != nil
}

// detach hands the channel over to the caller; close becomes a no-op.
func (s *replySlot) detach() domain.ReplyChannel {
	ch := s.ch
	s.ch, s.ok = nil, false
	return ch
}

func (s *replySlot) sendFailure(ctx context.Context, logger *slog.Logger, plan domain.PartitionPlanConfig) {
	if !s.ok {
		logger.Warn("no reply channel open, partition failure not reported")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("reply channel panicked while reporting partition failure", "panic", r)
		}
	}()
	reply := domain.FinalFailure(plan)
	if err := s.ch.Add(ctx, reply); err != nil {
		logger.Error("failed to send partition failure reply", "error", err)
		return
	}
	metrics.PartitionRepliesTotal.WithLabelValues("sent", string(reply.Type), string(reply.BatchStatus)).Inc()
}

func (s *replySlot) close(logger *slog.Logger) {
	if !s.ok || s.closed {
		return
	}
	s.closed = true
	if err := s.ch.Close(); err != nil {
		logger.Warn("failed to close partition reply channel", "error", err)
	}
}
