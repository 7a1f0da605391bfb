package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/metrics"
	"batch-dispatch/internal/security"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Properties added to every partition of a partitioned step.
const (
	PropPartitionNumber = "partition.number"
	PropPartitionCount  = "partition.count"
)

func partitionProperties(step domain.StepDefinition, n int) map[string]string {
	props := make(map[string]string, len(step.Properties)+2)
	maps.Copy(props, step.Properties)
	props[PropPartitionNumber] = strconv.Itoa(n)
	props[PropPartitionCount] = strconv.Itoa(step.Partitions)
	return props
}

// runPartitioned fans a step out over the control topic and waits for a
// FINAL_STATUS reply from every partition.
func (l *Local) runPartitioned(ctx context.Context, logger *slog.Logger, instance *domain.JobInstance, exec *domain.JobExecution, step domain.StepDefinition) error {
	ctx, span := l.tracer.Start(ctx, "dispatcher.runPartitioned", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.Int("step.partitions", step.Partitions),
	))
	defer span.End()

	identity, err := requireIdentity(ctx, "partitions of step "+step.Name)
	if err != nil {
		return err
	}
	blob, err := security.Encode(identity)
	if err != nil {
		return err
	}

	sub, err := l.replies.Subscribe(exec.ID, step.Name, step.Partitions*2)
	if err != nil {
		return err
	}
	defer sub.Close()

	for n := 0; n < step.Partitions; n++ {
		plan := domain.PartitionPlanConfig{
			TopLevelInstanceID:  instance.ID,
			TopLevelExecutionID: exec.ID,
			JobName:             instance.JobName,
			StepName:            step.Name,
			PartitionNumber:     n,
			Properties:          partitionProperties(step, n),
		}
		if _, err := l.repo.CreateRemotablePartition(ctx, plan.Key()); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", plan.Key(), err)
		}
		raw, err := message.EncodeStartPartition(l.cfg.PartitionTopic, l.cfg.NodeID, &message.StartPartitionPayload{
			PlanConfig:      plan,
			Step:            step,
			SecurityContext: blob,
		})
		if err != nil {
			return err
		}
		if err := l.sender.Send(ctx, raw); err != nil {
			return fmt.Errorf("failed to queue partition %s: %w", plan.Key(), err)
		}
	}
	logger.Info("queued partitions", "step", step.Name, "count", step.Partitions)

	results, err := l.collect(ctx, sub.Replies(), step.Partitions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition wait failed")
		return err
	}
	var failed []int
	for n, status := range results {
		if status != domain.BatchStatusCompleted {
			failed = append(failed, n)
		}
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		err := fmt.Errorf("partitions %v of step %s did not complete", failed, step.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "partitions failed")
		return err
	}
	return nil
}

// collect waits for the final status of count partitions.
func (l *Local) collect(ctx context.Context, replies <-chan *domain.PartitionReplyMessage, count int) (map[int]domain.BatchStatus, error) {
	timer := time.NewTimer(l.cfg.PartitionTimeout)
	defer timer.Stop()

	results := make(map[int]domain.BatchStatus, count)
	for len(results) < count {
		select {
		case msg := <-replies:
			if msg.Type != domain.ReplyFinalStatus {
				continue
			}
			if _, seen := results[msg.PlanConfig.PartitionNumber]; !seen {
				results[msg.PlanConfig.PartitionNumber] = msg.BatchStatus
			}
		case <-timer.C:
			return nil, fmt.Errorf("timed out after %s waiting for %d of %d partitions",
				l.cfg.PartitionTimeout, count-len(results), count)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// StartPartition claims and runs one partition, reporting on replies. A
// partition that another node already claimed completes immediately.
func (l *Local) StartPartition(ctx context.Context, plan domain.PartitionPlanConfig, step domain.StepDefinition, replies domain.ReplyChannel) (domain.Handle, error) {
	key := plan.Key()
	ctx, span := l.tracer.Start(ctx, "dispatcher.StartPartition", trace.WithAttributes(
		attribute.String("partition.key", key.String()),
	))
	defer span.End()

	if _, err := requireIdentity(ctx, "partition "+key.String()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition start denied")
		return nil, err
	}

	err := l.repo.UpdateRemotablePartitionInternalState(ctx, key, domain.PartitionStateQueued, domain.PartitionStateConsumed, l.cfg.NodeID)
	if err != nil {
		if domain.IsKind(err, domain.KindIllegalStatusTransition) {
			l.logger.Debug("partition claimed by another consumer", "partition", key.String())
			return completedFuture(nil), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim partition")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := newFuture(cancel)
	l.track(f)
	go func() {
		defer l.untrack(f)
		defer cancel()
		l.runPartition(runCtx, f, plan, step, replies)
	}()
	return f, nil
}

func (l *Local) runPartition(ctx context.Context, f *Future, plan domain.PartitionPlanConfig, step domain.StepDefinition, replies domain.ReplyChannel) {
	logger := taskLogger(ctx, l.logger.With("partition", plan.Key().String()))
	finalSent := false

	defer func() {
		if r := recover(); r != nil {
			logger.Error("partition panicked", "panic", r)
			if !finalSent {
				if err := replies.Add(context.WithoutCancel(ctx), domain.FinalFailure(plan)); err != nil {
					logger.Error("failed to report panicked partition", "error", err)
				}
			}
			metrics.StepExecutionTotal.WithLabelValues(step.Name, "failed").Inc()
			f.complete(nil)
		}
	}()

	if err := replies.Add(ctx, &domain.PartitionReplyMessage{Type: domain.ReplyPartitionStarted, PlanConfig: plan}); err != nil {
		logger.Error("failed to report partition start", "error", err)
	}

	status, exitStatus := domain.BatchStatusCompleted, string(domain.BatchStatusCompleted)
	err := l.execute(ctx, &step, plan.Properties)
	var result error
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status, exitStatus = domain.BatchStatusStopped, string(domain.BatchStatusStopped)
		result = domain.ErrDispatchCancelled
	default:
		status, exitStatus = domain.BatchStatusFailed, err.Error()
		logger.Warn("partition failed", "error", err)
	}
	metrics.StepExecutionTotal.WithLabelValues(step.Name, strings.ToLower(string(status))).Inc()

	final := &domain.PartitionReplyMessage{
		Type:        domain.ReplyFinalStatus,
		BatchStatus: status,
		ExitStatus:  exitStatus,
		PlanConfig:  plan,
	}
	if err := replies.Add(context.WithoutCancel(ctx), final); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("failed to report partition result", "status", status, "error", err)
	}
	finalSent = true
	logger.Info("partition finished", "status", status)
	f.complete(result)
}
