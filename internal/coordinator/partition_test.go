package coordinator

import (
	"context"
	"errors"
	"testing"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func partitionPlan(number int) domain.PartitionPlanConfig {
	return domain.PartitionPlanConfig{
		TopLevelInstanceID:  1,
		TopLevelExecutionID: 10,
		JobName:             "nightly",
		StepName:            "calc",
		PartitionNumber:     number,
	}
}

func partitionMessage(t *testing.T, plan domain.PartitionPlanConfig) *message.Raw {
	t.Helper()
	raw, err := message.EncodeStartPartition(controlTopic, "node-a", &message.StartPartitionPayload{
		PlanConfig: plan,
		Step: domain.StepDefinition{
			Name:         plan.StepName,
			ExecutorType: domain.ExecutorTypeShell,
			Executor:     domain.StepExecutorSpec{Command: "true"},
			Partitions:   2,
		},
		SecurityContext: identityBlob(t, "alice"),
	})
	require.NoError(t, err)
	return raw
}

func TestStartPartitionRequiresQueuedState(t *testing.T) {
	tests := []struct {
		name     string
		state    domain.RemotablePartitionState
		recorded bool
		dispatch bool
	}{
		{name: "absent record is ignored", recorded: false},
		{name: "consumed is ignored", state: domain.PartitionStateConsumed, recorded: true},
		{name: "recovered is ignored", state: domain.PartitionStateRecovered, recorded: true},
		{name: "queued is started", state: domain.PartitionStateQueued, recorded: true, dispatch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
			plan := partitionPlan(0)
			if tt.recorded {
				f.repo.partitions[plan.Key()] = tt.state
			}
			f.dispatcher.On("StartPartition", withIdentity("alice"), plan, mock.Anything, f.channel).
				Return(doneHandle{}, nil).Maybe()

			require.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))
			if tt.dispatch {
				f.dispatcher.AssertNumberOfCalls(t, "StartPartition", 1)
				assert.Equal(t, 1, f.opens)
				assert.Equal(t, 1, f.channel.closes)
			} else {
				f.dispatcher.AssertNotCalled(t, "StartPartition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				assert.Zero(t, f.opens, "no reply channel for a partition that is not started")
			}
			assert.Empty(t, f.channel.sent)
		})
	}
}

func TestStartPartitionStaleExecution(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10, 11)
	plan := partitionPlan(0)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued

	require.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))
	f.dispatcher.AssertNotCalled(t, "StartPartition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, f.opens)
}

func TestStartPartitionConsumableFailureSendsOneFinalStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
	plan := partitionPlan(1)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued
	f.dispatcher.On("StartPartition", mock.Anything, plan, mock.Anything, f.channel).
		Return(doneHandle{err: domain.Errorf(domain.KindSecurity, "not authorized for step")}, nil).Once()

	require.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))

	require.Len(t, f.channel.sent, 1)
	reply := f.channel.sent[0]
	assert.Equal(t, domain.ReplyFinalStatus, reply.Type)
	assert.Equal(t, domain.BatchStatusFailed, reply.BatchStatus)
	assert.Equal(t, plan, reply.PlanConfig)
	assert.Equal(t, 1, f.channel.closes)
	assert.Empty(t, f.repo.marks, "partition failures do not touch the top-level records")
}

func TestStartPartitionDispatchErrorSendsFinalStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
	plan := partitionPlan(2)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued
	f.dispatcher.On("StartPartition", mock.Anything, plan, mock.Anything, f.channel).
		Return(nil, domain.Persistence(domain.Errorf(domain.KindIllegalStatusTransition, "partition consumed"), "claim")).Once()

	require.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))
	require.Len(t, f.channel.sent, 1)
	assert.Equal(t, 1, f.channel.closes)
}

func TestStartPartitionNonConsumableFailurePropagates(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
	plan := partitionPlan(1)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued
	transient := errors.New("etcd unavailable")
	f.dispatcher.On("StartPartition", mock.Anything, plan, mock.Anything, f.channel).
		Return(doneHandle{err: transient}, nil).Once()

	err := f.coord.Handle(context.Background(), partitionMessage(t, plan))
	assert.ErrorIs(t, err, transient)
	assert.Empty(t, f.channel.sent, "no reply on a transient failure")
	assert.Equal(t, 1, f.channel.closes)
}

func TestStartPartitionReplySendFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
	plan := partitionPlan(1)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued
	f.channel.addErr = errors.New("destination gone")
	f.dispatcher.On("StartPartition", mock.Anything, plan, mock.Anything, f.channel).
		Return(doneHandle{err: domain.Errorf(domain.KindInvalidParameters, "bad range")}, nil).Once()

	assert.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))
	assert.Equal(t, 1, f.channel.closes)
}

func TestStartPartitionCancelledWaitIsBenign(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.addInstance(1, domain.InstanceStateDispatched, 10)
	plan := partitionPlan(1)
	f.repo.partitions[plan.Key()] = domain.PartitionStateQueued
	f.dispatcher.On("StartPartition", mock.Anything, plan, mock.Anything, f.channel).
		Return(doneHandle{err: domain.ErrDispatchCancelled}, nil).Once()

	assert.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)))
	assert.Empty(t, f.channel.sent)
	assert.Equal(t, 1, f.channel.closes)
}

func TestStartPartitionConsumableBeforeChannelOpen(t *testing.T) {
	f := newFixture(t, Options{})
	plan := partitionPlan(0)
	plan.TopLevelExecutionID = 404

	assert.NoError(t, f.coord.Handle(context.Background(), partitionMessage(t, plan)),
		"unknown execution is consumed even though no reply can be sent")
	assert.Zero(t, f.opens)
	assert.Empty(t, f.channel.sent)
}
