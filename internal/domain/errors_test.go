package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := Errorf(KindNoSuchJobInstance, "job instance %d not found", 4)
	assert.ErrorIs(t, err, ErrJobInstanceNotFound)
	assert.NotErrorIs(t, err, ErrJobExecutionNotFound)
	assert.Equal(t, "job instance 4 not found", err.Error())

	wrapped := fmt.Errorf("handle start: %w", err)
	assert.ErrorIs(t, wrapped, ErrJobInstanceNotFound)
	assert.Equal(t, KindNoSuchJobInstance, KindOf(wrapped))
}

func TestPersistenceKeepsCause(t *testing.T) {
	cause := Errorf(KindIllegalStatusTransition, "job instance 1 cannot be queued from DISPATCHED")
	err := Persistence(cause, "queue job instance")

	assert.Equal(t, KindPersistence, KindOf(err))
	assert.True(t, IsKind(err, KindIllegalStatusTransition))
	assert.Equal(t, "queue job instance: job instance 1 cannot be queued from DISPATCHED", err.Error())

	var de *Error
	assert.True(t, errors.As(errors.Unwrap(err), &de))
	assert.Equal(t, KindIllegalStatusTransition, de.Kind)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindSecurity))
	assert.Equal(t, "kind(99)", ErrorKind(99).String())
	assert.Equal(t, "dispatch_cancelled", ErrDispatchCancelled.Error())
}

func TestVerifyTransitions(t *testing.T) {
	assert.NoError(t, VerifyInstanceTransition(InstanceStateJMSQueued, InstanceStateFailed))
	assert.True(t, IsKind(VerifyInstanceTransition(InstanceStateCompleted, InstanceStateFailed), KindIllegalStatusTransition))
	assert.NoError(t, VerifyInstanceTransition(InstanceStateCompleted, InstanceStateCompleted))

	assert.NoError(t, VerifyExecutionTransition(BatchStatusStarted, BatchStatusFailed))
	assert.Error(t, VerifyExecutionTransition(BatchStatusStopped, BatchStatusStarted))
}

func TestJobDefinitionValidate(t *testing.T) {
	def := JobDefinition{Steps: []StepDefinition{
		{Name: "fetch", ExecutorType: ExecutorTypeHTTP, Executor: StepExecutorSpec{URL: "http://example.com"}},
		{Name: "load", ExecutorType: ExecutorTypeShell, Executor: StepExecutorSpec{Command: "true"}, Partitions: 3},
	}}
	assert.NoError(t, def.Validate())
	assert.Equal(t, "GET", def.Steps[0].Executor.Method)

	def.Steps[1].Name = "fetch"
	assert.EqualError(t, def.Validate(), "duplicate step name: fetch")
	assert.Error(t, (&JobDefinition{}).Validate())
}
