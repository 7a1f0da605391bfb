package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"batch-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *JobRepository {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJobRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func createInstance(t *testing.T, repo *JobRepository) *domain.JobInstance {
	t.Helper()
	inst, err := repo.CreateJobInstance(context.Background(), &domain.JobInstance{
		AppName:   "payroll",
		JobName:   "monthly",
		Submitter: "alice",
		Definition: domain.JobDefinition{Steps: []domain.StepDefinition{
			{Name: "calc", ExecutorType: domain.ExecutorTypeShell, Executor: domain.StepExecutorSpec{Command: "true"}},
		}},
	})
	require.NoError(t, err)
	return inst
}

func TestCreateAndGetInstance(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)

	assert.Positive(t, inst.ID)
	assert.Equal(t, domain.InstanceStateSubmitted, inst.State)
	assert.Equal(t, domain.NoExecution, inst.LatestExecutionID)

	got, err := repo.GetJobInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "monthly", got.JobName)
	require.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "calc", got.Definition.Steps[0].Name)

	_, err = repo.GetJobInstance(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrJobInstanceNotFound)
}

func TestQueuedThenConsumed(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)

	_, err := repo.UpdateJobInstanceStateOnConsumed(ctx, inst.ID)
	assert.ErrorIs(t, err, domain.ErrJobInstanceNotQueued, "cannot consume before queued")

	queued, err := repo.UpdateJobInstanceStateOnQueued(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStateJMSQueued, queued.State)

	_, err = repo.UpdateJobInstanceStateOnQueued(ctx, inst.ID)
	assert.True(t, domain.IsKind(err, domain.KindIllegalStatusTransition))

	consumed, err := repo.UpdateJobInstanceStateOnConsumed(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStateJMSConsumed, consumed.State)

	_, err = repo.UpdateJobInstanceStateOnConsumed(ctx, inst.ID)
	assert.ErrorIs(t, err, domain.ErrJobInstanceNotQueued)
}

func TestOnlyOneConsumerWins(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)
	_, err := repo.UpdateJobInstanceStateOnQueued(ctx, inst.ID)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.UpdateJobInstanceStateOnConsumed(ctx, inst.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestExecutionLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)

	params := domain.JobParameters{{Key: domain.CorrelationIDKey, Value: "corr-1"}}
	first, err := repo.CreateJobExecution(ctx, inst.ID, params)
	require.NoError(t, err)
	second, err := repo.CreateJobExecution(ctx, inst.ID, nil)
	require.NoError(t, err)

	recent, err := repo.GetJobExecutionMostRecent(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, recent.ID)

	owner, err := repo.GetJobInstanceFromExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, owner.ID)
	assert.Equal(t, second.ID, owner.LatestExecutionID)

	got, err := repo.GetJobExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", got.Parameters.CorrelationID())

	started, err := repo.UpdateJobExecutionAndInstanceOnStarted(ctx, second.ID, "node-a")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusStarted, started.BatchStatus)
	assert.Equal(t, "node-a", started.ServerID)
	require.NotNil(t, started.StartedAt)

	ended, err := repo.UpdateJobExecutionAndInstanceOnEnd(ctx, second.ID, domain.BatchStatusCompleted, "COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, ended.BatchStatus)
	require.NotNil(t, ended.EndedAt)

	done, err := repo.GetJobInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStateCompleted, done.State)

	_, err = repo.UpdateJobExecutionAndInstanceOnEnd(ctx, second.ID, domain.BatchStatusFailed, "FAILED")
	assert.True(t, domain.IsKind(err, domain.KindPersistence))
	assert.True(t, domain.IsKind(err, domain.KindIllegalStatusTransition))

	_, err = repo.GetJobExecutionMostRecent(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrJobExecutionNotFound)
}

func TestCombinedStatusUpdate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)
	exec, err := repo.CreateJobExecution(ctx, inst.ID, nil)
	require.NoError(t, err)

	updatedInst, updatedExec, err := repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(
		ctx, inst.ID, exec.ID, domain.InstanceStateFailed, domain.BatchStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStateFailed, updatedInst.State)
	require.NotNil(t, updatedExec)
	assert.Equal(t, domain.BatchStatusFailed, updatedExec.BatchStatus)

	onlyInst, noExec, err := repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(
		ctx, inst.ID, domain.NoExecution, domain.InstanceStateFailed, domain.BatchStatusFailed)
	require.NoError(t, err)
	assert.Nil(t, noExec)
	assert.Equal(t, domain.InstanceStateFailed, onlyInst.State)

	_, err = repo.UpdateJobExecutionAndInstanceOnEnd(ctx, exec.ID, domain.BatchStatusFailed, "FAILED")
	require.NoError(t, err)
	_, _, err = repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(
		ctx, inst.ID, exec.ID, domain.InstanceStateCompleted, domain.BatchStatusCompleted)
	assert.True(t, domain.IsKind(err, domain.KindPersistence), "illegal transitions come back wrapped")
}

func TestRestartResetsFailedInstance(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)

	_, err := repo.UpdateJobInstanceOnRestart(ctx, inst.ID)
	assert.True(t, domain.IsKind(err, domain.KindIllegalStatusTransition))

	_, _, err = repo.UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(
		ctx, inst.ID, domain.NoExecution, domain.InstanceStateFailed, domain.BatchStatusFailed)
	require.NoError(t, err)
	reset, err := repo.UpdateJobInstanceOnRestart(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStateSubmitted, reset.State)
	assert.Equal(t, domain.BatchStatusStarting, reset.BatchStatus)
}

func TestGroupNamesAndEntityVersion(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)

	version, err := repo.GetJobInstanceEntityVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupNamesEntityVersion, version)

	updated, err := repo.UpdateJobInstanceWithGroupNames(ctx, inst.ID, []string{"ops", "finance"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "finance"}, updated.GroupNames)

	_, err = repo.UpdateJobInstanceWithGroupNames(ctx, 999, []string{"ops"})
	assert.ErrorIs(t, err, domain.ErrJobInstanceNotFound)

	require.NoError(t, repo.SetJobInstanceEntityVersion(ctx, 2))
	version, err = repo.GetJobInstanceEntityVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestRemotablePartitions(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inst := createInstance(t, repo)
	exec, err := repo.CreateJobExecution(ctx, inst.ID, nil)
	require.NoError(t, err)
	key := domain.RemotablePartitionKey{JobExecutionID: exec.ID, StepName: "calc", PartitionNumber: 0}

	_, err = repo.GetRemotablePartitionInternalState(ctx, key)
	assert.ErrorIs(t, err, domain.ErrPartitionNotFound)

	part, err := repo.CreateRemotablePartition(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.PartitionStateQueued, part.State)

	_, err = repo.CreateRemotablePartition(ctx, key)
	assert.True(t, domain.IsKind(err, domain.KindDuplicateKey))

	require.NoError(t, repo.UpdateRemotablePartitionInternalState(ctx, key,
		domain.PartitionStateQueued, domain.PartitionStateConsumed, "node-b"))
	state, err := repo.GetRemotablePartitionInternalState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.PartitionStateConsumed, state)

	err = repo.UpdateRemotablePartitionInternalState(ctx, key,
		domain.PartitionStateQueued, domain.PartitionStateConsumed, "node-c")
	assert.True(t, domain.IsKind(err, domain.KindIllegalStatusTransition), "a second claim loses")
}
