// internal/infra/etcd/job_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"batch-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	InstanceDir          = "/batch/instances/"
	ExecutionDir         = "/batch/executions/"
	InstanceExecutionDir = "/batch/instance-executions/"
	PartitionDir         = "/batch/partitions/"
	SequenceDir          = "/batch/sequences/"
	EntityVersionKey     = "/batch/entity-version/job_instance"

	// maxCASAttempts bounds the retries of a compare-and-set loop.
	maxCASAttempts = 32
)

var errConflict = errors.New("etcd compare-and-set kept conflicting")

// ids are zero padded so that key order is numeric order.
func idKey(dir string, id int64) string { return dir + fmt.Sprintf("%020d", id) }

func instanceKey(id int64) string  { return idKey(InstanceDir, id) }
func executionKey(id int64) string { return idKey(ExecutionDir, id) }

func instanceExecutionKey(instanceID, executionID int64) string {
	return idKey(idKey(InstanceExecutionDir, instanceID)+"/", executionID)
}

func partitionKey(key domain.RemotablePartitionKey) string {
	return path.Join(PartitionDir, fmt.Sprintf("%020d", key.JobExecutionID), key.StepName, strconv.Itoa(key.PartitionNumber))
}

// JobRepository implements domain.JobRepository on etcd. Conditional
// transitions are compare-and-set transactions on the record's mod revision.
type JobRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ domain.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a job repository backed by etcd.
func NewJobRepository(client *clientv3.Client, logger *slog.Logger) *JobRepository {
	return &JobRepository{
		client: client,
		logger: logger.With("component", "etcd-job-repository"),
		tracer: otel.Tracer("batch-dispatch-etcd-repo"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// span starts a span for op. The returned func records *errp on the span and ends it.
func (r *JobRepository) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(errp *error)) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, op+" failed")
		}
		span.End()
	}
}

// record is a decoded value with the revision it was read at.
type record[T any] struct {
	value T
	rev   int64
}

func getRecord[T any](ctx context.Context, cli *clientv3.Client, key string) (*record[T], error) {
	resp, err := cli.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(resp.Kvs[0].Value, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &record[T]{value: v, rev: resp.Kvs[0].ModRevision}, nil
}

func (r *JobRepository) getInstance(ctx context.Context, id int64) (*record[domain.JobInstance], error) {
	rec, err := getRecord[domain.JobInstance](ctx, r.client, instanceKey(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.Errorf(domain.KindNoSuchJobInstance, "job instance %d not found", id)
	}
	return rec, nil
}

func (r *JobRepository) getExecution(ctx context.Context, id int64) (*record[domain.JobExecution], error) {
	rec, err := getRecord[domain.JobExecution](ctx, r.client, executionKey(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "job execution %d not found", id)
	}
	return rec, nil
}

func putJSON(key string, v any) (clientv3.Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return clientv3.Op{}, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return clientv3.OpPut(key, string(data)), nil
}

// nextID increments the named sequence and returns the new value.
func (r *JobRepository) nextID(ctx context.Context, name string) (int64, error) {
	key := SequenceDir + name
	for i := 0; i < maxCASAttempts; i++ {
		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence %s: %w", name, err)
		}
		var cur int64
		cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		if len(resp.Kvs) > 0 {
			cur, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("corrupt sequence %s: %w", name, err)
			}
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}
		txn, err := r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, strconv.FormatInt(cur+1, 10))).Commit()
		if err != nil {
			return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
		}
		if txn.Succeeded {
			return cur + 1, nil
		}
	}
	return 0, fmt.Errorf("sequence %s: %w", name, errConflict)
}

func (r *JobRepository) CreateJobInstance(ctx context.Context, instance *domain.JobInstance) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "CreateJobInstance", attribute.String("job.name", instance.JobName))
	defer end(&err)

	id, err := r.nextID(ctx, "job_instance")
	if err != nil {
		return nil, err
	}
	now := r.now()
	created := *instance
	created.ID = id
	created.State = domain.InstanceStateSubmitted
	created.BatchStatus = domain.BatchStatusStarting
	created.LatestExecutionID = domain.NoExecution
	created.CreatedAt, created.UpdatedAt = now, now

	key := instanceKey(id)
	put, err := putJSON(key, &created)
	if err != nil {
		return nil, err
	}
	txn, err := r.client.Txn(ctx).If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).Then(put).Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to save job instance %d to etcd: %w", id, err)
	}
	if !txn.Succeeded {
		return nil, domain.Errorf(domain.KindDuplicateKey, "job instance %d already exists", id)
	}
	return &created, nil
}

func (r *JobRepository) GetJobInstance(ctx context.Context, instanceID int64) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "GetJobInstance", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	rec, err := r.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &rec.value, nil
}

func (r *JobRepository) GetJobInstanceFromExecution(ctx context.Context, executionID int64) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "GetJobInstanceFromExecution", attribute.Int64("job.execution_id", executionID))
	defer end(&err)

	exec, err := r.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	inst, err := r.getInstance(ctx, exec.value.InstanceID)
	if err != nil {
		return nil, err
	}
	return &inst.value, nil
}

// casInstance applies mutate to the instance and writes it back if nobody
// changed it in between. mutate's error aborts without writing.
func (r *JobRepository) casInstance(ctx context.Context, instanceID int64, mutate func(inst *domain.JobInstance) error) (*domain.JobInstance, error) {
	key := instanceKey(instanceID)
	for i := 0; i < maxCASAttempts; i++ {
		rec, err := r.getInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		inst := rec.value
		if err := mutate(&inst); err != nil {
			return nil, err
		}
		inst.UpdatedAt = r.now()
		put, err := putJSON(key, &inst)
		if err != nil {
			return nil, err
		}
		txn, err := r.client.Txn(ctx).If(clientv3.Compare(clientv3.ModRevision(key), "=", rec.rev)).Then(put).Commit()
		if err != nil {
			return nil, fmt.Errorf("failed to update job instance %d: %w", instanceID, err)
		}
		if txn.Succeeded {
			return &inst, nil
		}
		r.logger.Debug("job instance changed concurrently, retrying", "instance_id", instanceID)
	}
	return nil, fmt.Errorf("job instance %d: %w", instanceID, errConflict)
}

func (r *JobRepository) UpdateJobInstanceStateOnQueued(ctx context.Context, instanceID int64) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "UpdateJobInstanceStateOnQueued", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	return r.casInstance(ctx, instanceID, func(inst *domain.JobInstance) error {
		if inst.State != domain.InstanceStateSubmitted {
			return domain.Persistence(domain.Errorf(domain.KindIllegalStatusTransition,
				"job instance %d cannot be queued from %s", instanceID, inst.State), "queue job instance")
		}
		inst.State = domain.InstanceStateJMSQueued
		return nil
	})
}

func (r *JobRepository) UpdateJobInstanceStateOnConsumed(ctx context.Context, instanceID int64) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "UpdateJobInstanceStateOnConsumed", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	return r.casInstance(ctx, instanceID, func(inst *domain.JobInstance) error {
		if inst.State != domain.InstanceStateJMSQueued {
			return domain.Errorf(domain.KindJobInstanceNotQueued, "job instance %d is %s, not %s",
				instanceID, inst.State, domain.InstanceStateJMSQueued)
		}
		inst.State = domain.InstanceStateJMSConsumed
		return nil
	})
}

func (r *JobRepository) UpdateJobInstanceOnRestart(ctx context.Context, instanceID int64) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "UpdateJobInstanceOnRestart", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	return r.casInstance(ctx, instanceID, func(inst *domain.JobInstance) error {
		if inst.State != domain.InstanceStateStopped && inst.State != domain.InstanceStateFailed {
			return domain.Errorf(domain.KindIllegalStatusTransition,
				"job instance %d cannot be restarted from %s", instanceID, inst.State)
		}
		inst.State = domain.InstanceStateSubmitted
		inst.BatchStatus = domain.BatchStatusStarting
		return nil
	})
}

func (r *JobRepository) UpdateJobInstanceWithGroupNames(ctx context.Context, instanceID int64, groupNames []string) (_ *domain.JobInstance, err error) {
	ctx, end := r.span(ctx, "UpdateJobInstanceWithGroupNames", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	return r.casInstance(ctx, instanceID, func(inst *domain.JobInstance) error {
		inst.GroupNames = append([]string(nil), groupNames...)
		return nil
	})
}

// GetJobInstanceEntityVersion returns the stored schema version, or
// GroupNamesEntityVersion when none was recorded.
func (r *JobRepository) GetJobInstanceEntityVersion(ctx context.Context) (_ int, err error) {
	ctx, end := r.span(ctx, "GetJobInstanceEntityVersion")
	defer end(&err)

	resp, err := r.client.Get(ctx, EntityVersionKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read job instance entity version: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return domain.GroupNamesEntityVersion, nil
	}
	return strconv.Atoi(string(resp.Kvs[0].Value))
}

// SetJobInstanceEntityVersion records the schema version.
func (r *JobRepository) SetJobInstanceEntityVersion(ctx context.Context, version int) error {
	_, err := r.client.Put(ctx, EntityVersionKey, strconv.Itoa(version))
	return err
}

func (r *JobRepository) UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(ctx context.Context, instanceID, executionID int64, state domain.InstanceState, status domain.BatchStatus) (_ *domain.JobInstance, _ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "UpdateJobInstanceAndExecution",
		attribute.Int64("job.instance_id", instanceID), attribute.Int64("job.execution_id", executionID))
	defer end(&err)

	for i := 0; i < maxCASAttempts; i++ {
		inst, err := r.getInstance(ctx, instanceID)
		if err != nil {
			return nil, nil, err
		}
		if err := domain.VerifyInstanceTransition(inst.value.State, state); err != nil {
			return nil, nil, domain.Persistence(err, "update job instance")
		}
		now := r.now()
		newInst := inst.value
		newInst.State, newInst.BatchStatus, newInst.UpdatedAt = state, status, now

		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(instanceKey(instanceID)), "=", inst.rev)}
		put, err := putJSON(instanceKey(instanceID), &newInst)
		if err != nil {
			return nil, nil, err
		}
		ops := []clientv3.Op{put}

		var newExec *domain.JobExecution
		if executionID != domain.NoExecution {
			exec, err := r.getExecution(ctx, executionID)
			if err != nil {
				return nil, nil, err
			}
			if err := domain.VerifyExecutionTransition(exec.value.BatchStatus, status); err != nil {
				return nil, nil, domain.Persistence(err, "update job execution")
			}
			e := exec.value
			e.BatchStatus, e.ExitStatus, e.UpdatedAt = status, string(status), now
			if status.IsDone() && e.EndedAt == nil {
				e.EndedAt = &now
			}
			put, err := putJSON(executionKey(executionID), &e)
			if err != nil {
				return nil, nil, err
			}
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(executionKey(executionID)), "=", exec.rev))
			ops = append(ops, put)
			newExec = &e
		}

		txn, err := r.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update job instance %d: %w", instanceID, err)
		}
		if txn.Succeeded {
			return &newInst, newExec, nil
		}
	}
	return nil, nil, fmt.Errorf("job instance %d: %w", instanceID, errConflict)
}

func (r *JobRepository) CreateJobExecution(ctx context.Context, instanceID int64, params domain.JobParameters) (_ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "CreateJobExecution", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	if _, err := r.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	id, err := r.nextID(ctx, "job_execution")
	if err != nil {
		return nil, err
	}
	now := r.now()
	exec := &domain.JobExecution{
		ID:          id,
		InstanceID:  instanceID,
		BatchStatus: domain.BatchStatusStarting,
		Parameters:  params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	put, err := putJSON(executionKey(id), exec)
	if err != nil {
		return nil, err
	}
	if _, err := r.client.Txn(ctx).Then(put, clientv3.OpPut(instanceExecutionKey(instanceID, id), "")).Commit(); err != nil {
		return nil, fmt.Errorf("failed to save job execution %d to etcd: %w", id, err)
	}

	if _, err := r.casInstance(ctx, instanceID, func(inst *domain.JobInstance) error {
		if inst.LatestExecutionID < id {
			inst.LatestExecutionID = id
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *JobRepository) GetJobExecution(ctx context.Context, executionID int64) (_ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "GetJobExecution", attribute.Int64("job.execution_id", executionID))
	defer end(&err)

	rec, err := r.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &rec.value, nil
}

func (r *JobRepository) GetJobExecutionMostRecent(ctx context.Context, instanceID int64) (_ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "GetJobExecutionMostRecent", attribute.Int64("job.instance_id", instanceID))
	defer end(&err)

	prefix := idKey(InstanceExecutionDir, instanceID) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(1),
		clientv3.WithKeysOnly(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions of job instance %d: %w", instanceID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "job instance %d has no executions", instanceID)
	}
	execID, err := strconv.ParseInt(path.Base(string(resp.Kvs[0].Key)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt execution index key %s: %w", resp.Kvs[0].Key, err)
	}
	rec, err := r.getExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	return &rec.value, nil
}

// casExecutionAndInstance updates an execution and its instance together.
func (r *JobRepository) casExecutionAndInstance(ctx context.Context, executionID int64, mutate func(exec *domain.JobExecution, inst *domain.JobInstance, now time.Time) error) (*domain.JobExecution, error) {
	for i := 0; i < maxCASAttempts; i++ {
		exec, err := r.getExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		inst, err := r.getInstance(ctx, exec.value.InstanceID)
		if err != nil {
			return nil, err
		}
		e, in := exec.value, inst.value
		now := r.now()
		if err := mutate(&e, &in, now); err != nil {
			return nil, err
		}
		e.UpdatedAt, in.UpdatedAt = now, now
		putExec, err := putJSON(executionKey(executionID), &e)
		if err != nil {
			return nil, err
		}
		putInst, err := putJSON(instanceKey(in.ID), &in)
		if err != nil {
			return nil, err
		}
		txn, err := r.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(executionKey(executionID)), "=", exec.rev),
			clientv3.Compare(clientv3.ModRevision(instanceKey(in.ID)), "=", inst.rev),
		).Then(putExec, putInst).Commit()
		if err != nil {
			return nil, fmt.Errorf("failed to update job execution %d: %w", executionID, err)
		}
		if txn.Succeeded {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("job execution %d: %w", executionID, errConflict)
}

func (r *JobRepository) UpdateJobExecutionAndInstanceOnStarted(ctx context.Context, executionID int64, serverID string) (_ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "UpdateJobExecutionAndInstanceOnStarted", attribute.Int64("job.execution_id", executionID))
	defer end(&err)

	return r.casExecutionAndInstance(ctx, executionID, func(exec *domain.JobExecution, inst *domain.JobInstance, now time.Time) error {
		if err := domain.VerifyExecutionTransition(exec.BatchStatus, domain.BatchStatusStarted); err != nil {
			return domain.Persistence(err, "start job execution")
		}
		exec.BatchStatus, exec.ServerID, exec.StartedAt = domain.BatchStatusStarted, serverID, &now
		inst.State, inst.BatchStatus = domain.InstanceStateDispatched, domain.BatchStatusStarted
		return nil
	})
}

func (r *JobRepository) UpdateJobExecutionAndInstanceOnEnd(ctx context.Context, executionID int64, status domain.BatchStatus, exitStatus string) (_ *domain.JobExecution, err error) {
	ctx, end := r.span(ctx, "UpdateJobExecutionAndInstanceOnEnd",
		attribute.Int64("job.execution_id", executionID), attribute.String("job.batch_status", string(status)))
	defer end(&err)

	return r.casExecutionAndInstance(ctx, executionID, func(exec *domain.JobExecution, inst *domain.JobInstance, now time.Time) error {
		if err := domain.VerifyExecutionTransition(exec.BatchStatus, status); err != nil {
			return domain.Persistence(err, "end job execution")
		}
		exec.BatchStatus, exec.ExitStatus, exec.EndedAt = status, exitStatus, &now
		inst.State, inst.BatchStatus = domain.InstanceStateForStatus(status), status
		return nil
	})
}

func (r *JobRepository) CreateRemotablePartition(ctx context.Context, key domain.RemotablePartitionKey) (_ *domain.RemotablePartition, err error) {
	ctx, end := r.span(ctx, "CreateRemotablePartition", attribute.String("partition.key", key.String()))
	defer end(&err)

	now := r.now()
	part := &domain.RemotablePartition{Key: key, State: domain.PartitionStateQueued, CreatedAt: now, UpdatedAt: now}
	k := partitionKey(key)
	put, err := putJSON(k, part)
	if err != nil {
		return nil, err
	}
	txn, err := r.client.Txn(ctx).If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).Then(put).Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to save remotable partition %s: %w", key, err)
	}
	if !txn.Succeeded {
		return nil, domain.Errorf(domain.KindDuplicateKey, "remotable partition %s already exists", key)
	}
	return part, nil
}

func (r *JobRepository) getPartition(ctx context.Context, key domain.RemotablePartitionKey) (*record[domain.RemotablePartition], error) {
	rec, err := getRecord[domain.RemotablePartition](ctx, r.client, partitionKey(key))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &domain.Error{Kind: domain.KindPartitionNotFound, Msg: "remotable partition " + key.String() + " not found"}
	}
	return rec, nil
}

func (r *JobRepository) GetRemotablePartitionInternalState(ctx context.Context, key domain.RemotablePartitionKey) (_ domain.RemotablePartitionState, err error) {
	ctx, end := r.span(ctx, "GetRemotablePartitionInternalState", attribute.String("partition.key", key.String()))
	defer end(&err)

	rec, err := r.getPartition(ctx, key)
	if err != nil {
		return "", err
	}
	return rec.value.State, nil
}

func (r *JobRepository) UpdateRemotablePartitionInternalState(ctx context.Context, key domain.RemotablePartitionKey, from, to domain.RemotablePartitionState, serverID string) (err error) {
	ctx, end := r.span(ctx, "UpdateRemotablePartitionInternalState",
		attribute.String("partition.key", key.String()), attribute.String("partition.state", string(to)))
	defer end(&err)

	k := partitionKey(key)
	for i := 0; i < maxCASAttempts; i++ {
		rec, err := r.getPartition(ctx, key)
		if err != nil {
			return err
		}
		if rec.value.State != from {
			return domain.Persistence(domain.Errorf(domain.KindIllegalStatusTransition,
				"remotable partition %s is %s, not %s", key, rec.value.State, from), "update remotable partition")
		}
		part := rec.value
		part.State, part.ServerID, part.UpdatedAt = to, serverID, r.now()
		put, err := putJSON(k, &part)
		if err != nil {
			return err
		}
		txn, err := r.client.Txn(ctx).If(clientv3.Compare(clientv3.ModRevision(k), "=", rec.rev)).Then(put).Commit()
		if err != nil {
			return fmt.Errorf("failed to update remotable partition %s: %w", key, err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("remotable partition %s: %w", key, errConflict)
}
