// Package sqlite is the single-node job store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"batch-dispatch/internal/domain"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// JobRepository implements domain.JobRepository on SQLite.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewJobRepository creates a repository over an opened database.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger.With("component", "sqlite-job-repository"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.JobRepository = (*JobRepository)(nil)

const instanceColumns = `id, app_name, job_name, submitter, state, batch_status, group_names, definition, latest_execution_id, created_at, updated_at`

const executionColumns = `id, instance_id, batch_status, exit_status, parameters, server_id, created_at, started_at, ended_at, updated_at`

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func scanInstance(row *sql.Row) (*domain.JobInstance, error) {
	var (
		inst                 domain.JobInstance
		groups               sql.NullString
		definition           string
		createdAt, updatedAt string
	)
	err := row.Scan(&inst.ID, &inst.AppName, &inst.JobName, &inst.Submitter, &inst.State, &inst.BatchStatus,
		&groups, &definition, &inst.LatestExecutionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if groups.Valid && groups.String != "" {
		if err := json.Unmarshal([]byte(groups.String), &inst.GroupNames); err != nil {
			return nil, fmt.Errorf("decode group names: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(definition), &inst.Definition); err != nil {
		return nil, fmt.Errorf("decode job definition: %w", err)
	}
	inst.CreatedAt, inst.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &inst, nil
}

func scanExecution(row *sql.Row) (*domain.JobExecution, error) {
	var (
		exec                 domain.JobExecution
		exitStatus, serverID sql.NullString
		params               sql.NullString
		createdAt, updatedAt string
		startedAt, endedAt   sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.InstanceID, &exec.BatchStatus, &exitStatus, &params, &serverID,
		&createdAt, &startedAt, &endedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	exec.ExitStatus, exec.ServerID = exitStatus.String, serverID.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &exec.Parameters); err != nil {
			return nil, fmt.Errorf("decode job parameters: %w", err)
		}
	}
	exec.CreatedAt, exec.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	exec.StartedAt, exec.EndedAt = parseNullTime(startedAt), parseNullTime(endedAt)
	return &exec, nil
}

func getInstance(ctx context.Context, q querier, id int64) (*domain.JobInstance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM job_instance WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNoSuchJobInstance, "job instance %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job instance %d: %w", id, err)
	}
	return inst, nil
}

func getExecution(ctx context.Context, q querier, id int64) (*domain.JobExecution, error) {
	exec, err := scanExecution(q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM job_execution WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "job execution %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job execution %d: %w", id, err)
	}
	return exec, nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func (r *JobRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *JobRepository) CreateJobInstance(ctx context.Context, instance *domain.JobInstance) (*domain.JobInstance, error) {
	definition, err := json.Marshal(instance.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode job definition: %w", err)
	}
	now := formatTime(r.now())
	res, err := r.db.ExecContext(ctx, `INSERT INTO job_instance
  (app_name, job_name, submitter, state, batch_status, definition, latest_execution_id, created_at, updated_at)
  VALUES (?, ?, ?, ?, ?, ?, -1, ?, ?)`,
		instance.AppName, instance.JobName, instance.Submitter,
		domain.InstanceStateSubmitted, domain.BatchStatusStarting, string(definition), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert job instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert job instance: %w", err)
	}
	return getInstance(ctx, r.db, id)
}

func (r *JobRepository) GetJobInstance(ctx context.Context, instanceID int64) (*domain.JobInstance, error) {
	return getInstance(ctx, r.db, instanceID)
}

func (r *JobRepository) GetJobInstanceFromExecution(ctx context.Context, executionID int64) (*domain.JobInstance, error) {
	var instanceID int64
	err := r.db.QueryRowContext(ctx, `SELECT instance_id FROM job_execution WHERE id = ?`, executionID).Scan(&instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "job execution %d not found", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance of execution %d: %w", executionID, err)
	}
	return getInstance(ctx, r.db, instanceID)
}

// moveInstance applies a conditional state change. When no row matches, the
// instance is read to tell "missing" from "wrong state".
func (r *JobRepository) moveInstance(ctx context.Context, instanceID int64, to domain.InstanceState, status *domain.BatchStatus, from ...domain.InstanceState) (*domain.JobInstance, *domain.JobInstance, error) {
	var before, after *domain.JobInstance
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		before = cur
		allowed := false
		for _, s := range from {
			if cur.State == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
		newStatus := cur.BatchStatus
		if status != nil {
			newStatus = *status
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_instance SET state = ?, batch_status = ?, updated_at = ? WHERE id = ? AND state = ?`,
			to, newStatus, formatTime(r.now()), instanceID, cur.State); err != nil {
			return fmt.Errorf("update job instance %d: %w", instanceID, err)
		}
		after, err = getInstance(ctx, tx, instanceID)
		return err
	})
	return before, after, err
}

func (r *JobRepository) UpdateJobInstanceStateOnQueued(ctx context.Context, instanceID int64) (*domain.JobInstance, error) {
	before, after, err := r.moveInstance(ctx, instanceID, domain.InstanceStateJMSQueued, nil, domain.InstanceStateSubmitted)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, domain.Persistence(domain.Errorf(domain.KindIllegalStatusTransition,
			"job instance %d cannot be queued from %s", instanceID, before.State), "queue job instance")
	}
	return after, nil
}

func (r *JobRepository) UpdateJobInstanceStateOnConsumed(ctx context.Context, instanceID int64) (*domain.JobInstance, error) {
	before, after, err := r.moveInstance(ctx, instanceID, domain.InstanceStateJMSConsumed, nil, domain.InstanceStateJMSQueued)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, domain.Errorf(domain.KindJobInstanceNotQueued, "job instance %d is %s, not %s",
			instanceID, before.State, domain.InstanceStateJMSQueued)
	}
	return after, nil
}

func (r *JobRepository) UpdateJobInstanceOnRestart(ctx context.Context, instanceID int64) (*domain.JobInstance, error) {
	starting := domain.BatchStatusStarting
	before, after, err := r.moveInstance(ctx, instanceID, domain.InstanceStateSubmitted, &starting,
		domain.InstanceStateStopped, domain.InstanceStateFailed)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, domain.Errorf(domain.KindIllegalStatusTransition,
			"job instance %d cannot be restarted from %s", instanceID, before.State)
	}
	return after, nil
}

func (r *JobRepository) UpdateJobInstanceWithGroupNames(ctx context.Context, instanceID int64, groupNames []string) (*domain.JobInstance, error) {
	data, err := json.Marshal(groupNames)
	if err != nil {
		return nil, fmt.Errorf("encode group names: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE job_instance SET group_names = ?, updated_at = ? WHERE id = ?`,
		string(data), formatTime(r.now()), instanceID)
	if err != nil {
		return nil, fmt.Errorf("update group names of job instance %d: %w", instanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.Errorf(domain.KindNoSuchJobInstance, "job instance %d not found", instanceID)
	}
	return getInstance(ctx, r.db, instanceID)
}

func (r *JobRepository) GetJobInstanceEntityVersion(ctx context.Context) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `SELECT version FROM entity_version WHERE entity = 'job_instance'`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read job instance entity version: %w", err)
	}
	return version, nil
}

// SetJobInstanceEntityVersion overrides the recorded schema version.
func (r *JobRepository) SetJobInstanceEntityVersion(ctx context.Context, version int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entity_version SET version = ? WHERE entity = 'job_instance'`, version)
	return err
}

func (r *JobRepository) UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(ctx context.Context, instanceID, executionID int64, state domain.InstanceState, status domain.BatchStatus) (*domain.JobInstance, *domain.JobExecution, error) {
	var inst *domain.JobInstance
	var exec *domain.JobExecution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if err := domain.VerifyInstanceTransition(cur.State, state); err != nil {
			return domain.Persistence(err, "update job instance")
		}
		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE job_instance SET state = ?, batch_status = ?, updated_at = ? WHERE id = ?`,
			state, status, now, instanceID); err != nil {
			return fmt.Errorf("update job instance %d: %w", instanceID, err)
		}

		if executionID != domain.NoExecution {
			curExec, err := getExecution(ctx, tx, executionID)
			if err != nil {
				return err
			}
			if err := domain.VerifyExecutionTransition(curExec.BatchStatus, status); err != nil {
				return domain.Persistence(err, "update job execution")
			}
			var ended any
			if status.IsDone() {
				ended = now
			}
			if _, err := tx.ExecContext(ctx, `UPDATE job_execution SET batch_status = ?, exit_status = ?, ended_at = COALESCE(?, ended_at), updated_at = ? WHERE id = ?`,
				status, string(status), ended, now, executionID); err != nil {
				return fmt.Errorf("update job execution %d: %w", executionID, err)
			}
			if exec, err = getExecution(ctx, tx, executionID); err != nil {
				return err
			}
		}
		inst, err = getInstance(ctx, tx, instanceID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return inst, exec, nil
}

func (r *JobRepository) CreateJobExecution(ctx context.Context, instanceID int64, params domain.JobParameters) (*domain.JobExecution, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode job parameters: %w", err)
	}
	var exec *domain.JobExecution
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getInstance(ctx, tx, instanceID); err != nil {
			return err
		}
		now := formatTime(r.now())
		res, err := tx.ExecContext(ctx, `INSERT INTO job_execution (instance_id, batch_status, parameters, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			instanceID, domain.BatchStatusStarting, string(data), now, now)
		if err != nil {
			return fmt.Errorf("insert job execution: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert job execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_instance SET latest_execution_id = ?, updated_at = ? WHERE id = ?`, id, now, instanceID); err != nil {
			return fmt.Errorf("update latest execution of job instance %d: %w", instanceID, err)
		}
		exec, err = getExecution(ctx, tx, id)
		return err
	})
	return exec, err
}

func (r *JobRepository) GetJobExecution(ctx context.Context, executionID int64) (*domain.JobExecution, error) {
	return getExecution(ctx, r.db, executionID)
}

func (r *JobRepository) GetJobExecutionMostRecent(ctx context.Context, instanceID int64) (*domain.JobExecution, error) {
	exec, err := scanExecution(r.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM job_execution WHERE instance_id = ? ORDER BY id DESC LIMIT 1`, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "job instance %d has no executions", instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("most recent execution of job instance %d: %w", instanceID, err)
	}
	return exec, nil
}

func (r *JobRepository) UpdateJobExecutionAndInstanceOnStarted(ctx context.Context, executionID int64, serverID string) (*domain.JobExecution, error) {
	var exec *domain.JobExecution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := domain.VerifyExecutionTransition(cur.BatchStatus, domain.BatchStatusStarted); err != nil {
			return domain.Persistence(err, "start job execution")
		}
		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE job_execution SET batch_status = ?, server_id = ?, started_at = ?, updated_at = ? WHERE id = ?`,
			domain.BatchStatusStarted, serverID, now, now, executionID); err != nil {
			return fmt.Errorf("start job execution %d: %w", executionID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_instance SET state = ?, batch_status = ?, updated_at = ? WHERE id = ?`,
			domain.InstanceStateDispatched, domain.BatchStatusStarted, now, cur.InstanceID); err != nil {
			return fmt.Errorf("dispatch job instance %d: %w", cur.InstanceID, err)
		}
		exec, err = getExecution(ctx, tx, executionID)
		return err
	})
	return exec, err
}

func (r *JobRepository) UpdateJobExecutionAndInstanceOnEnd(ctx context.Context, executionID int64, status domain.BatchStatus, exitStatus string) (*domain.JobExecution, error) {
	var exec *domain.JobExecution
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := domain.VerifyExecutionTransition(cur.BatchStatus, status); err != nil {
			return domain.Persistence(err, "end job execution")
		}
		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE job_execution SET batch_status = ?, exit_status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
			status, exitStatus, now, now, executionID); err != nil {
			return fmt.Errorf("end job execution %d: %w", executionID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE job_instance SET state = ?, batch_status = ?, updated_at = ? WHERE id = ?`,
			domain.InstanceStateForStatus(status), status, now, cur.InstanceID); err != nil {
			return fmt.Errorf("end job instance %d: %w", cur.InstanceID, err)
		}
		exec, err = getExecution(ctx, tx, executionID)
		return err
	})
	return exec, err
}

func (r *JobRepository) CreateRemotablePartition(ctx context.Context, key domain.RemotablePartitionKey) (*domain.RemotablePartition, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO remotable_partition
  (job_execution_id, step_name, partition_number, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key.JobExecutionID, key.StepName, key.PartitionNumber, domain.PartitionStateQueued, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert remotable partition %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.Errorf(domain.KindDuplicateKey, "remotable partition %s already exists", key)
	}
	return &domain.RemotablePartition{Key: key, State: domain.PartitionStateQueued, CreatedAt: now, UpdatedAt: now}, nil
}

func getPartitionState(ctx context.Context, q querier, key domain.RemotablePartitionKey) (domain.RemotablePartitionState, error) {
	var state domain.RemotablePartitionState
	err := q.QueryRowContext(ctx, `SELECT state FROM remotable_partition WHERE job_execution_id = ? AND step_name = ? AND partition_number = ?`,
		key.JobExecutionID, key.StepName, key.PartitionNumber).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &domain.Error{Kind: domain.KindPartitionNotFound, Msg: "remotable partition " + key.String() + " not found"}
	}
	if err != nil {
		return "", fmt.Errorf("get remotable partition %s: %w", key, err)
	}
	return state, nil
}

func (r *JobRepository) GetRemotablePartitionInternalState(ctx context.Context, key domain.RemotablePartitionKey) (domain.RemotablePartitionState, error) {
	return getPartitionState(ctx, r.db, key)
}

func (r *JobRepository) UpdateRemotablePartitionInternalState(ctx context.Context, key domain.RemotablePartitionKey, from, to domain.RemotablePartitionState, serverID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPartitionState(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != from {
			return domain.Persistence(domain.Errorf(domain.KindIllegalStatusTransition,
				"remotable partition %s is %s, not %s", key, cur, from), "update remotable partition")
		}
		_, err = tx.ExecContext(ctx, `UPDATE remotable_partition SET state = ?, server_id = ?, updated_at = ? WHERE job_execution_id = ? AND step_name = ? AND partition_number = ?`,
			to, serverID, formatTime(r.now()), key.JobExecutionID, key.StepName, key.PartitionNumber)
		if err != nil {
			return fmt.Errorf("update remotable partition %s: %w", key, err)
		}
		return nil
	})
}
