package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/security"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type markCall struct {
	instanceID  int64
	executionID int64
	state       domain.InstanceState
	status      domain.BatchStatus
}

// fakeRepo is an in-memory JobRepository.
type fakeRepo struct {
	mu            sync.Mutex
	instances     map[int64]*domain.JobInstance
	executions    map[int64]*domain.JobExecution
	partitions    map[domain.RemotablePartitionKey]domain.RemotablePartitionState
	entityVersion int
	marks         []markCall
	groupUpdates  int
	markErr       error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instances:     make(map[int64]*domain.JobInstance),
		executions:    make(map[int64]*domain.JobExecution),
		partitions:    make(map[domain.RemotablePartitionKey]domain.RemotablePartitionState),
		entityVersion: domain.GroupNamesEntityVersion,
	}
}

func (r *fakeRepo) addInstance(id int64, state domain.InstanceState, executionIDs ...int64) {
	r.instances[id] = &domain.JobInstance{ID: id, AppName: "payroll", JobName: "nightly", State: state}
	for _, e := range executionIDs {
		r.executions[e] = &domain.JobExecution{ID: e, InstanceID: id, BatchStatus: domain.BatchStatusStarting}
	}
}

func (r *fakeRepo) state(id int64) domain.InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id].State
}

func (r *fakeRepo) GetJobInstanceFromExecution(_ context.Context, executionID int64) (*domain.JobInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[executionID]
	if !ok {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "no execution %d", executionID)
	}
	inst := *r.instances[e.InstanceID]
	return &inst, nil
}

func (r *fakeRepo) GetJobExecutionMostRecent(_ context.Context, instanceID int64) (*domain.JobExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.JobExecution
	for _, e := range r.executions {
		if e.InstanceID == instanceID && (latest == nil || e.ID > latest.ID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, domain.Errorf(domain.KindNoSuchJobExecution, "instance %d has no executions", instanceID)
	}
	return latest, nil
}

func (r *fakeRepo) UpdateJobInstanceStateOnConsumed(_ context.Context, instanceID int64) (*domain.JobInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, domain.Errorf(domain.KindNoSuchJobInstance, "no instance %d", instanceID)
	}
	if inst.State != domain.InstanceStateJMSQueued {
		return nil, domain.Errorf(domain.KindJobInstanceNotQueued, "instance %d is %s", instanceID, inst.State)
	}
	inst.State = domain.InstanceStateJMSConsumed
	cp := *inst
	return &cp, nil
}

func (r *fakeRepo) UpdateJobInstanceWithGroupNames(_ context.Context, instanceID int64, groupNames []string) (*domain.JobInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupUpdates++
	r.instances[instanceID].GroupNames = groupNames
	cp := *r.instances[instanceID]
	return &cp, nil
}

func (r *fakeRepo) GetJobInstanceEntityVersion(context.Context) (int, error) {
	return r.entityVersion, nil
}

func (r *fakeRepo) UpdateJobInstanceAndExecutionWithInstanceStateAndBatchStatus(_ context.Context, instanceID, executionID int64, state domain.InstanceState, status domain.BatchStatus) (*domain.JobInstance, *domain.JobExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, markCall{instanceID, executionID, state, status})
	if r.markErr != nil {
		return nil, nil, r.markErr
	}
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, nil, domain.Errorf(domain.KindNoSuchJobInstance, "no instance %d", instanceID)
	}
	inst.State, inst.BatchStatus = state, status
	var exec *domain.JobExecution
	if e, ok := r.executions[executionID]; ok {
		e.BatchStatus = status
		exec = e
	}
	return inst, exec, nil
}

func (r *fakeRepo) GetRemotablePartitionInternalState(_ context.Context, key domain.RemotablePartitionKey) (domain.RemotablePartitionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.partitions[key]
	if !ok {
		return "", domain.ErrPartitionNotFound
	}
	return s, nil
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Start(ctx context.Context, instance *domain.JobInstance, params domain.JobParameters, executionID int64) (domain.Handle, error) {
	args := m.Called(ctx, instance, params, executionID)
	h, _ := args.Get(0).(domain.Handle)
	return h, args.Error(1)
}

func (m *mockDispatcher) RestartInstance(ctx context.Context, instanceID int64, params domain.JobParameters, executionID int64) (domain.Handle, error) {
	args := m.Called(ctx, instanceID, params, executionID)
	h, _ := args.Get(0).(domain.Handle)
	return h, args.Error(1)
}

func (m *mockDispatcher) StartPartition(ctx context.Context, plan domain.PartitionPlanConfig, step domain.StepDefinition, replies domain.ReplyChannel) (domain.Handle, error) {
	args := m.Called(ctx, plan, step, replies)
	h, _ := args.Get(0).(domain.Handle)
	return h, args.Error(1)
}

// doneHandle completes immediately with err.
type doneHandle struct{ err error }

func (h doneHandle) Wait(context.Context) error { return h.err }

// blockingHandle completes with err once release is closed.
type blockingHandle struct {
	release chan struct{}
	err     error
}

func newBlockingHandle() *blockingHandle {
	return &blockingHandle{release: make(chan struct{})}
}

func (h *blockingHandle) Wait(ctx context.Context) error {
	select {
	case <-h.release:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errChannelClosed = errors.New("reply channel closed")

type recordingChannel struct {
	mu     sync.Mutex
	sent   []*domain.PartitionReplyMessage
	closes int
	addErr error
}

func (c *recordingChannel) Add(_ context.Context, msg *domain.PartitionReplyMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return c.addErr
	}
	if c.closes > 0 {
		return errChannelClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *recordingChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *recordingChannel) messages() []*domain.PartitionReplyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.PartitionReplyMessage(nil), c.sent...)
}

type openerFunc func(ctx context.Context, destination string) (domain.ReplyChannel, error)

func (f openerFunc) Open(ctx context.Context, destination string) (domain.ReplyChannel, error) {
	return f(ctx, destination)
}

type recordedEvent struct {
	topic         string
	correlationID string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) PublishJobInstanceEvent(_ context.Context, _ *domain.JobInstance, topic, correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{topic, correlationID})
}

func (e *eventRecorder) PublishJobExecutionEvent(_ context.Context, _ *domain.JobExecution, topic, correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{topic, correlationID})
}

func (e *eventRecorder) topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.topic)
	}
	return out
}

type fixture struct {
	repo       *fakeRepo
	dispatcher *mockDispatcher
	channel    *recordingChannel
	events     *eventRecorder
	opens      int
	coord      *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		repo:       newFakeRepo(),
		dispatcher: &mockDispatcher{},
		channel:    &recordingChannel{},
		events:     &eventRecorder{},
	}
	f.coord = New(Resolvers{
		Repository: Static[JobRepository](f.repo),
		Dispatcher: Static[domain.Dispatcher](f.dispatcher),
		Security:   Static(security.NewService(logger)),
		Replies: Static[ReplyOpener](openerFunc(func(_ context.Context, destination string) (domain.ReplyChannel, error) {
			require.Equal(t, "node-a", destination)
			f.opens++
			return f.channel, nil
		})),
		Events: Static[domain.EventPublisher](f.events),
	}, opts, logger)
	return f
}

func identityBlob(t *testing.T, subject string, groups ...string) []byte {
	t.Helper()
	blob, err := security.Encode(security.Identity{Subject: subject, Groups: groups})
	require.NoError(t, err)
	return blob
}
