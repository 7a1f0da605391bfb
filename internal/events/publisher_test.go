package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, raw *message.Raw) error {
	return m.Called(ctx, raw).Error(0)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublishInstanceEvent(t *testing.T) {
	sender := new(mockSender)
	var got *message.Raw
	sender.On("Send", mock.Anything, mock.AnythingOfType("*message.Raw")).
		Run(func(args mock.Arguments) { got = args.Get(1).(*message.Raw) }).
		Return(nil).Once()

	p := NewPublisher(sender, "batch.events", discard())
	p.PublishJobInstanceEvent(context.Background(), &domain.JobInstance{ID: 7, State: domain.InstanceStateJMSConsumed},
		domain.TopicInstanceJMSConsumed, "corr-1")

	sender.AssertExpectations(t)
	require.NotNil(t, got)
	assert.Equal(t, "batch.events", got.Topic)
	assert.Equal(t, domain.TopicInstanceJMSConsumed, got.Property(PropEventTopic))
	assert.Equal(t, "corr-1", got.Property(PropCorrelationID))

	var ev Event
	require.NoError(t, json.Unmarshal(got.Body, &ev))
	require.NotNil(t, ev.Instance)
	assert.Equal(t, int64(7), ev.Instance.ID)
	assert.Nil(t, ev.Execution)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	sender := new(mockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	p := NewPublisher(sender, "batch.events", discard())
	assert.NotPanics(t, func() {
		p.PublishJobExecutionEvent(context.Background(), &domain.JobExecution{ID: 3}, domain.TopicExecutionFailed, "")
	})
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestPublishNilIsIgnored(t *testing.T) {
	sender := new(mockSender)
	p := NewPublisher(sender, "batch.events", discard())
	p.PublishJobInstanceEvent(context.Background(), nil, domain.TopicInstanceFailed, "")
	p.PublishJobExecutionEvent(context.Background(), nil, domain.TopicExecutionFailed, "")
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
