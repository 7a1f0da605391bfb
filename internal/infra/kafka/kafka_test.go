package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"batch-dispatch/internal/message"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestProducerSendsBody(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewConfig("test"))
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"x":1}` {
			return errors.New("unexpected body " + string(val))
		}
		return nil
	})
	p := NewProducerFrom(sp, discard())
	defer p.Close()

	raw := &message.Raw{Topic: "batch.control", Properties: map[string]string{message.PropOperation: "start"}, Body: []byte(`{"x":1}`)}
	require.NoError(t, p.Send(context.Background(), raw))
	assert.NotEmpty(t, raw.ID)
}

func TestProducerReportsFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewConfig("test"))
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p := NewProducerFrom(sp, discard())
	defer p.Close()

	err := p.Send(context.Background(), &message.Raw{Topic: "batch.control"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func consumerMessage(offset int64, op string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  "batch.control",
		Offset: offset,
		Value:  []byte("{}"),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte("m-1")},
			{Key: []byte(message.PropOperation), Value: []byte(op)},
		},
	}
}

func TestConsumeClaimMarksHandledMessages(t *testing.T) {
	var seen []*message.Raw
	h := &groupHandler{logger: discard(), handler: func(_ context.Context, raw *message.Raw) error {
		seen = append(seen, raw)
		return nil
	}}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 2)}
	claim.msgs <- consumerMessage(7, "start")
	claim.msgs <- consumerMessage(8, "restart")
	close(claim.msgs)
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{7, 8}, sess.marked)
	require.Len(t, seen, 2)
	assert.Equal(t, "m-1", seen[0].ID)
	assert.Equal(t, "restart", seen[1].Property(message.PropOperation))
	assert.NotContains(t, seen[0].Properties, HeaderMessageID)
}

func TestConsumeClaimStopsOnHandlerError(t *testing.T) {
	h := &groupHandler{logger: discard(), handler: func(_ context.Context, raw *message.Raw) error {
		if raw.Property(message.PropOperation) == "restart" {
			return errors.New("store unavailable")
		}
		return nil
	}}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	claim.msgs <- consumerMessage(1, "start")
	claim.msgs <- consumerMessage(2, "restart")
	claim.msgs <- consumerMessage(3, "start")
	close(claim.msgs)
	sess := &fakeSession{ctx: context.Background()}

	assert.Error(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{1}, sess.marked, "the failed message and everything after it stay unmarked")
}
