package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"batch-dispatch/internal/message"

	"github.com/IBM/sarama"
)

// Consumer feeds the messages of a consumer group to a handler. An offset is
// marked only after the handler accepted the message; a handler error ends
// the session so the message is read again from the last marked offset.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler message.Handler
	logger  *slog.Logger
}

// NewConsumer joins groupID on brokers.
func NewConsumer(brokers []string, groupID string, topics []string, cfg *sarama.Config, handler message.Handler, logger *slog.Logger) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group %s: %w", groupID, err)
	}
	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		logger:  logger.With("component", "kafka-consumer", "group", groupID),
	}, nil
}

// Run consumes until ctx is done or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", "error", err)
		}
	}()

	c.logger.Info("starting kafka consumer", "topics", c.topics)
	for {
		// Consume 在每次 rebalance 或会话结束时返回，需要循环调用
		if err := c.group.Consume(ctx, c.topics, &groupHandler{handler: c.handler, logger: c.logger}); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("kafka consume failed: %w", err)
		}
		if ctx.Err() != nil {
			c.logger.Info("stopped kafka consumer")
			return nil
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler message.Handler
	logger  *slog.Logger
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Debug("consumer group session started", "member_id", sess.MemberID(), "generation", sess.GenerationID())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			raw := toRaw(msg)
			if err := h.handler(sess.Context(), raw); err != nil {
				h.logger.Warn("message handler failed, ending session for redelivery",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				return err
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func toRaw(msg *sarama.ConsumerMessage) *message.Raw {
	raw := &message.Raw{
		Topic:      msg.Topic,
		Properties: make(map[string]string, len(msg.Headers)),
		Body:       msg.Value,
		CreatedAt:  msg.Timestamp,
	}
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		if string(h.Key) == HeaderMessageID {
			raw.ID = string(h.Value)
			continue
		}
		raw.Properties[string(h.Key)] = string(h.Value)
	}
	return raw
}
