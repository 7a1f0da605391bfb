// Package events publishes job lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"

	"github.com/google/uuid"
)

// Message properties of a published event.
const (
	PropEventTopic    = "event_topic"
	PropCorrelationID = "correlation_id"
)

// Event is the body of a lifecycle event.
type Event struct {
	Topic         string               `json:"topic"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Instance      *domain.JobInstance  `json:"instance,omitempty"`
	Execution     *domain.JobExecution `json:"execution,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Publisher sends events to one destination topic through a message.Sender.
// Failures are logged and never returned.
type Publisher struct {
	sender message.Sender
	topic  string
	logger *slog.Logger
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher that writes to topic.
func NewPublisher(sender message.Sender, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		sender: sender,
		topic:  topic,
		logger: logger.With("component", "event-publisher"),
	}
}

func (p *Publisher) PublishJobInstanceEvent(ctx context.Context, instance *domain.JobInstance, topic, correlationID string) {
	if instance == nil {
		return
	}
	p.publish(ctx, Event{Topic: topic, CorrelationID: correlationID, Instance: instance})
}

func (p *Publisher) PublishJobExecutionEvent(ctx context.Context, execution *domain.JobExecution, topic, correlationID string) {
	if execution == nil {
		return
	}
	p.publish(ctx, Event{Topic: topic, CorrelationID: correlationID, Execution: execution})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", "topic", ev.Topic, "error", err)
		return
	}
	raw := &message.Raw{
		ID:    uuid.NewString(),
		Topic: p.topic,
		Properties: map[string]string{
			PropEventTopic:    ev.Topic,
			PropCorrelationID: ev.CorrelationID,
		},
		Body:      data,
		CreatedAt: ev.Timestamp,
	}
	if err := p.sender.Send(ctx, raw); err != nil {
		p.logger.Warn("failed to publish event", "topic", ev.Topic, "error", err)
		return
	}
	p.logger.Debug("published event", "topic", ev.Topic, "correlation_id", ev.CorrelationID)
}
