// Package jobs publishes stamp order lifecycle events for downstream consumers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/estamp-field/api/internal/services"
)

// StampEventMessage is the JSON body of a published lifecycle event.
type StampEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubStampEventPublisher implements services.StampEventPublisher on a Pub/Sub topic. Events
// for one order share an ordering key so subscribers see them in transition order.
type PubSubStampEventPublisher struct {
	topic *pubsub.Topic
}

var _ services.StampEventPublisher = (*PubSubStampEventPublisher)(nil)

func NewPubSubStampEventPublisher(topic *pubsub.Topic) (*PubSubStampEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stamp publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubStampEventPublisher{topic: topic}, nil
}

// PublishStampEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubStampEventPublisher) PublishStampEvent(ctx context.Context, event services.StampEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stamp publisher: not initialised")
	}
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" || strings.TrimSpace(event.Type) == "" {
		return errors.New("pubsub stamp publisher: event type and order id are required")
	}

	data, err := json.Marshal(StampEventMessage{
		Type:           event.Type,
		OrderID:        orderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal stamp event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: orderID,
		Attributes: map[string]string{
			"eventType": event.Type,
			"orderId":   orderID,
			"status":    event.CurrentStatus,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(orderID)
		return fmt.Errorf("publish stamp event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubStampEventPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}
