package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/estamp-field/api/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "estamp-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "stamp-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, topic
}

func TestPubSubStampEventPublisherPublishes(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, err := NewPubSubStampEventPublisher(topic)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Stop()

	occurredAt := time.Date(2025, 3, 14, 9, 30, 0, 0, time.FixedZone("IST", 19800))
	err = publisher.PublishStampEvent(context.Background(), services.StampEvent{
		Type:           "stamp.generated",
		OrderID:        "stp_01",
		PreviousStatus: "generating",
		CurrentStatus:  "generated",
		ActorID:        "system",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"promoCredited": true},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.OrderingKey != "stp_01" {
		t.Fatalf("expected ordering key, got %q", msg.OrderingKey)
	}
	if msg.Attributes["eventType"] != "stamp.generated" || msg.Attributes["status"] != "generated" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	var payload StampEventMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.OrderID != "stp_01" || !payload.OccurredAt.Equal(occurredAt) || payload.OccurredAt.Location() != time.UTC {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Metadata["promoCredited"] != true {
		t.Fatalf("expected metadata, got %v", payload.Metadata)
	}
}

func TestPubSubStampEventPublisherValidates(t *testing.T) {
	if _, err := NewPubSubStampEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
	_, topic := newTestTopic(t)
	publisher, err := NewPubSubStampEventPublisher(topic)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Stop()
	if err := publisher.PublishStampEvent(context.Background(), services.StampEvent{Type: "stamp.generated"}); err == nil {
		t.Fatalf("expected error without order id")
	}
}
