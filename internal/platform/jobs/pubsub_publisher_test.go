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

	"github.com/freshnest/api/internal/services"
)

func TestPubSubFollowUpPublisherPublishesTask(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "payment-follow-ups")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubFollowUpPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubFollowUpPublisher: %v", err)
	}

	queuedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	task := services.PaymentFollowUpTask{
		BookingID: "bk_test",
		Email:     "jane@example.com",
		Amount:    24000,
		Reason:    "payment_failed",
		Detail:    "insufficient_funds",
		QueuedAt:  queuedAt,
	}

	if _, err := publisher.PublishPaymentFollowUp(ctx, task); err != nil {
		t.Fatalf("PublishPaymentFollowUp: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.PaymentFollowUpTask
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.BookingID != task.BookingID || payload.Reason != task.Reason {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["bookingId"]; attr != "bk_test" {
		t.Fatalf("expected bookingId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["amount"]; attr != "24000" {
		t.Fatalf("expected amount attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["email"]; ok {
		t.Fatalf("email must not be exposed as an attribute")
	}
}
