package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/freshnest/api/internal/services"
)

// PubSubFollowUpPublisher queues payment follow-up tasks on a Pub/Sub topic
// for the operations team.
type PubSubFollowUpPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubFollowUpPublisher constructs a Pub/Sub backed follow-up publisher.
func NewPubSubFollowUpPublisher(topic *pubsub.Topic) (*PubSubFollowUpPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub follow-up publisher: topic is required")
	}
	return &PubSubFollowUpPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPaymentFollowUp enqueues a follow-up task on the configured topic.
func (p *PubSubFollowUpPublisher) PublishPaymentFollowUp(ctx context.Context, task services.PaymentFollowUpTask) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub follow-up publisher: not initialised")
	}

	data, err := p.marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal follow-up task: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "bookingId", task.BookingID)
	setAttr(attrs, "reason", task.Reason)
	setAttr(attrs, "detail", task.Detail)
	if task.Amount > 0 {
		attrs["amount"] = strconv.FormatInt(task.Amount, 10)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish follow-up task: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
