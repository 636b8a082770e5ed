package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/checkout/internal/domain"
)

const eventTypeCheckoutCompleted = "checkout.completed"

// PubSubCheckoutPublisher publishes checkout lifecycle events to a Pub/Sub topic.
type PubSubCheckoutPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubCheckoutPublisher constructs a Pub/Sub backed checkout event publisher.
// Messages are ordered by checkout id when the topic has message ordering enabled.
func NewPubSubCheckoutPublisher(topic *pubsub.Topic) (*PubSubCheckoutPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub checkout publisher: topic is required")
	}
	return &PubSubCheckoutPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishCheckoutCompleted emits the completion event and returns the server message id.
func (p *PubSubCheckoutPublisher) PublishCheckoutCompleted(ctx context.Context, event domain.CheckoutCompleted) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub checkout publisher: not initialised")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return "", errors.New("pubsub checkout publisher: order id is required")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal checkout completed: %w", err)
	}

	attrs := map[string]string{"eventType": eventTypeCheckoutCompleted}
	setAttr(attrs, "checkoutId", event.CheckoutID)
	setAttr(attrs, "cartId", event.CartID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "currency", strings.ToUpper(event.Currency))
	attrs["total"] = strconv.FormatInt(event.Total, 10)
	if !event.CompletedAt.IsZero() {
		attrs["completedAt"] = event.CompletedAt.UTC().Format(time.RFC3339)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(event.CheckoutID)
	}

	result := p.topic.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish checkout completed: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's publish goroutines.
func (p *PubSubCheckoutPublisher) Stop() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
