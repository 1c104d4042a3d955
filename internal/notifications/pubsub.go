package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
)

const defaultPublishTimeout = 10 * time.Second

// topicPublisher is the subset of *pubsub.Publisher the dispatcher drives.
type topicPublisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishAck
	ResumePublish(orderingKey string)
}

type publishAck interface {
	Get(ctx context.Context) (string, error)
}

// PubSubDispatcher publishes each notification as a JSON message ordered by
// registration.
type PubSubDispatcher struct {
	topic   topicPublisher
	timeout time.Duration
}

func NewPubSubDispatcher(p *gcppubsub.Publisher, timeout time.Duration) (*PubSubDispatcher, error) {
	if p == nil {
		return nil, errors.New("pubsub publisher required")
	}
	return newPubSubDispatcher(publisherAdapter{p}, timeout), nil
}

func newPubSubDispatcher(p topicPublisher, timeout time.Duration) *PubSubDispatcher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubDispatcher{topic: p, timeout: timeout}
}

func (d *PubSubDispatcher) Notify(ctx context.Context, n Notification) error {
	msg, err := encodeMessage(n)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ack := d.topic.Publish(ctx, msg)
	if ack == nil {
		return errors.New("publish returned no result")
	}
	if _, err := ack.Get(ctx); err != nil {
		// an ordered key stays paused after a failure until resumed
		d.topic.ResumePublish(msg.OrderingKey)
		return fmt.Errorf("publish %s notification: %w", n.Kind, err)
	}
	return nil
}

func orderingKey(n Notification) string {
	if n.Recipient.RegistrationID == uuid.Nil {
		return ""
	}
	return string(n.Recipient.RegistrationType) + "/" + n.Recipient.RegistrationID.String()
}

func encodeMessage(n Notification) (*gcppubsub.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return &gcppubsub.Message{
		Data:        data,
		OrderingKey: orderingKey(n),
		Attributes: map[string]string{
			"event_id":          uuid.NewString(),
			"kind":              string(n.Kind),
			"registration_type": string(n.Recipient.RegistrationType),
			"registration_id":   n.Recipient.RegistrationID.String(),
			"occurred_at":       n.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

type publisherAdapter struct {
	p *gcppubsub.Publisher
}

func (a publisherAdapter) Publish(ctx context.Context, msg *gcppubsub.Message) publishAck {
	return a.p.Publish(ctx, msg)
}

func (a publisherAdapter) ResumePublish(key string) {
	if key != "" {
		a.p.ResumePublish(key)
	}
}
