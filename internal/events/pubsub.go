package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// PubSubBus publishes events to a Google Cloud Pub/Sub topic and consumes them
// from a subscription. Delivery is at least once.
type PubSubBus struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	handler      Handler
	logger       *slog.Logger
}

// PubSubConfig names the Pub/Sub resources of a bus
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	Subscription string
	// Workers bounds the number of messages handled concurrently
	Workers int
}

// NewPubSubBus connects to Pub/Sub, creating the topic and subscription if needed
func NewPubSubBus(ctx context.Context, cfg PubSubConfig, handler Handler, logger *slog.Logger, opts ...option.ClientOption) (*PubSubBus, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	topic, err := ensureTopic(ctx, client, cfg.Topic)
	if err != nil {
		client.Close()
		return nil, err
	}

	sub, err := ensureSubscription(ctx, client, cfg.Subscription, topic)
	if err != nil {
		client.Close()
		return nil, err
	}
	if cfg.Workers > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.Workers
	}

	return &PubSubBus{
		client:       client,
		topic:        topic,
		subscription: sub,
		handler:      handler,
		logger:       logger,
	}, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, name string) (*pubsub.Topic, error) {
	if name == "" {
		return nil, errors.New("pubsub topic is required")
	}
	topic := client.Topic(name)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking topic %q: %w", name, err)
	}
	if ok {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("creating topic %q: %w", name, err)
	}
	return topic, nil
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if name == "" {
		return nil, errors.New("pubsub subscription is required")
	}
	sub := client.Subscription(name)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking subscription %q: %w", name, err)
	}
	if ok {
		return sub, nil
	}
	sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating subscription %q: %w", name, err)
	}
	return sub, nil
}

// Dispatch publishes the upload-completed event for a receipt
func (b *PubSubBus) Dispatch(ctx context.Context, receiptID, documentURL string) error {
	return b.Publish(ctx, ExtractRequested{URL: documentURL, ReceiptID: receiptID})
}

// Publish sends ev and waits for the server to accept it
func (b *PubSubBus) Publish(ctx context.Context, ev ExtractRequested) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": ExtractRequestedType},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	b.logger.Debug("Published extraction event", "job_id", ev.ID, "receipt_id", ev.ReceiptID, "message_id", msgID)
	return nil
}

// Start receives events until ctx is cancelled
func (b *PubSubBus) Start(ctx context.Context) error {
	b.logger.Info("Receiving extraction events", "subscription", b.subscription.ID())
	err := b.subscription.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if b.process(ctx, m.ID, m.Data) {
			m.Ack()
		} else {
			m.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receiving events: %w", err)
	}
	return nil
}

// process handles one message and reports whether it should be acked.
// Only runs interrupted by cancellation are redelivered; every terminal outcome is acked.
func (b *PubSubBus) process(ctx context.Context, messageID string, data []byte) bool {
	var ev ExtractRequested
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Error("Dropping undecodable event", "message_id", messageID, "error", err)
		return true
	}
	if ev.ID == "" {
		ev.ID = messageID
	}

	result, err := b.handler.Handle(ctx, ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		b.logger.Error("Dropping invalid event", "message_id", messageID, "error", err)
		return true
	case err != nil && ctx.Err() != nil:
		b.logger.Warn("Extraction interrupted, requesting redelivery", "job_id", ev.ID, "receipt_id", ev.ReceiptID)
		return false
	case err != nil:
		b.logger.Error("Extraction job failed", "job_id", ev.ID, "receipt_id", ev.ReceiptID, "error", err)
		return true
	}

	b.logger.Info("Extraction job finished", "job_id", ev.ID, "receipt_id", result.ReceiptID, "status", result.Status)
	return true
}

// Close flushes pending publishes and closes the client
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	return b.client.Close()
}
