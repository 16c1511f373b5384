package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSub publishes completion messages to a Google Cloud Pub/Sub topic.
// The client batches and retries sends in the background; Close flushes
// whatever is still pending.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub wraps an existing client and topic handle.
func NewPubSub(client *pubsub.Client, topic *pubsub.Topic) (*PubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSub{client: client, topic: topic}, nil
}

// Connect builds a client with application default credentials and fails
// fast when the topic does not exist or is not readable.
func Connect(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q not found in project %q", topicID, projectID)
	}
	return NewPubSub(client, topic)
}

// Publish sends msg as JSON, fire and forget. The source rides along as an
// attribute so subscribers can filter without unmarshaling.
func (p *PubSub) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal completion message: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"source": msg.Source},
	})
	// The send is asynchronous; Close waits for outstanding results.
	_ = res
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
