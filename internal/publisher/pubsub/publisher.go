// Package pubsub implements a Google Cloud Pub/Sub publisher that fans out
// signature and retest notifications to per-topic publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Publisher lazily opens one pubsub.Publisher per topic on a shared client.
type Publisher struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Publisher
	closed bool
}

// New creates a Publisher on an existing client.
func New(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger.Named("pubsub"),
		topics: make(map[string]*pubsub.Publisher),
	}
}

// Dial opens a client for projectID and wraps it.
func Dial(ctx context.Context, projectID string, logger *zap.Logger) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client, logger), nil
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	publisher, err := p.publisher(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) publisher(topic string) (*pubsub.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("pubsub publisher is closed")
	}
	if p.client == nil {
		return nil, fmt.Errorf("pubsub publisher is not configured")
	}
	if pub, ok := p.topics[topic]; ok {
		return pub, nil
	}
	pub := p.client.Publisher(topic)
	p.topics[topic] = pub
	p.logger.Debug("opened topic publisher", zap.String("topic", topic))
	return pub, nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, pub := range p.topics {
		pub.Stop()
	}
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
