package pubsub

import (
	"context"
	"encoding/json"

	"premium-market/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Sink fans realtime payloads out to subscribers. Delivery is fire-and-forget:
// callers log failures and move on.
type Sink interface {
	Broadcast(ctx context.Context, topic string, payload interface{}) error
	EmitToUser(ctx context.Context, userID string, payload interface{}) error
}

// Publisher publishes to Redis channels {prefix}:{topic} and {prefix}:user:{id}
type Publisher struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, prefix string, logger *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = "premium"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// TopicChannel is the Redis channel a broadcast topic is published on
func TopicChannel(prefix, topic string) string {
	return prefix + ":" + topic
}

// UserChannel is the Redis channel for one user's private messages
func UserChannel(prefix, userID string) string {
	return prefix + ":user:" + userID
}

// Broadcast publishes payload to every subscriber of topic
func (p *Publisher) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	return p.publish(ctx, "broadcast", TopicChannel(p.prefix, topic), payload)
}

// EmitToUser publishes payload to a single user's channel
func (p *Publisher) EmitToUser(ctx context.Context, userID string, payload interface{}) error {
	return p.publish(ctx, "user", UserChannel(p.prefix, userID), payload)
}

func (p *Publisher) publish(ctx context.Context, kind, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		return err
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		p.logger.WithError(err).WithField("channel", channel).Debug("Redis publish failed")
		return err
	}
	metrics.PublishSuccess.WithLabelValues(kind).Inc()
	return nil
}
