package bridge

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/telefabric/telefabric/core"
)

// StreamProducer writes one keyed record to a durable stream topic.
// The Redis Streams producer below is the default; a Kafka or Redpanda
// producer can be swapped in without touching the bridge.
type StreamProducer interface {
	Produce(ctx context.Context, streamTopic, key string, value []byte) error
	Close() error
}

// RedisStreamProducer appends records to Redis Streams, one stream per
// stream topic, capped at a configured length.
type RedisStreamProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStreamProducer connects to Redis and verifies reachability.
func NewRedisStreamProducer(ctx context.Context, cfg core.StreamConfig) (*RedisStreamProducer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.NewFabricError("bridge.NewRedisStreamProducer", "transport", err)
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamProducer{client: client, maxLen: maxLen}, nil
}

// Produce appends one record. The key rides alongside the payload so
// consumers can partition by device.
func (p *RedisStreamProducer) Produce(ctx context.Context, streamTopic, key string, value []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamTopic,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":   key,
			"value": value,
		},
	}).Err()
	if err != nil {
		return core.NewFabricError("bridge.Produce", "transport", err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisStreamProducer) Close() error {
	return p.client.Close()
}
