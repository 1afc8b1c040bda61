package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "agentd:results"

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream length. Zero keeps everything.
	MaxLen int64
}

// RedisSink publishes payloads to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis sink: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: ping failed: %w", err)
	}
	return NewRedisSinkFromClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewRedisSinkFromClient wraps an existing client. The sink owns the client.
func NewRedisSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisSink) Name() string { return "redis:" + r.stream }

func (r *RedisSink) Send(ctx context.Context, p *Payload) error {
	data, err := json.Marshal(p.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"id":      p.ID,
			"agent":   p.Result.AgentName,
			"success": p.Result.Success,
			"result":  string(data),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
